package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dlab/internal/config"
	"dlab/internal/domain"
	"dlab/internal/engine"
	"dlab/internal/lottery"
	"dlab/internal/repo"
	"dlab/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"discussion_ended"`
	Message string         `json:"message" example:"discussion has ended"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dlab API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("dlab API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerExperiments(group, cfg.Engine)
	registerCohorts(group, cfg.Engine)
	registerParticipants(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerChat(group, cfg.Engine)
	registerLottery(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrUnknownStage):
		return newAPIError(http.StatusNotFound, "unknown_stage", msg, nil)
	case errors.Is(err, engine.ErrDiscussionEnded):
		return newAPIError(http.StatusConflict, "discussion_ended", msg, nil)
	case errors.Is(err, engine.ErrLotteryPending):
		return newAPIError(http.StatusConflict, "lottery_pending", msg, nil)
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrParticipantInactive), errors.Is(err, engine.ErrNotInCohort):
		return newAPIError(http.StatusUnprocessableEntity, "participant_not_eligible", msg, nil)
	case errors.Is(err, engine.ErrNotChatStage), errors.Is(err, engine.ErrNotLotteryStage):
		return newAPIError(http.StatusUnprocessableEntity, "wrong_stage_kind", msg, nil)
	case errors.Is(err, lottery.ErrNoCandidates), errors.Is(err, lottery.ErrDuplicateCandidate):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "already_exists", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>dlab API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerExperiments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-experiment",
		Method:        http.MethodPost,
		Path:          "/experiments",
		Summary:       "Create experiment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string                  `header:"X-Actor-Id"`
		Body    CreateExperimentRequest `json:"body"`
	}) (*struct {
		Body ExperimentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var cfg *config.Config
		if input.Body.ConfigYAML != nil {
			parsed, err := config.FromYAML([]byte(*input.Body.ConfigYAML))
			if err != nil {
				return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_config", err.Error(), nil)
			}
			if input.Body.ID != "" && parsed.Experiment.ID != input.Body.ID {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "id does not match config experiment.id", nil)
			}
			cfg = parsed
		} else {
			if input.Body.ID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
			}
			cfg = config.Default(input.Body.ID)
		}
		if input.Body.Description != nil {
			cfg.Experiment.Description = *input.Body.Description
		}
		exp, err := e.CreateExperiment(ctx, cfg, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExperimentResponse `json:"body"`
		}{Body: experimentResponse(exp, cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-experiments",
		Method:      http.MethodGet,
		Path:        "/experiments",
		Summary:     "List experiments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ExperimentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListExperiments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ExperimentResponse, 0, len(items))
		for _, exp := range items {
			out = append(out, experimentResponse(exp, nil))
		}
		return &struct {
			Body []ExperimentResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-experiment",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}",
		Summary:     "Get experiment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
	}) (*struct {
		Body ExperimentResponse `json:"body"`
	}, error) {
		exp, err := e.Repo.GetExperiment(ctx, input.ExperimentID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetExperimentConfig(ctx, exp.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body ExperimentResponse `json:"body"`
		}{Body: experimentResponse(exp, cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-experiment-config",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/config",
		Summary:     "Get experiment config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetExperimentConfig(ctx, input.ExperimentID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := configResponse(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-experiment-config",
		Method:      http.MethodPut,
		Path:        "/experiments/{experiment_id}/config",
		Summary:     "Replace experiment config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ExperimentID string              `path:"experiment_id"`
		ActorID      string              `header:"X-Actor-Id"`
		Body         UpdateConfigRequest `json:"body"`
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		cfg, err := config.FromYAML([]byte(input.Body.ConfigYAML))
		if err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_config", err.Error(), nil)
		}
		if cfg.Experiment.ID != input.ExperimentID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "config experiment.id does not match path", nil)
		}
		if err := e.UpdateExperimentConfig(ctx, input.ExperimentID, cfg, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		res, err := configResponse(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerCohorts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cohort",
		Method:        http.MethodPost,
		Path:          "/experiments/{experiment_id}/cohorts",
		Summary:       "Create cohort",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ExperimentID string              `path:"experiment_id"`
		ActorID      string              `header:"X-Actor-Id"`
		Body         CreateCohortRequest `json:"body"`
	}) (*struct {
		Body domain.Cohort `json:"body"`
	}, error) {
		id := ""
		if input.Body.ID != nil {
			id = strings.TrimSpace(*input.Body.ID)
		}
		c, err := e.CreateCohort(ctx, input.ExperimentID, id, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cohort `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cohorts",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/cohorts",
		Summary:     "List cohorts",
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
	}) (*struct {
		Body []domain.Cohort `json:"body"`
	}, error) {
		items, err := e.Repo.ListCohorts(ctx, input.ExperimentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Cohort `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-participant",
		Method:        http.MethodPost,
		Path:          "/experiments/{experiment_id}/cohorts/{cohort_id}/participants",
		Summary:       "Add participant to cohort",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ExperimentID string                `path:"experiment_id"`
		CohortID     string                `path:"cohort_id"`
		ActorID      string                `header:"X-Actor-Id"`
		Body         AddParticipantRequest `json:"body"`
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		opts := engine.ParticipantCreateOptions{
			ExperimentID: input.ExperimentID,
			CohortID:     input.CohortID,
			IsAgent:      input.Body.IsAgent,
			ActorID:      input.ActorID,
		}
		if input.Body.PublicID != nil {
			opts.PublicID = strings.TrimSpace(*input.Body.PublicID)
		}
		p, err := e.AddParticipant(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/cohorts/{cohort_id}/participants",
		Summary:     "List cohort participants",
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
		CohortID     string `path:"cohort_id"`
		ActiveOnly   bool   `query:"active_only"`
	}) (*struct {
		Body []domain.Participant `json:"body"`
	}, error) {
		items, err := e.ListParticipants(ctx, input.ExperimentID, input.CohortID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.ActiveOnly {
			items = store.Active(items)
		}
		return &struct {
			Body []domain.Participant `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-participant",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/participants/{public_id}",
		Summary:     "Get participant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
		PublicID     string `path:"public_id"`
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		p, err := e.GetParticipant(ctx, input.ExperimentID, input.PublicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-participant",
		Method:      http.MethodPatch,
		Path:        "/experiments/{experiment_id}/participants/{public_id}",
		Summary:     "Update participant status, connection or stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ExperimentID string                   `path:"experiment_id"`
		PublicID     string                   `path:"public_id"`
		ActorID      string                   `header:"X-Actor-Id"`
		Body         UpdateParticipantRequest `json:"body"`
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		opts := engine.ParticipantUpdateOptions{
			ExperimentID:   input.ExperimentID,
			PublicID:       input.PublicID,
			Connected:      input.Body.Connected,
			CurrentStageID: input.Body.CurrentStageID,
			ActorID:        input.ActorID,
		}
		if input.Body.Status != nil {
			status := domain.ParticipantStatus(*input.Body.Status)
			opts.Status = &status
		}
		p, err := e.UpdateParticipant(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-answer",
		Method:      http.MethodPut,
		Path:        "/experiments/{experiment_id}/participants/{public_id}/answers/{stage_id}",
		Summary:     "Record stage answer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ExperimentID string              `path:"experiment_id"`
		PublicID     string              `path:"public_id"`
		StageID      string              `path:"stage_id"`
		ActorID      string              `header:"X-Actor-Id"`
		Body         RecordAnswerRequest `json:"body"`
	}) (*struct {
		Body AnswerResponse `json:"body"`
	}, error) {
		res, err := e.RecordStageAnswer(ctx, engine.AnswerOptions{
			ExperimentID: input.ExperimentID,
			PublicID:     input.PublicID,
			StageID:      input.StageID,
			Payload:      input.Body.Payload,
			ActorID:      input.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := AnswerResponse{Answer: res.Answer}
		if res.Stage != nil {
			st := stageResponse(*res.Stage)
			out.Stage = &st
		}
		return &struct {
			Body AnswerResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-answer",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/participants/{public_id}/answers/{stage_id}",
		Summary:     "Get stage answer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
		PublicID     string `path:"public_id"`
		StageID      string `path:"stage_id"`
	}) (*struct {
		Body domain.StageAnswer `json:"body"`
	}, error) {
		a, err := e.GetStageAnswer(ctx, input.ExperimentID, input.PublicID, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageAnswer `json:"body"`
		}{Body: a}, nil
	})
}

// StagePath is embedded in stage operation inputs. It must stay exported so
// huma binds the path parameters of embedded fields.
type StagePath struct {
	ExperimentID string `path:"experiment_id"`
	CohortID     string `path:"cohort_id"`
	StageID      string `path:"stage_id"`
}

func (p StagePath) key() domain.StageKey {
	return domain.StageKey{ExperimentID: p.ExperimentID, CohortID: p.CohortID, StageID: p.StageID}
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/cohorts/{cohort_id}/stages",
		Summary:     "List public stage data of a cohort",
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
		CohortID     string `path:"cohort_id"`
		Kind         string `query:"kind" enum:"chat,ranking,survey"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		docs, err := e.Stages.ListPublicStageData(ctx, input.ExperimentID, domain.StageKind(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		out := []StageResponse{}
		for _, doc := range docs {
			if doc.CohortID == input.CohortID {
				out = append(out, stageResponse(doc))
			}
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/cohorts/{cohort_id}/stages/{stage_id}",
		Summary:     "Get public stage data",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *StagePath) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		doc, err := e.PublicStageData(ctx, input.key())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-stage",
		Method:      http.MethodPost,
		Path:        "/experiments/{experiment_id}/cohorts/{cohort_id}/stages/{stage_id}/start",
		Summary:     "Start the stage clock",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		StagePath
		ActorID string `header:"X-Actor-Id"`
	}) (*struct {
		Body StageActionResponse `json:"body"`
	}, error) {
		doc, started, err := e.StartDiscussion(ctx, input.key(), input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageActionResponse `json:"body"`
		}{Body: StageActionResponse{Stage: stageResponse(doc), Changed: started}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-stage",
		Method:      http.MethodPost,
		Path:        "/experiments/{experiment_id}/cohorts/{cohort_id}/stages/{stage_id}/end",
		Summary:     "End the stage for messaging",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		StagePath
		ActorID string `header:"X-Actor-Id"`
	}) (*struct {
		Body StageActionResponse `json:"body"`
	}, error) {
		doc, ended, err := e.EndDiscussion(ctx, input.key(), input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageActionResponse `json:"body"`
		}{Body: StageActionResponse{Stage: stageResponse(doc), Changed: ended}}, nil
	})
}

func registerChat(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/experiments/{experiment_id}/cohorts/{cohort_id}/stages/{stage_id}/messages",
		Summary:       "Send chat message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		StagePath
		ActorID string             `header:"X-Actor-Id"`
		Body    SendMessageRequest `json:"body"`
	}) (*struct {
		Body domain.ChatMessage `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.SenderID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "sender_id is required", nil)
		}
		msg, err := e.SendChatMessage(ctx, engine.ChatMessageOptions{
			Key:      input.key(),
			SenderID: input.Body.SenderID,
			Type:     domain.MessageType(input.Body.Type),
			Message:  input.Body.Message,
			ActorID:  input.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChatMessage `json:"body"`
		}{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/cohorts/{cohort_id}/stages/{stage_id}/messages",
		Summary:     "List chat messages",
	}, func(ctx context.Context, input *struct {
		StagePath
		DiscussionID string `query:"discussion_id"`
	}) (*struct {
		Body []domain.ChatMessage `json:"body"`
	}, error) {
		items, err := e.ChatMessages(ctx, input.key(), input.DiscussionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChatMessage `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerLottery(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-lottery",
		Method:      http.MethodPost,
		Path:        "/experiments/{experiment_id}/cohorts/{cohort_id}/stages/{stage_id}/lottery",
		Summary:     "Draw the round leader",
		Description: "Draws once per round; later calls return the stored result with drawn=false.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		StagePath
		ActorID string `header:"X-Actor-Id"`
	}) (*struct {
		Body LotteryResponse `json:"body"`
	}, error) {
		res, drawn, err := e.RunLeaderLottery(ctx, input.key(), input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LotteryResponse `json:"body"`
		}{Body: lotteryResponse(res, drawn)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lottery",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/cohorts/{cohort_id}/stages/{stage_id}/lottery",
		Summary:     "Get the drawn round result",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *StagePath) (*struct {
		Body LotteryResponse `json:"body"`
	}, error) {
		res, err := e.LotteryResult(ctx, input.key())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LotteryResponse `json:"body"`
		}{Body: lotteryResponse(res, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-leader-status",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/cohorts/{cohort_id}/stages/{stage_id}/lottery/{public_id}",
		Summary:     "Get one participant's leader status",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		StagePath
		PublicID string `path:"public_id"`
	}) (*struct {
		Body LeaderStatusResponse `json:"body"`
	}, error) {
		status, err := e.LeaderStatus(ctx, input.key(), input.PublicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaderStatusResponse `json:"body"`
		}{Body: LeaderStatusResponse{PublicID: input.PublicID, Status: status, Selected: status.Selected()}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
		Type         string `query:"type"`
		EntityKind   string `query:"entity_kind" enum:"experiment,cohort,participant,stage,chat_message"`
		EntityID     string `query:"entity_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.LatestEvents(ctx, engine.EventQuery{
			ExperimentID: input.ExperimentID,
			Type:         input.Type,
			EntityKind:   input.EntityKind,
			EntityID:     input.EntityID,
			Before:       cursorID,
			Limit:        limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
