package server

import (
	"encoding/json"

	"dlab/internal/checkpoint"
	"dlab/internal/config"
	"dlab/internal/domain"
)

// Request payloads

type CreateExperimentRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
	ConfigYAML  *string `json:"config_yaml,omitempty" doc:"Full experiment config; the default template is used when omitted"`
}

type UpdateConfigRequest struct {
	ConfigYAML string `json:"config_yaml"`
}

type CreateCohortRequest struct {
	ID *string `json:"id,omitempty"`
}

type AddParticipantRequest struct {
	PublicID *string `json:"public_id,omitempty"`
	IsAgent  bool    `json:"is_agent,omitempty"`
}

type UpdateParticipantRequest struct {
	Status         *string `json:"status,omitempty" enum:"IN_PROGRESS,SUCCESS,ATTENTION_CHECK,ATTENTION_TIMEOUT,TRANSFER_PENDING,TRANSFER_FAILED,TRANSFER_TIMEOUT,TRANSFER_DECLINED,BOOTED_OUT,DELETED"`
	Connected      *bool   `json:"connected,omitempty"`
	CurrentStageID *string `json:"current_stage_id,omitempty"`
}

type RecordAnswerRequest struct {
	Payload map[string]any `json:"payload"`
}

type SendMessageRequest struct {
	SenderID string `json:"sender_id"`
	Type     string `json:"type,omitempty" enum:"participant,mediator,experimenter"`
	Message  string `json:"message"`
}

// Responses

type ExperimentResponse struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	Stages      int    `json:"stages"`
}

type ConfigResponse struct {
	ExperimentID   string               `json:"experiment_id"`
	Stages         []stageConfigSection `json:"stages"`
	ExternalStages []string             `json:"external_stages"`
	MaxWaitMinutes float64              `json:"max_wait_minutes"`
	Webhooks       int                  `json:"webhooks"`
	YAML           string               `json:"yaml"`
}

type stageConfigSection struct {
	ID               string   `json:"id"`
	Kind             string   `json:"kind"`
	TimeLimitMinutes float64  `json:"time_limit_minutes,omitempty"`
	Discussions      []string `json:"discussions,omitempty"`
	Lottery          bool     `json:"lottery"`
}

type StageResponse struct {
	domain.PublicStageData
	State string `json:"state" enum:"NOT_STARTED,RUNNING,ENDED"`
}

type StageActionResponse struct {
	Stage   StageResponse `json:"stage"`
	Changed bool          `json:"changed"`
}

type AnswerResponse struct {
	Answer domain.StageAnswer `json:"answer"`
	Stage  *StageResponse     `json:"stage,omitempty"`
}

type LotteryResponse struct {
	WinnerID             string                         `json:"winner_id"`
	ParticipantStatusMap map[string]domain.LeaderStatus `json:"participant_status_map"`
	Debug                domain.LotteryDebug            `json:"debug"`
	Drawn                bool                           `json:"drawn"`
}

type LeaderStatusResponse struct {
	PublicID string              `json:"public_id"`
	Status   domain.LeaderStatus `json:"status"`
	Selected bool                `json:"selected"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	ExperimentID string         `json:"experiment_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func experimentResponse(e domain.Experiment, cfg *config.Config) ExperimentResponse {
	res := ExperimentResponse{ID: e.ID, Description: e.Description, CreatedAt: e.CreatedAt}
	if cfg != nil {
		res.Stages = len(cfg.Stages)
	}
	return res
}

func configResponse(cfg *config.Config) (ConfigResponse, error) {
	text, err := cfg.YAML()
	if err != nil {
		return ConfigResponse{}, err
	}
	res := ConfigResponse{
		ExperimentID:   cfg.Experiment.ID,
		Stages:         make([]stageConfigSection, 0, len(cfg.Stages)),
		ExternalStages: nonNilSlice(cfg.ExternalStages),
		MaxWaitMinutes: cfg.MaxWait().Minutes(),
		Webhooks:       len(cfg.Webhooks),
		YAML:           text,
	}
	for _, st := range cfg.Stages {
		res.Stages = append(res.Stages, stageConfigSection{
			ID:               st.ID,
			Kind:             string(st.Kind),
			TimeLimitMinutes: st.TimeLimitMinutes,
			Discussions:      st.DiscussionIDs(),
			Lottery:          st.Lottery != nil,
		})
	}
	return res, nil
}

func stageResponse(doc domain.PublicStageData) StageResponse {
	return StageResponse{PublicStageData: doc, State: checkpoint.StateOf(doc).String()}
}

func lotteryResponse(res domain.LotteryResult, drawn bool) LotteryResponse {
	return LotteryResponse{
		WinnerID:             res.WinnerID,
		ParticipantStatusMap: res.ParticipantStatusMap,
		Debug:                res.Debug,
		Drawn:                drawn,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		ExperimentID: e.ExperimentID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
