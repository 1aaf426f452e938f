package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dlab/internal/checkpoint"
	"dlab/internal/config"
	"dlab/internal/discussion"
	"dlab/internal/domain"
	"dlab/internal/events"
	"dlab/internal/lottery"
	"dlab/internal/repo"
	"dlab/internal/store"
)

var (
	ErrDiscussionEnded = errors.New("discussion has ended")
	ErrUnknownStage    = errors.New("unknown stage")
	ErrNotChatStage    = errors.New("stage is not a chat stage")
	ErrNotLotteryStage = errors.New("stage has no leader lottery")
	ErrLotteryPending  = errors.New("leader lottery has not been drawn")

	ErrParticipantInactive = errors.New("participant is not active")
	ErrNotInCohort         = errors.New("participant is not in cohort")
)

const (
	systemActor = "system"
	timeLayout  = time.RFC3339Nano
)

// Engine applies every state change. Relational records go through Repo;
// shared stage documents, participant reads and chat writes go through the
// store collaborators, which default to Repo as well.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Stages       store.PublicStageDataStore
	Participants store.ParticipantStore
	Chat         store.ChatMessageSink
	Config       *config.Config
	Now          func() time.Time
	Sleep        func(context.Context, time.Duration) error
	NewSource    func() lottery.Source
	// Timers, when set, gets a loop for every chat stage whose clock starts.
	Timers *checkpoint.Scheduler
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:           db,
		Repo:         r,
		Events:       events.Writer{DB: db},
		Stages:       r,
		Participants: r,
		Chat:         r,
		Config:       cfg,
		Now:          time.Now,
		Sleep:        checkpoint.SleepContext,
		NewSource:    lottery.RandomSource,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(timeLayout)
}

func (e Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return checkpoint.SleepContext(ctx, d)
}

func (e Engine) source() lottery.Source {
	if e.NewSource != nil {
		return e.NewSource()
	}
	return lottery.RandomSource()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// config returns the experiment's config, preferring the one the engine was
// built with.
func (e Engine) config(ctx context.Context, experimentID string) (*config.Config, error) {
	if e.Config != nil && e.Config.Experiment.ID == experimentID {
		return e.Config, nil
	}
	return e.Repo.GetExperimentConfig(ctx, experimentID)
}

func (e Engine) stage(ctx context.Context, key domain.StageKey) (*config.Config, config.StageConfig, error) {
	cfg, err := e.config(ctx, key.ExperimentID)
	if err != nil {
		return nil, config.StageConfig{}, err
	}
	st, ok := cfg.Stage(key.StageID)
	if !ok {
		return nil, config.StageConfig{}, fmt.Errorf("%w: %s", ErrUnknownStage, key.StageID)
	}
	return cfg, st, nil
}

func actorOr(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return systemActor
	}
	return actorID
}

// CreateExperiment stores a new experiment with its config.
func (e Engine) CreateExperiment(ctx context.Context, cfg *config.Config, actorID string) (domain.Experiment, error) {
	if cfg == nil {
		return domain.Experiment{}, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return domain.Experiment{}, err
	}
	exp := domain.Experiment{
		ID:          cfg.Experiment.ID,
		Description: cfg.Experiment.Description,
		CreatedAt:   e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Experiment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExperimentTx(ctx, tx, exp); err != nil {
		return domain.Experiment{}, fmt.Errorf("insert experiment: %w", err)
	}
	if err := e.Repo.UpsertExperimentConfigTx(ctx, tx, exp.ID, cfg); err != nil {
		return domain.Experiment{}, fmt.Errorf("insert experiment config: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.ExperimentCreated, exp.ID, "experiment", exp.ID, actorOr(actorID), events.EventPayload{"stages": len(cfg.Stages)}); err != nil {
		return domain.Experiment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Experiment{}, err
	}
	return exp, nil
}

// UpdateExperimentConfig replaces the stored config. Existing cohorts keep
// their stage documents.
func (e Engine) UpdateExperimentConfig(ctx context.Context, experimentID string, cfg *config.Config, actorID string) error {
	if _, err := e.Repo.GetExperiment(ctx, experimentID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertExperimentConfigTx(ctx, tx, experimentID, cfg); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.ExperimentConfig, experimentID, "experiment", experimentID, actorOr(actorID), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateCohort adds a cohort and a fresh public document for each stage.
func (e Engine) CreateCohort(ctx context.Context, experimentID, cohortID, actorID string) (domain.Cohort, error) {
	cfg, err := e.config(ctx, experimentID)
	if err != nil {
		return domain.Cohort{}, err
	}
	now := e.stamp()
	if cohortID == "" {
		cohortID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(experimentID+"|cohort|"+now)).String()
	}
	c := domain.Cohort{ID: cohortID, ExperimentID: experimentID, CreatedAt: now}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cohort{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCohortTx(ctx, tx, c); err != nil {
		return domain.Cohort{}, fmt.Errorf("insert cohort: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.CohortCreated, experimentID, "cohort", cohortID, actorOr(actorID), events.EventPayload{"stages": len(cfg.Stages)}); err != nil {
		return domain.Cohort{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cohort{}, err
	}
	for _, st := range cfg.Stages {
		if _, err := e.Stages.InitPublicStageData(ctx, initialStageData(experimentID, cohortID, st)); err != nil {
			return domain.Cohort{}, fmt.Errorf("init stage %s: %w", st.ID, err)
		}
	}
	return c, nil
}

func initialStageData(experimentID, cohortID string, st config.StageConfig) domain.PublicStageData {
	doc := domain.PublicStageData{
		ExperimentID: experimentID,
		CohortID:     cohortID,
		StageID:      st.ID,
		Kind:         st.Kind,
	}
	if st.Kind == domain.StageKindChat && len(st.Discussions) > 0 {
		first := st.Discussions[0].ID
		doc.CurrentDiscussionID = &first
		doc.DiscussionTimestampMap = domain.DiscussionTimestampMap{}
	}
	return doc
}

// update runs fn against the stage document, creating the document first
// for cohorts that predate the stage.
func (e Engine) update(ctx context.Context, key domain.StageKey, st config.StageConfig, fn store.UpdateFunc) (domain.PublicStageData, error) {
	doc, err := e.Stages.UpdatePublicStageData(ctx, key, fn)
	if !errors.Is(err, store.ErrNotFound) {
		return doc, err
	}
	if _, err := e.Repo.GetCohort(ctx, key.ExperimentID, key.CohortID); err != nil {
		return domain.PublicStageData{}, err
	}
	if _, err := e.Stages.InitPublicStageData(ctx, initialStageData(key.ExperimentID, key.CohortID, st)); err != nil {
		return domain.PublicStageData{}, err
	}
	return e.Stages.UpdatePublicStageData(ctx, key, fn)
}

// read returns the stage document without changing it, creating it like
// update does.
func (e Engine) read(ctx context.Context, key domain.StageKey, st config.StageConfig) (domain.PublicStageData, error) {
	return e.update(ctx, key, st, func(*domain.PublicStageData) ([]events.Draft, error) { return nil, nil })
}

// PublicStageData returns the shared document for a stage.
func (e Engine) PublicStageData(ctx context.Context, key domain.StageKey) (domain.PublicStageData, error) {
	return e.Stages.GetPublicStageData(ctx, key)
}

type ParticipantCreateOptions struct {
	ExperimentID string
	CohortID     string
	PublicID     string
	IsAgent      bool
	ActorID      string
}

func (e Engine) AddParticipant(ctx context.Context, opts ParticipantCreateOptions) (domain.Participant, error) {
	if opts.ExperimentID == "" || opts.CohortID == "" {
		return domain.Participant{}, errors.New("experiment and cohort are required")
	}
	if _, err := e.Repo.GetCohort(ctx, opts.ExperimentID, opts.CohortID); err != nil {
		return domain.Participant{}, err
	}
	now := e.stamp()
	id := opts.PublicID
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Participant{
		PublicID:     id,
		ExperimentID: opts.ExperimentID,
		CohortID:     opts.CohortID,
		Status:       domain.StatusInProgress,
		IsAgent:      opts.IsAgent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertParticipantTx(ctx, tx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.ParticipantAdded, p.ExperimentID, "participant", p.PublicID, actorOr(opts.ActorID),
		events.EventPayload{"cohort_id": p.CohortID, "is_agent": p.IsAgent}); err != nil {
		return domain.Participant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, err
	}
	return p, nil
}

type ParticipantUpdateOptions struct {
	ExperimentID   string
	PublicID       string
	Status         *domain.ParticipantStatus
	Connected      *bool
	CurrentStageID *string
	ActorID        string
}

// UpdateParticipant changes status, connection or current stage. A status
// change can unblock the cohort's current discussions, so they are
// re-checked afterwards.
func (e Engine) UpdateParticipant(ctx context.Context, opts ParticipantUpdateOptions) (domain.Participant, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return domain.Participant{}, fmt.Errorf("invalid participant status %q", *opts.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetParticipantTx(ctx, tx, opts.ExperimentID, opts.PublicID)
	if err != nil {
		return domain.Participant{}, err
	}
	prevStatus := p.Status
	changed := map[string]any{}
	if opts.Status != nil && *opts.Status != p.Status {
		p.Status = *opts.Status
		changed["status"] = string(p.Status)
	}
	if opts.Connected != nil && *opts.Connected != p.Connected {
		p.Connected = *opts.Connected
		changed["connected"] = p.Connected
	}
	if opts.CurrentStageID != nil && *opts.CurrentStageID != p.CurrentStageID {
		p.CurrentStageID = *opts.CurrentStageID
		changed["current_stage_id"] = p.CurrentStageID
	}
	if len(changed) == 0 {
		return p, nil
	}
	p.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateParticipantTx(ctx, tx, p); err != nil {
		return domain.Participant{}, err
	}
	evtType := events.ParticipantUpdated
	if _, ok := changed["status"]; ok {
		evtType = events.ParticipantStatus
		changed["from"] = string(prevStatus)
	}
	if err := e.events().Append(ctx, tx, evtType, p.ExperimentID, "participant", p.PublicID, actorOr(opts.ActorID), events.EventPayload(changed)); err != nil {
		return domain.Participant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, err
	}
	if prevStatus.IsActive() != p.Status.IsActive() {
		if err := e.recheckDiscussions(ctx, p.ExperimentID, p.CohortID, opts.ActorID); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (e Engine) GetParticipant(ctx context.Context, experimentID, publicID string) (domain.Participant, error) {
	return e.Participants.GetParticipant(ctx, experimentID, publicID)
}

func (e Engine) ListParticipants(ctx context.Context, experimentID, cohortID string) ([]domain.Participant, error) {
	return e.Participants.ListCohortParticipants(ctx, experimentID, cohortID)
}

// recheckDiscussions re-runs advancement for every chat stage of a cohort.
func (e Engine) recheckDiscussions(ctx context.Context, experimentID, cohortID, actorID string) error {
	cfg, err := e.config(ctx, experimentID)
	if err != nil {
		return err
	}
	for _, st := range cfg.Stages {
		if st.Kind != domain.StageKindChat {
			continue
		}
		key := domain.StageKey{ExperimentID: experimentID, CohortID: cohortID, StageID: st.ID}
		if _, err := e.update(ctx, key, st, e.advanceFn(ctx, key, st, "", nil, actorID)); err != nil {
			return fmt.Errorf("recheck %s: %w", key, err)
		}
	}
	return nil
}

// advanceFn merges a participant's readiness map, when given, and moves the
// discussion on if everyone active is ready. Participants are read on every
// attempt so a retry sees the latest statuses.
func (e Engine) advanceFn(ctx context.Context, key domain.StageKey, st config.StageConfig, publicID string, answer map[string]*time.Time, actorID string) store.UpdateFunc {
	return func(doc *domain.PublicStageData) ([]events.Draft, error) {
		var drafts []events.Draft
		if publicID != "" && discussion.MergeAnswer(doc, publicID, answer) {
			drafts = append(drafts, events.Draft{
				Type: events.DiscussionReady, ExperimentID: key.ExperimentID, EntityKind: "stage", EntityID: key.String(),
				ActorID: actorOr(actorID), Payload: events.EventPayload{"participant_id": publicID},
			})
		}
		participants, err := e.Participants.ListCohortParticipants(ctx, key.ExperimentID, key.CohortID)
		if err != nil {
			return nil, err
		}
		from := doc.CurrentDiscussionID
		if discussion.UpdateCurrentDiscussionIndex(doc, st.DiscussionIDs(), participants) {
			payload := events.EventPayload{"from": derefString(from), "to": nil}
			if doc.CurrentDiscussionID != nil {
				payload["to"] = *doc.CurrentDiscussionID
			}
			drafts = append(drafts, events.Draft{
				Type: events.DiscussionAdvanced, ExperimentID: key.ExperimentID, EntityKind: "stage", EntityID: key.String(),
				ActorID: actorOr(actorID), Payload: payload,
			})
		}
		return drafts, nil
	}
}

type AnswerOptions struct {
	ExperimentID string
	PublicID     string
	StageID      string
	Payload      map[string]any
	ActorID      string
}

type AnswerResult struct {
	Answer domain.StageAnswer       `json:"answer"`
	Stage  *domain.PublicStageData `json:"stage,omitempty"`
}

// RecordStageAnswer stores a participant's answer. Chat answers carry the
// participant's readiness per discussion, which is merged into the shared
// document in the same update that checks for advancement.
func (e Engine) RecordStageAnswer(ctx context.Context, opts AnswerOptions) (AnswerResult, error) {
	cfg, err := e.config(ctx, opts.ExperimentID)
	if err != nil {
		return AnswerResult{}, err
	}
	st, ok := cfg.Stage(opts.StageID)
	if !ok && !isExternal(cfg, opts.StageID) {
		return AnswerResult{}, fmt.Errorf("%w: %s", ErrUnknownStage, opts.StageID)
	}
	p, err := e.Participants.GetParticipant(ctx, opts.ExperimentID, opts.PublicID)
	if err != nil {
		return AnswerResult{}, err
	}
	a := domain.StageAnswer{
		ExperimentID: opts.ExperimentID,
		PublicID:     opts.PublicID,
		StageID:      opts.StageID,
		Payload:      opts.Payload,
		UpdatedAt:    e.stamp(),
	}
	if a.Payload == nil {
		a.Payload = map[string]any{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AnswerResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertStageAnswerTx(ctx, tx, a); err != nil {
		return AnswerResult{}, fmt.Errorf("store answer: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.AnswerRecorded, a.ExperimentID, "participant", a.PublicID, actorOr(opts.ActorID),
		events.EventPayload{"stage_id": a.StageID}); err != nil {
		return AnswerResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AnswerResult{}, err
	}
	res := AnswerResult{Answer: a}
	if !ok || st.Kind != domain.StageKindChat {
		return res, nil
	}
	ready := discussion.ParseAnswer(a.Payload)
	if len(ready) == 0 {
		return res, nil
	}
	key := domain.StageKey{ExperimentID: a.ExperimentID, CohortID: p.CohortID, StageID: a.StageID}
	doc, err := e.update(ctx, key, st, e.advanceFn(ctx, key, st, a.PublicID, ready, opts.ActorID))
	if err != nil {
		return res, err
	}
	res.Stage = &doc
	return res, nil
}

func (e Engine) GetStageAnswer(ctx context.Context, experimentID, publicID, stageID string) (domain.StageAnswer, error) {
	return e.Participants.GetStageAnswer(ctx, experimentID, publicID, stageID)
}

type EventQuery = repo.EventFilter

// LatestEvents lists the event log newest first.
func (e Engine) LatestEvents(ctx context.Context, q EventQuery) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, q)
}

func isExternal(cfg *config.Config, stageID string) bool {
	for _, id := range cfg.ExternalStages {
		if id == stageID {
			return true
		}
	}
	return false
}

func derefString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
