package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dlab/internal/config"
	"dlab/internal/domain"
	"dlab/internal/store"
)

// Repo is the SQLite backend for every store collaborator.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = store.ErrNotFound

var (
	_ store.PublicStageDataStore = Repo{}
	_ store.ParticipantStore     = Repo{}
	_ store.ChatMessageSink      = Repo{}
)

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) stamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

func (r Repo) InsertExperimentTx(ctx context.Context, tx *sql.Tx, e domain.Experiment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO experiments(id,description,created_at) VALUES (?,?,?)`,
		e.ID, nullable(e.Description), e.CreatedAt)
	return err
}

func (r Repo) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	var e domain.Experiment
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(description,''),created_at FROM experiments WHERE id=?`, id).
		Scan(&e.ID, &e.Description, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) ListExperiments(ctx context.Context) ([]domain.Experiment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(description,''),created_at FROM experiments ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Experiment
	for rows.Next() {
		var e domain.Experiment
		if err := rows.Scan(&e.ID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SingleExperiment returns the only experiment in the workspace.
func (r Repo) SingleExperiment(ctx context.Context) (domain.Experiment, error) {
	all, err := r.ListExperiments(ctx)
	if err != nil {
		return domain.Experiment{}, err
	}
	if len(all) == 0 {
		return domain.Experiment{}, ErrNotFound
	}
	if len(all) > 1 {
		return domain.Experiment{}, fmt.Errorf("multiple experiments exist; specify --experiment")
	}
	return all[0], nil
}

func (r Repo) UpsertExperimentConfigTx(ctx context.Context, tx *sql.Tx, experimentID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Experiment.ID = experimentID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := r.stamp()
	_, err = tx.ExecContext(ctx, `INSERT INTO experiment_configs(experiment_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(experiment_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, experimentID, string(payload), now, now)
	return err
}

func (r Repo) GetExperimentConfig(ctx context.Context, experimentID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM experiment_configs WHERE experiment_id=?`, experimentID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Experiment.ID == "" {
		cfg.Experiment.ID = experimentID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) InsertCohortTx(ctx context.Context, tx *sql.Tx, c domain.Cohort) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cohorts(experiment_id,id,created_at) VALUES (?,?,?)`, c.ExperimentID, c.ID, c.CreatedAt)
	return err
}

func (r Repo) GetCohort(ctx context.Context, experimentID, id string) (domain.Cohort, error) {
	var c domain.Cohort
	err := r.DB.QueryRowContext(ctx, `SELECT id,experiment_id,created_at FROM cohorts WHERE experiment_id=? AND id=?`, experimentID, id).
		Scan(&c.ID, &c.ExperimentID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCohorts(ctx context.Context, experimentID string) ([]domain.Cohort, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,experiment_id,created_at FROM cohorts WHERE experiment_id=? ORDER BY created_at, id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cohort
	for rows.Next() {
		var c domain.Cohort
		if err := rows.Scan(&c.ID, &c.ExperimentID, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const participantColumns = `public_id,experiment_id,cohort_id,COALESCE(current_stage_id,''),status,connected,is_agent,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row scanner) (domain.Participant, error) {
	var p domain.Participant
	var status string
	err := row.Scan(&p.PublicID, &p.ExperimentID, &p.CohortID, &p.CurrentStageID, &status, &p.Connected, &p.IsAgent, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Status = domain.ParticipantStatus(status)
	return p, err
}

func (r Repo) InsertParticipantTx(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO participants(experiment_id,public_id,cohort_id,current_stage_id,status,connected,is_agent,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ExperimentID, p.PublicID, p.CohortID, nullable(p.CurrentStageID), string(p.Status), p.Connected, p.IsAgent, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, experimentID, publicID string) (domain.Participant, error) {
	return scanParticipant(r.DB.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE experiment_id=? AND public_id=?`, experimentID, publicID))
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, experimentID, publicID string) (domain.Participant, error) {
	return scanParticipant(tx.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE experiment_id=? AND public_id=?`, experimentID, publicID))
}

// ListCohortParticipants returns every participant of the cohort, active or not.
func (r Repo) ListCohortParticipants(ctx context.Context, experimentID, cohortID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE experiment_id=? AND cohort_id=? ORDER BY public_id`, experimentID, cohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateParticipantTx writes the mutable fields of p.
func (r Repo) UpdateParticipantTx(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET current_stage_id=?, status=?, connected=?, updated_at=? WHERE experiment_id=? AND public_id=?`,
		nullable(p.CurrentStageID), string(p.Status), p.Connected, p.UpdatedAt, p.ExperimentID, p.PublicID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertStageAnswerTx(ctx context.Context, tx *sql.Tx, a domain.StageAnswer) error {
	payload := a.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stage_answers(experiment_id,public_id,stage_id,payload_json,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(experiment_id,public_id,stage_id) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		a.ExperimentID, a.PublicID, a.StageID, string(data), a.UpdatedAt)
	return err
}

func (r Repo) GetStageAnswer(ctx context.Context, experimentID, publicID, stageID string) (domain.StageAnswer, error) {
	a := domain.StageAnswer{ExperimentID: experimentID, PublicID: publicID, StageID: stageID}
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json,updated_at FROM stage_answers WHERE experiment_id=? AND public_id=? AND stage_id=?`,
		experimentID, publicID, stageID).Scan(&payload, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return a, fmt.Errorf("answer %s/%s: %w", publicID, stageID, err)
	}
	return a, nil
}

// EventFilter narrows LatestEvents. Zero fields match everything.
type EventFilter struct {
	ExperimentID string
	Type         string
	EntityKind   string
	EntityID     string
	Before       int64
	Limit        int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ExperimentID != "" {
		clauses = append(clauses, "experiment_id=?")
		args = append(args, f.ExperimentID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(experiment_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, experimentID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if experimentID != "" {
		clauses = append(clauses, "experiment_id=?")
		args = append(args, experimentID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(experiment_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID for an experiment.
func (r Repo) LatestEventID(ctx context.Context, experimentID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE experiment_id=?`, experimentID).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ExperimentID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
