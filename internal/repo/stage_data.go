package repo

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dlab/internal/domain"
	"dlab/internal/events"
	"dlab/internal/store"
)

const maxUpdateAttempts = 8

func (r Repo) InitPublicStageData(ctx context.Context, doc domain.PublicStageData) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	created, err := r.InitPublicStageDataTx(ctx, tx, doc)
	if err != nil {
		return false, err
	}
	return created, tx.Commit()
}

// InitPublicStageDataTx inserts doc unless the stage already has a document.
func (r Repo) InitPublicStageDataTx(ctx context.Context, tx *sql.Tx, doc domain.PublicStageData) (bool, error) {
	doc.Version = 1
	doc.UpdatedAt = r.stamp()
	data, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO public_stage_data(experiment_id,cohort_id,stage_id,kind,version,data_json,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(experiment_id,cohort_id,stage_id) DO NOTHING`,
		doc.ExperimentID, doc.CohortID, doc.StageID, string(doc.Kind), doc.Version, string(data), doc.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) GetPublicStageData(ctx context.Context, key domain.StageKey) (domain.PublicStageData, error) {
	var data string
	var version int64
	err := r.DB.QueryRowContext(ctx, `SELECT data_json,version FROM public_stage_data WHERE experiment_id=? AND cohort_id=? AND stage_id=?`,
		key.ExperimentID, key.CohortID, key.StageID).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return domain.PublicStageData{}, ErrNotFound
	}
	if err != nil {
		return domain.PublicStageData{}, err
	}
	return decodeStageData(data, version)
}

func (r Repo) ListPublicStageData(ctx context.Context, experimentID string, kind domain.StageKind) ([]domain.PublicStageData, error) {
	query := `SELECT data_json,version FROM public_stage_data WHERE experiment_id=?`
	args := []any{experimentID}
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY cohort_id, stage_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PublicStageData
	for rows.Next() {
		var data string
		var version int64
		if err := rows.Scan(&data, &version); err != nil {
			return nil, err
		}
		doc, err := decodeStageData(data, version)
		if err != nil {
			return nil, err
		}
		res = append(res, doc)
	}
	return res, rows.Err()
}

// UpdatePublicStageData runs fn against the latest document inside a write
// transaction and stores the result with a version check. Events returned by
// fn are appended in the same transaction. Busy or lost updates are retried.
func (r Repo) UpdatePublicStageData(ctx context.Context, key domain.StageKey, fn store.UpdateFunc) (domain.PublicStageData, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		doc, err := r.updateOnce(ctx, key, fn)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, errStale) && !isBusy(err) {
			return domain.PublicStageData{}, err
		}
		lastErr = err
		if err := sleepCtx(ctx, time.Duration(attempt+1)*10*time.Millisecond); err != nil {
			return domain.PublicStageData{}, err
		}
	}
	return domain.PublicStageData{}, fmt.Errorf("%w: %s: %v", store.ErrConflict, key, lastErr)
}

var errStale = errors.New("stale public stage data")

func (r Repo) updateOnce(ctx context.Context, key domain.StageKey, fn store.UpdateFunc) (domain.PublicStageData, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PublicStageData{}, err
	}
	defer tx.Rollback()

	var data string
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT data_json,version FROM public_stage_data WHERE experiment_id=? AND cohort_id=? AND stage_id=?`,
		key.ExperimentID, key.CohortID, key.StageID).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return domain.PublicStageData{}, ErrNotFound
	}
	if err != nil {
		return domain.PublicStageData{}, err
	}
	doc, err := decodeStageData(data, version)
	if err != nil {
		return domain.PublicStageData{}, err
	}
	before, err := encodeStageData(doc)
	if err != nil {
		return domain.PublicStageData{}, err
	}
	drafts, err := fn(&doc)
	if err != nil {
		return domain.PublicStageData{}, err
	}
	doc.ExperimentID, doc.CohortID, doc.StageID = key.ExperimentID, key.CohortID, key.StageID
	doc.Version = version
	after, err := encodeStageData(doc)
	if err != nil {
		return domain.PublicStageData{}, err
	}
	if bytes.Equal(before, after) && len(drafts) == 0 {
		return doc, nil
	}

	doc.Version = version + 1
	doc.UpdatedAt = r.stamp()
	out, err := json.Marshal(doc)
	if err != nil {
		return domain.PublicStageData{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE public_stage_data SET data_json=?, version=?, updated_at=? WHERE experiment_id=? AND cohort_id=? AND stage_id=? AND version=?`,
		string(out), doc.Version, doc.UpdatedAt, key.ExperimentID, key.CohortID, key.StageID, version)
	if err != nil {
		return domain.PublicStageData{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.PublicStageData{}, errStale
	}
	w := events.Writer{DB: r.DB, Now: r.Now}
	for _, d := range drafts {
		if err := w.AppendDraft(ctx, tx, d); err != nil {
			return domain.PublicStageData{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PublicStageData{}, err
	}
	return doc, nil
}

func decodeStageData(data string, version int64) (domain.PublicStageData, error) {
	var doc domain.PublicStageData
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return doc, fmt.Errorf("decode public stage data: %w", err)
	}
	doc.Version = version
	return doc, nil
}

// encodeStageData is the comparison form of doc, without bookkeeping fields.
func encodeStageData(doc domain.PublicStageData) ([]byte, error) {
	doc.Version = 0
	doc.UpdatedAt = ""
	return json.Marshal(doc)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
