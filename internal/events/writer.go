package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	CohortCreated        = "cohort.created"
	ExperimentCreated    = "experiment.created"
	ExperimentConfig     = "experiment.config"
	ParticipantAdded     = "participant.added"
	ParticipantStatus    = "participant.status"
	ParticipantUpdated   = "participant.updated"
	AnswerRecorded       = "answer.recorded"
	DiscussionReady      = "discussion.ready"
	DiscussionAdvanced   = "discussion.advanced"
	DiscussionStarted    = "discussion.started"
	DiscussionCheckpoint = "discussion.checkpoint"
	DiscussionEnded      = "discussion.ended"
	ChatMessage          = "chat.message"
	LotteryDrawn         = "lottery.drawn"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Draft is an event built inside a transaction body and written only if
// the transaction commits.
type Draft struct {
	Type         string       `json:"type"`
	ExperimentID string       `json:"experiment_id"`
	EntityKind   string       `json:"entity_kind"`
	EntityID     string       `json:"entity_id,omitempty"`
	ActorID      string       `json:"actor_id"`
	Payload      EventPayload `json:"payload"`
}

func (d Draft) PayloadJSON() (string, error) {
	payload := d.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, experimentID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.AppendDraft(ctx, tx, Draft{
		Type:         evtType,
		ExperimentID: experimentID,
		EntityKind:   entityKind,
		EntityID:     entityID,
		ActorID:      actorID,
		Payload:      payload,
	})
}

func (w Writer) AppendDraft(ctx context.Context, tx *sql.Tx, d Draft) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	data, err := d.PayloadJSON()
	if err != nil {
		return err
	}
	actor := d.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,experiment_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, d.Type, nullable(d.ExperimentID), d.EntityKind, nullable(d.EntityID), actor, data)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
