package repo

import (
	"context"
	"database/sql"

	"dlab/internal/domain"
)

// AppendChatMessage stores m once. Appending an id that already exists is a
// no-op.
func (r Repo) AppendChatMessage(ctx context.Context, m domain.ChatMessage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO chat_messages(id,experiment_id,cohort_id,stage_id,discussion_id,type,sender_id,message,ts) VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ExperimentID, m.CohortID, m.StageID, nullableStringPtr(m.DiscussionID), string(m.Type), m.SenderID, m.Message, m.Timestamp)
	return err
}

// ListChatMessages returns a stage's messages oldest first. A non-empty
// discussionID keeps only that discussion.
func (r Repo) ListChatMessages(ctx context.Context, key domain.StageKey, discussionID string) ([]domain.ChatMessage, error) {
	query := `SELECT id,experiment_id,cohort_id,stage_id,discussion_id,type,sender_id,message,ts FROM chat_messages WHERE experiment_id=? AND cohort_id=? AND stage_id=?`
	args := []any{key.ExperimentID, key.CohortID, key.StageID}
	if discussionID != "" {
		query += ` AND discussion_id=?`
		args = append(args, discussionID)
	}
	query += ` ORDER BY seq`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var discussion sql.NullString
		var typ string
		if err := rows.Scan(&m.ID, &m.ExperimentID, &m.CohortID, &m.StageID, &discussion, &typ, &m.SenderID, &m.Message, &m.Timestamp); err != nil {
			return nil, err
		}
		if discussion.Valid {
			d := discussion.String
			m.DiscussionID = &d
		}
		m.Type = domain.MessageType(typ)
		res = append(res, m)
	}
	return res, rows.Err()
}
