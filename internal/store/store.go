// Package store names the collaborators the engine reads and writes through.
package store

import (
	"context"
	"errors"

	"dlab/internal/domain"
	"dlab/internal/events"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means an optimistic update kept losing to concurrent writers.
	ErrConflict = errors.New("conflict: too many concurrent updates")
)

// UpdateFunc mutates doc in place and returns the events describing the
// change. It can run more than once and must depend only on doc and reads it
// makes itself. Returning no events and leaving doc unchanged skips the write.
type UpdateFunc func(doc *domain.PublicStageData) ([]events.Draft, error)

type PublicStageDataStore interface {
	InitPublicStageData(ctx context.Context, doc domain.PublicStageData) (bool, error)
	GetPublicStageData(ctx context.Context, key domain.StageKey) (domain.PublicStageData, error)
	UpdatePublicStageData(ctx context.Context, key domain.StageKey, fn UpdateFunc) (domain.PublicStageData, error)
	ListPublicStageData(ctx context.Context, experimentID string, kind domain.StageKind) ([]domain.PublicStageData, error)
}

type ParticipantStore interface {
	ListCohortParticipants(ctx context.Context, experimentID, cohortID string) ([]domain.Participant, error)
	GetParticipant(ctx context.Context, experimentID, publicID string) (domain.Participant, error)
	GetStageAnswer(ctx context.Context, experimentID, publicID, stageID string) (domain.StageAnswer, error)
}

// ChatMessageSink appends chat messages. Appending an id twice keeps the
// first message.
type ChatMessageSink interface {
	AppendChatMessage(ctx context.Context, msg domain.ChatMessage) error
}

// Active filters participants down to the active ones.
func Active(ps []domain.Participant) []domain.Participant {
	out := make([]domain.Participant, 0, len(ps))
	for _, p := range ps {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}
