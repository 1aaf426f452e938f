package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"

	"dlab/internal/checkpoint"
	"dlab/internal/config"
	"dlab/internal/domain"
	"dlab/internal/events"
)

func (e Engine) chatStage(ctx context.Context, key domain.StageKey) (*config.Config, config.StageConfig, error) {
	cfg, st, err := e.stage(ctx, key)
	if err != nil {
		return nil, st, err
	}
	if st.Kind != domain.StageKindChat {
		return nil, st, fmt.Errorf("%w: %s", ErrNotChatStage, key.StageID)
	}
	return cfg, st, nil
}

type ChatMessageOptions struct {
	Key      domain.StageKey
	SenderID string
	Type     domain.MessageType
	Message  string
	ActorID  string
}

// SendChatMessage admits a message into a chat stage that has not ended. The
// first admitted message starts the stage clock. Messages are tagged with
// the discussion that was current when they were admitted. A message admitted
// while another call ends the stage can land after the closing message.
func (e Engine) SendChatMessage(ctx context.Context, opts ChatMessageOptions) (domain.ChatMessage, error) {
	_, st, err := e.chatStage(ctx, opts.Key)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if strings.TrimSpace(opts.Message) == "" {
		return domain.ChatMessage{}, errors.New("message is required")
	}
	if opts.Type == "" {
		opts.Type = domain.MessageParticipant
	}
	if !opts.Type.Valid() || opts.Type == domain.MessageSystem {
		return domain.ChatMessage{}, fmt.Errorf("invalid message type %q", opts.Type)
	}
	if opts.Type == domain.MessageParticipant {
		p, err := e.Participants.GetParticipant(ctx, opts.Key.ExperimentID, opts.SenderID)
		if err != nil {
			return domain.ChatMessage{}, err
		}
		if p.CohortID != opts.Key.CohortID {
			return domain.ChatMessage{}, fmt.Errorf("%w: %s not in %s", ErrNotInCohort, p.PublicID, opts.Key.CohortID)
		}
		if !p.IsActive() {
			return domain.ChatMessage{}, fmt.Errorf("%w: %s is %s", ErrParticipantInactive, p.PublicID, p.Status)
		}
	}

	doc, err := e.read(ctx, opts.Key, st)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if checkpoint.StateOf(doc) == checkpoint.Ended {
		return domain.ChatMessage{}, ErrDiscussionEnded
	}
	msg := domain.ChatMessage{
		ID:           uuid.NewString(),
		ExperimentID: opts.Key.ExperimentID,
		CohortID:     opts.Key.CohortID,
		StageID:      opts.Key.StageID,
		DiscussionID: copyString(doc.CurrentDiscussionID),
		Type:         opts.Type,
		SenderID:     opts.SenderID,
		Message:      opts.Message,
		Timestamp:    e.now().Format(timeLayout),
	}
	// Store first: a failed write must not start the clock or log the event.
	if err := e.Chat.AppendChatMessage(ctx, msg); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("append chat message: %w", err)
	}
	var started bool
	_, err = e.update(ctx, opts.Key, st, func(doc *domain.PublicStageData) ([]events.Draft, error) {
		started = checkpoint.Start(doc, e.now())
		drafts := []events.Draft{{
			Type: events.ChatMessage, ExperimentID: opts.Key.ExperimentID, EntityKind: "chat_message", EntityID: msg.ID,
			ActorID: actorOr(opts.ActorID), Payload: events.EventPayload{"stage": opts.Key.String(), "type": string(msg.Type), "discussion_id": derefString(msg.DiscussionID)},
		}}
		if started {
			drafts = append(drafts, startedDraft(opts.Key, opts.ActorID))
		}
		return drafts, nil
	})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("record chat message %s: %w", msg.ID, err)
	}
	if started {
		e.scheduleTimer(opts.Key, st)
	}
	return msg, nil
}

// StartDiscussion starts the stage clock. It is a no-op once started.
func (e Engine) StartDiscussion(ctx context.Context, key domain.StageKey, actorID string) (domain.PublicStageData, bool, error) {
	_, st, err := e.chatStage(ctx, key)
	if err != nil {
		return domain.PublicStageData{}, false, err
	}
	var started bool
	doc, err := e.update(ctx, key, st, func(doc *domain.PublicStageData) ([]events.Draft, error) {
		started = checkpoint.Start(doc, e.now())
		if !started {
			return nil, nil
		}
		return []events.Draft{startedDraft(key, actorID)}, nil
	})
	if err != nil {
		return domain.PublicStageData{}, false, err
	}
	if started {
		e.scheduleTimer(key, st)
	}
	return doc, started, nil
}

// UpdateTimeElapsed is one bounded step of a running stage clock: evaluate,
// wait at most the configured maximum, evaluate again, then end the stage or
// write a fresh checkpoint. It reports whether the clock is still running.
func (e Engine) UpdateTimeElapsed(ctx context.Context, key domain.StageKey) (bool, error) {
	cfg, st, err := e.chatStage(ctx, key)
	if err != nil {
		return false, err
	}
	limit, maxWait := st.TimeLimit(), cfg.MaxWait()
	doc, err := e.Stages.GetPublicStageData(ctx, key)
	if err != nil {
		return false, err
	}
	if checkpoint.StateOf(doc) == checkpoint.Ended {
		return false, e.postEndMessage(ctx, key, doc)
	}
	d := checkpoint.Evaluate(doc, limit, maxWait, e.now())
	switch d.Action {
	case checkpoint.ActionIdle:
		return false, nil
	case checkpoint.ActionEnd:
		_, _, err := e.EndDiscussion(ctx, key, systemActor)
		return false, err
	}
	if err := e.sleep(ctx, d.Wait); err != nil {
		return false, err
	}

	var ended bool
	doc, err = e.update(ctx, key, st, func(doc *domain.PublicStageData) ([]events.Draft, error) {
		now := e.now()
		ended = false
		switch checkpoint.Evaluate(*doc, limit, maxWait, now).Action {
		case checkpoint.ActionIdle:
			return nil, nil
		case checkpoint.ActionEnd:
			ended = checkpoint.End(doc, now)
			return []events.Draft{endedDraft(key, systemActor, "time_limit", now)}, nil
		}
		checkpoint.Checkpoint(doc, now)
		return []events.Draft{{
			Type: events.DiscussionCheckpoint, ExperimentID: key.ExperimentID, EntityKind: "stage", EntityID: key.String(),
			ActorID: systemActor, Payload: events.EventPayload{"elapsed_seconds": checkpoint.Elapsed(*doc, now).Seconds()},
		}}, nil
	})
	if err != nil {
		return false, err
	}
	if checkpoint.StateOf(doc) == checkpoint.Ended {
		if err := e.postEndMessage(ctx, key, doc); err != nil {
			return false, err
		}
		if ended {
			logger.Infof("stage %s ended (time_limit)", key)
		}
		return false, nil
	}
	return checkpoint.StateOf(doc) == checkpoint.Running && limit > 0, nil
}

// EndDiscussion closes the stage for messaging. Only the call that sets the
// end timestamp reports ended; every call on an ended stage makes sure the
// closing system message exists, so a failed post is repaired by a retry.
func (e Engine) EndDiscussion(ctx context.Context, key domain.StageKey, actorID string) (domain.PublicStageData, bool, error) {
	_, st, err := e.chatStage(ctx, key)
	if err != nil {
		return domain.PublicStageData{}, false, err
	}
	reason := "manual"
	if actorOr(actorID) == systemActor {
		reason = "time_limit"
	}
	var ended bool
	doc, err := e.update(ctx, key, st, func(doc *domain.PublicStageData) ([]events.Draft, error) {
		now := e.now()
		ended = checkpoint.End(doc, now)
		if !ended {
			return nil, nil
		}
		return []events.Draft{endedDraft(key, actorID, reason, now)}, nil
	})
	if err != nil {
		return domain.PublicStageData{}, false, err
	}
	if err := e.postEndMessage(ctx, key, doc); err != nil {
		return doc, ended, err
	}
	if ended {
		logger.Infof("stage %s ended (%s)", key, reason)
	}
	return doc, ended, nil
}

// postEndMessage stores the closing system message of an ended stage. Its id
// is derived from the stage key, so repeated posts keep a single message.
func (e Engine) postEndMessage(ctx context.Context, key domain.StageKey, doc domain.PublicStageData) error {
	msg := domain.ChatMessage{
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(key.String()+"|ended")).String(),
		ExperimentID: key.ExperimentID,
		CohortID:     key.CohortID,
		StageID:      key.StageID,
		DiscussionID: copyString(doc.CurrentDiscussionID),
		Type:         domain.MessageSystem,
		SenderID:     systemActor,
		Message:      checkpoint.EndMessage,
		Timestamp:    doc.DiscussionEndTimestamp.Format(timeLayout),
	}
	if err := e.Chat.AppendChatMessage(ctx, msg); err != nil {
		return fmt.Errorf("post end message: %w", err)
	}
	return nil
}

func (e Engine) ChatMessages(ctx context.Context, key domain.StageKey, discussionID string) ([]domain.ChatMessage, error) {
	return e.Repo.ListChatMessages(ctx, key, discussionID)
}

// ResumeTimers schedules a loop for every running, timed chat stage of the
// given experiments. It returns how many loops were started.
func (e Engine) ResumeTimers(ctx context.Context, experimentIDs []string) (int, error) {
	if e.Timers == nil {
		return 0, nil
	}
	n := 0
	for _, id := range experimentIDs {
		cfg, err := e.config(ctx, id)
		if err != nil {
			return n, err
		}
		docs, err := e.Stages.ListPublicStageData(ctx, id, domain.StageKindChat)
		if err != nil {
			return n, err
		}
		for _, doc := range docs {
			st, ok := cfg.Stage(doc.StageID)
			if !ok || st.TimeLimit() <= 0 || checkpoint.StateOf(doc) != checkpoint.Running {
				continue
			}
			if e.Timers.Schedule(doc.Key()) {
				n++
			}
		}
	}
	return n, nil
}

func (e Engine) scheduleTimer(key domain.StageKey, st config.StageConfig) {
	if e.Timers == nil || st.TimeLimit() <= 0 {
		return
	}
	e.Timers.Schedule(key)
}

func startedDraft(key domain.StageKey, actorID string) events.Draft {
	return events.Draft{
		Type: events.DiscussionStarted, ExperimentID: key.ExperimentID, EntityKind: "stage", EntityID: key.String(),
		ActorID: actorOr(actorID),
	}
}

func endedDraft(key domain.StageKey, actorID, reason string, now time.Time) events.Draft {
	return events.Draft{
		Type: events.DiscussionEnded, ExperimentID: key.ExperimentID, EntityKind: "stage", EntityID: key.String(),
		ActorID: actorOr(actorID), Payload: events.EventPayload{"reason": reason, "ended_at": now.Format(timeLayout)},
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var _ checkpoint.Ticker = Engine{}
