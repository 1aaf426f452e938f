package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dlab/internal/checkpoint"
	"dlab/internal/config"
	"dlab/internal/db"
	"dlab/internal/domain"
	"dlab/internal/engine"
	"dlab/internal/events"
	"dlab/internal/lottery"
	"dlab/internal/migrate"
	"dlab/internal/repo"
	"dlab/internal/store"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Slept  []time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("exp-1")
	env := &testEnv{Ctx: context.Background(), Clock: &clock{now: t0}}
	eng := engine.New(conn, cfg)
	eng.Now = env.Clock.Now
	eng.Sleep = func(ctx context.Context, d time.Duration) error {
		env.Slept = append(env.Slept, d)
		env.Clock.Advance(d)
		return nil
	}
	eng.NewSource = func() lottery.Source { return lottery.FixedRoll(0.1) }
	env.Engine = eng
	if _, err := eng.CreateExperiment(env.Ctx, cfg, "tester"); err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	if _, err := eng.CreateCohort(env.Ctx, "exp-1", "c1", "tester"); err != nil {
		t.Fatalf("create cohort: %v", err)
	}
	return env
}

func (env *testEnv) addParticipants(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := env.Engine.AddParticipant(env.Ctx, engine.ParticipantCreateOptions{
			ExperimentID: "exp-1", CohortID: "c1", PublicID: id, ActorID: "tester",
		}); err != nil {
			t.Fatalf("add participant %s: %v", id, err)
		}
	}
}

func (env *testEnv) ready(t *testing.T, publicID, discussionID string) engine.AnswerResult {
	t.Helper()
	res, err := env.Engine.RecordStageAnswer(env.Ctx, engine.AnswerOptions{
		ExperimentID: "exp-1",
		PublicID:     publicID,
		StageID:      "group_chat",
		Payload: map[string]any{
			"discussion_timestamp_map": map[string]any{discussionID: env.Clock.Now().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		t.Fatalf("record answer for %s: %v", publicID, err)
	}
	return res
}

var chatKey = domain.StageKey{ExperimentID: "exp-1", CohortID: "c1", StageID: "group_chat"}

func currentDiscussion(doc domain.PublicStageData) string {
	if doc.CurrentDiscussionID == nil {
		return "<nil>"
	}
	return *doc.CurrentDiscussionID
}

func TestCohortStartsOnFirstDiscussion(t *testing.T) {
	env := newTestEnv(t)
	doc, err := env.Engine.PublicStageData(env.Ctx, chatKey)
	if err != nil {
		t.Fatal(err)
	}
	if currentDiscussion(doc) != "d1" {
		t.Fatalf("current %s", currentDiscussion(doc))
	}
	if checkpoint.StateOf(doc) != checkpoint.NotStarted {
		t.Fatalf("state %s", checkpoint.StateOf(doc))
	}
}

func TestDiscussionAdvancesWhenAllActiveReady(t *testing.T) {
	env := newTestEnv(t)
	env.addParticipants(t, "p1", "p2")

	res := env.ready(t, "p1", "d1")
	if got := currentDiscussion(*res.Stage); got != "d1" {
		t.Fatalf("advanced too early: %s", got)
	}
	res = env.ready(t, "p2", "d1")
	if got := currentDiscussion(*res.Stage); got != "d2" {
		t.Fatalf("expected d2, got %s", got)
	}
	env.ready(t, "p1", "d2")
	res = env.ready(t, "p2", "d2")
	if res.Stage.CurrentDiscussionID != nil {
		t.Fatalf("expected nil after last discussion, got %s", currentDiscussion(*res.Stage))
	}
}

func TestReadinessForOtherDiscussionDoesNotAdvance(t *testing.T) {
	env := newTestEnv(t)
	env.addParticipants(t, "p1")
	res := env.ready(t, "p1", "d2")
	if got := currentDiscussion(*res.Stage); got != "d1" {
		t.Fatalf("current %s", got)
	}
}

func TestStatusChangeUnblocksDiscussion(t *testing.T) {
	env := newTestEnv(t)
	env.addParticipants(t, "p1", "p2")
	env.ready(t, "p1", "d1")

	status := domain.StatusBootedOut
	if _, err := env.Engine.UpdateParticipant(env.Ctx, engine.ParticipantUpdateOptions{
		ExperimentID: "exp-1", PublicID: "p2", Status: &status, ActorID: "tester",
	}); err != nil {
		t.Fatalf("update participant: %v", err)
	}
	doc, err := env.Engine.PublicStageData(env.Ctx, chatKey)
	if err != nil {
		t.Fatal(err)
	}
	if got := currentDiscussion(doc); got != "d2" {
		t.Fatalf("expected d2 after p2 left, got %s", got)
	}
}

func TestConcurrentReadinessAdvancesOnce(t *testing.T) {
	env := newTestEnv(t)
	ids := make([]string, 6)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i)
	}
	env.addParticipants(t, ids...)

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	ts := t0.Format(time.RFC3339Nano)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.RecordStageAnswer(env.Ctx, engine.AnswerOptions{
				ExperimentID: "exp-1", PublicID: id, StageID: "group_chat",
				Payload: map[string]any{"discussion_timestamp_map": map[string]any{"d1": ts}},
			})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("record answer: %v", err)
		}
	}
	doc, err := env.Engine.PublicStageData(env.Ctx, chatKey)
	if err != nil {
		t.Fatal(err)
	}
	if got := currentDiscussion(doc); got != "d2" {
		t.Fatalf("expected d2, got %s", got)
	}
	if n := len(doc.DiscussionTimestampMap["d1"]); n != len(ids) {
		t.Fatalf("expected %d ready entries, got %d", len(ids), n)
	}
	advanced, err := env.Engine.LatestEvents(env.Ctx, engine.EventQuery{ExperimentID: "exp-1", Type: events.DiscussionAdvanced, Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(advanced) != 1 {
		t.Fatalf("expected one advancement, got %d", len(advanced))
	}
}

func TestFirstMessageStartsClock(t *testing.T) {
	env := newTestEnv(t)
	env.addParticipants(t, "p1")
	msg, err := env.Engine.SendChatMessage(env.Ctx, engine.ChatMessageOptions{Key: chatKey, SenderID: "p1", Message: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.DiscussionID == nil || *msg.DiscussionID != "d1" {
		t.Fatalf("message not tagged with d1: %+v", msg)
	}
	doc, err := env.Engine.PublicStageData(env.Ctx, chatKey)
	if err != nil {
		t.Fatal(err)
	}
	if doc.DiscussionStartTimestamp == nil || !doc.DiscussionStartTimestamp.Equal(t0) {
		t.Fatalf("start %v", doc.DiscussionStartTimestamp)
	}

	env.Clock.Advance(time.Minute)
	if _, err := env.Engine.SendChatMessage(env.Ctx, engine.ChatMessageOptions{Key: chatKey, SenderID: "p1", Message: "again"}); err != nil {
		t.Fatal(err)
	}
	doc, _ = env.Engine.PublicStageData(env.Ctx, chatKey)
	if !doc.DiscussionStartTimestamp.Equal(t0) {
		t.Fatalf("start moved to %v", doc.DiscussionStartTimestamp)
	}
}

func TestSendRejectsInactiveOrForeignSender(t *testing.T) {
	env := newTestEnv(t)
	env.addParticipants(t, "p1")
	status := domain.StatusDeleted
	if _, err := env.Engine.UpdateParticipant(env.Ctx, engine.ParticipantUpdateOptions{ExperimentID: "exp-1", PublicID: "p1", Status: &status}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SendChatMessage(env.Ctx, engine.ChatMessageOptions{Key: chatKey, SenderID: "p1", Message: "hi"}); err == nil {
		t.Fatalf("expected inactive sender to be rejected")
	}
	if _, err := env.Engine.SendChatMessage(env.Ctx, engine.ChatMessageOptions{Key: chatKey, SenderID: "ghost", Message: "hi"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.SendChatMessage(env.Ctx, engine.ChatMessageOptions{Key: chatKey, SenderID: "x", Type: domain.MessageSystem, Message: "hi"}); err == nil {
		t.Fatalf("expected system messages to be rejected")
	}
}

func TestTimerCheckpointsThenEnds(t *testing.T) {
	env := newTestEnv(t)
	if _, started, err := env.Engine.StartDiscussion(env.Ctx, chatKey, "tester"); err != nil || !started {
		t.Fatalf("start: %v %v", started, err)
	}
	running, err := env.Engine.UpdateTimeElapsed(env.Ctx, chatKey)
	if err != nil || !running {
		t.Fatalf("first step: %v %v", running, err)
	}
	doc, _ := env.Engine.PublicStageData(env.Ctx, chatKey)
	if doc.DiscussionCheckpointTimestamp == nil || !doc.DiscussionCheckpointTimestamp.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("checkpoint %v", doc.DiscussionCheckpointTimestamp)
	}
	running, err = env.Engine.UpdateTimeElapsed(env.Ctx, chatKey)
	if err != nil || running {
		t.Fatalf("second step: %v %v", running, err)
	}
	if want := []time.Duration{5 * time.Minute, 5 * time.Minute}; fmt.Sprint(env.Slept) != fmt.Sprint(want) {
		t.Fatalf("slept %v", env.Slept)
	}
	doc, _ = env.Engine.PublicStageData(env.Ctx, chatKey)
	if checkpoint.StateOf(doc) != checkpoint.Ended {
		t.Fatalf("state %s", checkpoint.StateOf(doc))
	}
}

func TestElapsedLimitEndsWithSystemMessage(t *testing.T) {
	env := newTestEnv(t)
	env.addParticipants(t, "p1")
	if _, err := env.Engine.SendChatMessage(env.Ctx, engine.ChatMessageOptions{Key: chatKey, SenderID: "p1", Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(11 * time.Minute)
	running, err := env.Engine.UpdateTimeElapsed(env.Ctx, chatKey)
	if err != nil || running {
		t.Fatalf("step: %v %v", running, err)
	}
	if len(env.Slept) != 0 {
		t.Fatalf("should not wait past the limit: %v", env.Slept)
	}
	msgs, err := env.Engine.ChatMessages(env.Ctx, chatKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Type != domain.MessageSystem || last.Message != checkpoint.EndMessage {
		t.Fatalf("last message %+v", last)
	}
	if _, err := env.Engine.SendChatMessage(env.Ctx, engine.ChatMessageOptions{Key: chatKey, SenderID: "p1", Message: "late"}); !errors.Is(err, engine.ErrDiscussionEnded) {
		t.Fatalf("expected ErrDiscussionEnded, got %v", err)
	}
}

func TestEndDiscussionPostsOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.StartDiscussion(env.Ctx, chatKey, "tester"); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	endedCount := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ended, err := env.Engine.EndDiscussion(env.Ctx, chatKey, "tester")
			if err != nil {
				t.Errorf("end: %v", err)
				return
			}
			if ended {
				mu.Lock()
				endedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if endedCount != 1 {
		t.Fatalf("ended %d times", endedCount)
	}
	msgs, err := env.Engine.ChatMessages(env.Ctx, chatKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Type != domain.MessageSystem {
		t.Fatalf("messages %+v", msgs)
	}
}

var errTransient = errors.New("transient")

// failingSink fails the next n appends, then writes through.
type failingSink struct {
	store.ChatMessageSink
	mu sync.Mutex
	n  int
}

func (s *failingSink) AppendChatMessage(ctx context.Context, msg domain.ChatMessage) error {
	s.mu.Lock()
	if s.n > 0 {
		s.n--
		s.mu.Unlock()
		return errTransient
	}
	s.mu.Unlock()
	return s.ChatMessageSink.AppendChatMessage(ctx, msg)
}

func systemMessages(t *testing.T, env *testEnv) int {
	t.Helper()
	msgs, err := env.Engine.ChatMessages(env.Ctx, chatKey, "")
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, m := range msgs {
		if m.Type == domain.MessageSystem {
			n++
		}
	}
	return n
}

func TestTimedEndRepostsClosingMessageAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.StartDiscussion(env.Ctx, chatKey, "tester"); err != nil {
		t.Fatal(err)
	}
	env.Engine.Chat = &failingSink{ChatMessageSink: env.Engine.Chat, n: 1}
	env.Clock.Advance(11 * time.Minute)

	if _, err := env.Engine.UpdateTimeElapsed(env.Ctx, chatKey); !errors.Is(err, errTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	doc, _ := env.Engine.PublicStageData(env.Ctx, chatKey)
	if checkpoint.StateOf(doc) != checkpoint.Ended {
		t.Fatalf("state %s", checkpoint.StateOf(doc))
	}
	if n := systemMessages(t, env); n != 0 {
		t.Fatalf("expected no closing message yet, got %d", n)
	}

	for i := 0; i < 2; i++ {
		running, err := env.Engine.UpdateTimeElapsed(env.Ctx, chatKey)
		if err != nil || running {
			t.Fatalf("retry %d: running=%v err=%v", i, running, err)
		}
	}
	if n := systemMessages(t, env); n != 1 {
		t.Fatalf("expected one closing message, got %d", n)
	}
}

func TestManualEndRepostsClosingMessageAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Chat = &failingSink{ChatMessageSink: env.Engine.Chat, n: 1}
	if _, ended, err := env.Engine.EndDiscussion(env.Ctx, chatKey, "tester"); !errors.Is(err, errTransient) || !ended {
		t.Fatalf("first end: ended=%v err=%v", ended, err)
	}
	_, ended, err := env.Engine.EndDiscussion(env.Ctx, chatKey, "tester")
	if err != nil || ended {
		t.Fatalf("second end: ended=%v err=%v", ended, err)
	}
	if n := systemMessages(t, env); n != 1 {
		t.Fatalf("expected one closing message, got %d", n)
	}
	endedEvents, err := env.Engine.LatestEvents(env.Ctx, engine.EventQuery{ExperimentID: "exp-1", Type: events.DiscussionEnded})
	if err != nil {
		t.Fatal(err)
	}
	if len(endedEvents) != 1 {
		t.Fatalf("expected one %s event, got %d", events.DiscussionEnded, len(endedEvents))
	}
}

func TestAppendChatMessageKeepsFirstByID(t *testing.T) {
	env := newTestEnv(t)
	msg := domain.ChatMessage{
		ID: "m1", ExperimentID: "exp-1", CohortID: "c1", StageID: "group_chat",
		Type: domain.MessageMediator, SenderID: "bot", Message: "first", Timestamp: t0.Format(time.RFC3339Nano),
	}
	if err := env.Engine.Repo.AppendChatMessage(env.Ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Message = "second"
	if err := env.Engine.Repo.AppendChatMessage(env.Ctx, msg); err != nil {
		t.Fatalf("repeat append: %v", err)
	}
	msgs, err := env.Engine.ChatMessages(env.Ctx, chatKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Message != "first" {
		t.Fatalf("messages %+v", msgs)
	}
}

func TestFailedSendLeavesStageUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.addParticipants(t, "p1")
	env.Engine.Chat = &failingSink{ChatMessageSink: env.Engine.Chat, n: 1}

	if _, err := env.Engine.SendChatMessage(env.Ctx, engine.ChatMessageOptions{Key: chatKey, SenderID: "p1", Message: "hello"}); !errors.Is(err, errTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	doc, _ := env.Engine.PublicStageData(env.Ctx, chatKey)
	if checkpoint.StateOf(doc) != checkpoint.NotStarted {
		t.Fatalf("clock started by a failed send: %s", checkpoint.StateOf(doc))
	}
	logged, err := env.Engine.LatestEvents(env.Ctx, engine.EventQuery{ExperimentID: "exp-1", Type: events.ChatMessage})
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 0 {
		t.Fatalf("event logged for a failed send: %+v", logged)
	}

	msg, err := env.Engine.SendChatMessage(env.Ctx, engine.ChatMessageOptions{Key: chatKey, SenderID: "p1", Message: "hello"})
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	doc, _ = env.Engine.PublicStageData(env.Ctx, chatKey)
	if checkpoint.StateOf(doc) != checkpoint.Running {
		t.Fatalf("state %s", checkpoint.StateOf(doc))
	}
	logged, _ = env.Engine.LatestEvents(env.Ctx, engine.EventQuery{ExperimentID: "exp-1", Type: events.ChatMessage})
	if len(logged) != 1 || logged[0].EntityID != msg.ID {
		t.Fatalf("events %+v", logged)
	}
	msgs, _ := env.Engine.ChatMessages(env.Ctx, chatKey, "")
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("messages %+v", msgs)
	}
}

func TestLeaderLotteryDrawsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addParticipants(t, "p1", "p2", "p3")
	answers := []struct {
		id, stage string
		payload   map[string]any
	}{
		{"p1", "baseline1", map[string]any{"correct": float64(2)}},
		{"p2", "baseline1", map[string]any{"correct": float64(5)}},
		{"p2", "baseline2", map[string]any{"correct": "1"}},
		{"p3", "baseline1", map[string]any{"correct": float64(9)}},
		{"p1", "r1_apply", map[string]any{"apply_r1": "yes"}},
		{"p2", "r1_apply", map[string]any{"apply_r1": "yes"}},
		{"p3", "r1_apply", map[string]any{"apply_r1": "no"}},
	}
	for _, a := range answers {
		if _, err := env.Engine.RecordStageAnswer(env.Ctx, engine.AnswerOptions{ExperimentID: "exp-1", PublicID: a.id, StageID: a.stage, Payload: a.payload}); err != nil {
			t.Fatalf("answer %s/%s: %v", a.id, a.stage, err)
		}
	}
	key := domain.StageKey{ExperimentID: "exp-1", CohortID: "c1", StageID: "r1_instructions"}
	if _, err := env.Engine.LeaderStatus(env.Ctx, key, "p1"); !errors.Is(err, engine.ErrLotteryPending) {
		t.Fatalf("expected pending, got %v", err)
	}
	res, drawn, err := env.Engine.RunLeaderLottery(env.Ctx, key, "tester")
	if err != nil || !drawn {
		t.Fatalf("draw: %v %v", drawn, err)
	}
	if res.WinnerID != "p2" {
		t.Fatalf("winner %s", res.WinnerID)
	}
	want := map[string]domain.LeaderStatus{
		"p1": domain.LeaderCandidateRejected,
		"p2": domain.LeaderCandidateAccepted,
		"p3": domain.LeaderNonCandidateHypoSelected,
	}
	for id, status := range want {
		got, err := env.Engine.LeaderStatus(env.Ctx, key, id)
		if err != nil || got != status {
			t.Fatalf("%s: got %s (%v), want %s", id, got, err, status)
		}
	}

	env.Engine.NewSource = func() lottery.Source { return lottery.FixedRoll(0.99) }
	again, drawn, err := env.Engine.RunLeaderLottery(env.Ctx, key, "tester")
	if err != nil || drawn {
		t.Fatalf("second draw: %v %v", drawn, err)
	}
	if again.WinnerID != res.WinnerID || again.Debug.Roll != res.Debug.Roll {
		t.Fatalf("result changed: %+v", again)
	}
}

func TestLotteryRejectsStageWithoutLottery(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.RunLeaderLottery(env.Ctx, chatKey, "tester")
	if !errors.Is(err, engine.ErrNotLotteryStage) {
		t.Fatalf("expected ErrNotLotteryStage, got %v", err)
	}
}

func TestUnknownStageAnswerRejected(t *testing.T) {
	env := newTestEnv(t)
	env.addParticipants(t, "p1")
	_, err := env.Engine.RecordStageAnswer(env.Ctx, engine.AnswerOptions{ExperimentID: "exp-1", PublicID: "p1", StageID: "nope"})
	if !errors.Is(err, engine.ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}
