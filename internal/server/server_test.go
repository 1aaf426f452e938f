package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dlab/internal/config"
	"dlab/internal/db"
	"dlab/internal/domain"
	"dlab/internal/engine"
	"dlab/internal/lottery"
	"dlab/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("exp-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.NewSource = func() lottery.Source { return lottery.FixedRoll(0.1) }
	ctx := context.Background()
	if _, err := e.CreateExperiment(ctx, cfg, "tester"); err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	if _, err := e.CreateCohort(ctx, "exp-1", "c1", "tester"); err != nil {
		t.Fatalf("create cohort: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestChatDiscussionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/experiments/exp-1"
	actor := map[string]string{"X-Actor-Id": "experimenter-1"}

	for _, id := range []string{"p1", "p2"} {
		res, data := doJSON(t, client, http.MethodPost, base+"/cohorts/c1/participants", map[string]any{"public_id": id}, actor)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add %s: %d %s", id, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/cohorts/c1/stages/group_chat/messages", map[string]any{
		"sender_id": "p1",
		"message":   "hello",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("send: %d %s", res.StatusCode, string(data))
	}
	var msg domain.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.DiscussionID == nil || *msg.DiscussionID != "d1" {
		t.Fatalf("message discussion %v", msg.DiscussionID)
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	var last AnswerResponse
	for _, id := range []string{"p1", "p2"} {
		res, data := doJSON(t, client, http.MethodPut, base+"/participants/"+id+"/answers/group_chat", map[string]any{
			"payload": map[string]any{"discussion_timestamp_map": map[string]any{"d1": ts}},
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("answer %s: %d %s", id, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal answer: %v", err)
		}
	}
	if last.Stage == nil || last.Stage.CurrentDiscussionID == nil || *last.Stage.CurrentDiscussionID != "d2" {
		t.Fatalf("expected d2 after both ready: %+v", last.Stage)
	}
	if last.Stage.State != "RUNNING" {
		t.Fatalf("state %s", last.Stage.State)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/cohorts/c1/stages/group_chat/end", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end: %d %s", res.StatusCode, string(data))
	}
	var action StageActionResponse
	_ = json.Unmarshal(data, &action)
	if !action.Changed || action.Stage.State != "ENDED" {
		t.Fatalf("end result %+v", action)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/cohorts/c1/stages/group_chat/end", nil, actor)
	_ = json.Unmarshal(data, &action)
	if res.StatusCode != http.StatusOK || action.Changed {
		t.Fatalf("second end should be a no-op: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/cohorts/c1/stages/group_chat/messages", map[string]any{
		"sender_id": "p2",
		"message":   "too late",
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "discussion_ended" {
		t.Fatalf("expected discussion_ended, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/cohorts/c1/stages/group_chat/messages", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list messages: %d %s", res.StatusCode, string(data))
	}
	var msgs []domain.ChatMessage
	_ = json.Unmarshal(data, &msgs)
	if len(msgs) != 2 || msgs[1].Type != domain.MessageSystem {
		t.Fatalf("messages %+v", msgs)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?type=discussion.ended", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].ActorID != "experimenter-1" || page.Items[0].Payload["reason"] != "manual" {
		t.Fatalf("ended events %+v", page.Items)
	}
}

func TestLeaderLotteryEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/experiments/exp-1"

	scores := map[string]int{"p1": 3, "p2": 7}
	for id, score := range scores {
		res, data := doJSON(t, client, http.MethodPost, base+"/cohorts/c1/participants", map[string]any{"public_id": id}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add %s: %d %s", id, res.StatusCode, string(data))
		}
		for stage, payload := range map[string]map[string]any{
			"baseline1": {"correct": score},
			"r1_apply":  {"apply_r1": "yes"},
		} {
			res, data := doJSON(t, client, http.MethodPut, base+"/participants/"+id+"/answers/"+stage, map[string]any{"payload": payload}, nil)
			if res.StatusCode != http.StatusOK {
				t.Fatalf("answer %s/%s: %d %s", id, stage, res.StatusCode, string(data))
			}
		}
	}

	res, data := doJSON(t, client, http.MethodGet, base+"/cohorts/c1/stages/r1_instructions/lottery", nil, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "lottery_pending" {
		t.Fatalf("expected lottery_pending, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/cohorts/c1/stages/r1_instructions/lottery", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run lottery: %d %s", res.StatusCode, string(data))
	}
	var drawn LotteryResponse
	_ = json.Unmarshal(data, &drawn)
	if !drawn.Drawn || drawn.WinnerID != "p2" || !drawn.Debug.CandidatePoolAppliedOnly {
		t.Fatalf("lottery %+v", drawn)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/cohorts/c1/stages/r1_instructions/lottery", nil, nil)
	var again LotteryResponse
	_ = json.Unmarshal(data, &again)
	if res.StatusCode != http.StatusOK || again.Drawn || again.WinnerID != drawn.WinnerID {
		t.Fatalf("second draw: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/cohorts/c1/stages/r1_instructions/lottery/p1", nil, nil)
	var status LeaderStatusResponse
	_ = json.Unmarshal(data, &status)
	if res.StatusCode != http.StatusOK || status.Status != domain.LeaderCandidateRejected || status.Selected {
		t.Fatalf("p1 status: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/cohorts/c1/stages/group_chat/lottery", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on chat stage, got %d %s", res.StatusCode, string(data))
	}
}

func TestExperimentEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiments", map[string]any{"id": "exp-2", "description": "pilot"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var exp ExperimentResponse
	_ = json.Unmarshal(data, &exp)
	if exp.ID != "exp-2" || exp.Stages != 7 || exp.Description != "pilot" {
		t.Fatalf("experiment %+v", exp)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiments", map[string]any{"id": "exp-2"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on duplicate, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/experiments/exp-2/config", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("config: %d %s", res.StatusCode, string(data))
	}
	var cfg ConfigResponse
	_ = json.Unmarshal(data, &cfg)
	if cfg.MaxWaitMinutes != 5 || len(cfg.Stages) != 7 || cfg.YAML == "" {
		t.Fatalf("config %+v", cfg)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/experiments/exp-2/cohorts", map[string]any{}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("cohort: %d %s", res.StatusCode, string(data))
	}
	var cohort domain.Cohort
	_ = json.Unmarshal(data, &cohort)
	if cohort.ID == "" {
		t.Fatalf("cohort id not generated")
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/experiments/exp-2/cohorts/"+cohort.ID+"/stages?kind=chat", nil, nil)
	var stages []StageResponse
	_ = json.Unmarshal(data, &stages)
	if res.StatusCode != http.StatusOK || len(stages) != 1 || stages[0].State != "NOT_STARTED" {
		t.Fatalf("stages: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/experiments/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
}

func TestParticipantStatusUnblocksDiscussion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/experiments/exp-1"
	for _, id := range []string{"p1", "p2"} {
		doJSON(t, client, http.MethodPost, base+"/cohorts/c1/participants", map[string]any{"public_id": id}, nil)
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	doJSON(t, client, http.MethodPut, base+"/participants/p1/answers/group_chat", map[string]any{
		"payload": map[string]any{"discussion_timestamp_map": map[string]any{"d1": ts}},
	}, nil)

	res, data := doJSON(t, client, http.MethodPatch, base+"/participants/p2", map[string]any{"status": "ATTENTION_TIMEOUT"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/cohorts/c1/stages/group_chat", nil, nil)
	var st StageResponse
	_ = json.Unmarshal(data, &st)
	if res.StatusCode != http.StatusOK || st.CurrentDiscussionID == nil || *st.CurrentDiscussionID != "d2" {
		t.Fatalf("stage: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/cohorts/c1/participants?active_only=true", nil, nil)
	var active []domain.Participant
	_ = json.Unmarshal(data, &active)
	if res.StatusCode != http.StatusOK || len(active) != 1 || active[0].PublicID != "p1" {
		t.Fatalf("active: %d %s", res.StatusCode, string(data))
	}
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	e := srv.Engine
	e.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Events: []string{"participant.*"}}}
	d := newWebhookDispatcher(e)
	if d == nil {
		t.Fatalf("dispatcher not built")
	}
	ctx := context.Background()
	// startup cursor skips history
	d.dispatchAll(ctx)
	if len(got) != 0 {
		t.Fatalf("history delivered: %+v", got)
	}

	if _, err := e.AddParticipant(ctx, engine.ParticipantCreateOptions{ExperimentID: "exp-1", CohortID: "c1", PublicID: "p9"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateCohort(ctx, "exp-1", "c2", ""); err != nil {
		t.Fatal(err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != "participant.added" || got[0].EntityID != "p9" {
		t.Fatalf("delivered %+v", got)
	}
	if headers[0].Get("X-Dlab-Secret") != "s3cret" || headers[0].Get("X-Dlab-Experiment") != "exp-1" {
		t.Fatalf("headers %v", headers[0])
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"chat.message", "discussion.*", " "})
	for evt, want := range map[string]bool{
		"chat.message":        true,
		"discussion.ended":    true,
		"discussion.advanced": true,
		"lottery.drawn":       false,
		"chat":                false,
	} {
		if f.match(evt) != want {
			t.Fatalf("%s: want %v", evt, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match all")
	}
}

func TestStageOperationsBindPathIDs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	stage := srv.URL + "/v0/experiments/exp-1/cohorts/c1/stages/group_chat"

	res, data := doJSON(t, client, http.MethodGet, stage, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get stage: %d %s", res.StatusCode, string(data))
	}
	var doc StageResponse
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal stage: %v", err)
	}
	if doc.ExperimentID != "exp-1" || doc.CohortID != "c1" || doc.StageID != "group_chat" {
		t.Fatalf("unexpected stage key: %+v", doc.PublicStageData.Key())
	}
	if doc.Kind != domain.StageKindChat || doc.State != "NOT_STARTED" {
		t.Fatalf("unexpected stage: kind=%s state=%s", doc.Kind, doc.State)
	}

	res, data = doJSON(t, client, http.MethodPost, stage+"/start", nil, map[string]string{"X-Actor-Id": "experimenter-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start stage: %d %s", res.StatusCode, string(data))
	}
	var action StageActionResponse
	if err := json.Unmarshal(data, &action); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if !action.Changed || action.Stage.StageID != "group_chat" || action.Stage.State != "RUNNING" {
		t.Fatalf("unexpected start result: %+v", action)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/experiments/exp-1/cohorts/c1/stages/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stage: %d %s", res.StatusCode, string(data))
	}
}
