package discussion_test

import (
	"testing"
	"time"

	"dlab/internal/discussion"
	"dlab/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

func participants(ids ...string) []domain.Participant {
	out := make([]domain.Participant, len(ids))
	for i, id := range ids {
		out[i] = domain.Participant{PublicID: id, Status: domain.StatusInProgress}
	}
	return out
}

func TestNotReadyLeavesCurrent(t *testing.T) {
	doc := domain.PublicStageData{
		CurrentDiscussionID: strp("d1"),
		DiscussionTimestampMap: domain.DiscussionTimestampMap{
			"d1": {"p1": &t0, "p2": &t0},
		},
	}
	if discussion.UpdateCurrentDiscussionIndex(&doc, []string{"d1", "d2"}, participants("p1", "p2", "p3")) {
		t.Fatalf("advanced without p3")
	}
	if *doc.CurrentDiscussionID != "d1" {
		t.Fatalf("current %v", *doc.CurrentDiscussionID)
	}
}

func TestAdvancesToNext(t *testing.T) {
	doc := domain.PublicStageData{
		CurrentDiscussionID: strp("d1"),
		DiscussionTimestampMap: domain.DiscussionTimestampMap{
			"d1": {"p1": &t0, "p2": &t0},
		},
	}
	if !discussion.UpdateCurrentDiscussionIndex(&doc, []string{"d1", "d2", "d3"}, participants("p1", "p2")) {
		t.Fatalf("expected advance")
	}
	if doc.CurrentDiscussionID == nil || *doc.CurrentDiscussionID != "d2" {
		t.Fatalf("current %v", doc.CurrentDiscussionID)
	}
}

func TestLastDiscussionClears(t *testing.T) {
	doc := domain.PublicStageData{
		CurrentDiscussionID: strp("d2"),
		DiscussionTimestampMap: domain.DiscussionTimestampMap{
			"d2": {"p1": &t0},
		},
	}
	if !discussion.UpdateCurrentDiscussionIndex(&doc, []string{"d1", "d2"}, participants("p1")) {
		t.Fatalf("expected change")
	}
	if doc.CurrentDiscussionID != nil {
		t.Fatalf("expected nil, got %v", *doc.CurrentDiscussionID)
	}
	if discussion.UpdateCurrentDiscussionIndex(&doc, []string{"d1", "d2"}, participants("p1")) {
		t.Fatalf("nil current must stay put")
	}
}

func TestUnknownCurrentClears(t *testing.T) {
	doc := domain.PublicStageData{CurrentDiscussionID: strp("gone")}
	if !discussion.UpdateCurrentDiscussionIndex(&doc, []string{"d1"}, nil) || doc.CurrentDiscussionID != nil {
		t.Fatalf("expected nil current")
	}
}

func TestInactiveAndNullIgnoredOrBlocking(t *testing.T) {
	ps := participants("p1", "p2", "p3")
	ps[2].Status = domain.StatusBootedOut
	m := domain.DiscussionTimestampMap{"d1": {"p1": &t0, "p2": nil}}
	if discussion.IsReady(m, "d1", ps) {
		t.Fatalf("null timestamp counted as ready")
	}
	m["d1"]["p2"] = &t0
	if !discussion.IsReady(m, "d1", ps) {
		t.Fatalf("booted participant should not block")
	}
	ps[2].Status = domain.StatusAttentionCheck
	if discussion.IsReady(m, "d1", ps) {
		t.Fatalf("attention check participant is active")
	}
}

func TestMergeAnswer(t *testing.T) {
	doc := domain.PublicStageData{}
	later := t0.Add(time.Minute)
	if !discussion.MergeAnswer(&doc, "p1", map[string]*time.Time{"d1": nil}) {
		t.Fatalf("first merge should change")
	}
	if discussion.MergeAnswer(&doc, "p1", map[string]*time.Time{"d1": nil}) {
		t.Fatalf("same merge should not change")
	}
	if !discussion.MergeAnswer(&doc, "p1", map[string]*time.Time{"d1": &t0}) {
		t.Fatalf("nil -> ts should change")
	}
	if discussion.MergeAnswer(&doc, "p1", map[string]*time.Time{"d1": &later}) {
		t.Fatalf("existing ts must be kept")
	}
	if discussion.MergeAnswer(&doc, "p1", map[string]*time.Time{"d1": nil}) {
		t.Fatalf("readiness must not regress")
	}
	if got := doc.DiscussionTimestampMap["d1"]["p1"]; got == nil || !got.Equal(t0) {
		t.Fatalf("got %v", got)
	}
}

func TestParseAnswer(t *testing.T) {
	got := discussion.ParseAnswer(map[string]any{
		"discussion_timestamp_map": map[string]any{
			"d1": "2024-01-01T12:00:00Z",
			"d2": nil,
			"d3": 42.0,
			"d4": "not a time",
		},
	})
	if len(got) != 2 || got["d1"] == nil || !got["d1"].Equal(t0) {
		t.Fatalf("got %v", got)
	}
	if v, ok := got["d2"]; !ok || v != nil {
		t.Fatalf("d2: %v %v", v, ok)
	}
	if discussion.ParseAnswer(map[string]any{}) != nil {
		t.Fatalf("expected nil for missing map")
	}
}
