// Package discussion decides when a cohort's chat moves on to its next
// discussion.
package discussion

import (
	"time"

	"dlab/internal/domain"
)

// IsReady reports whether every active participant has a ready timestamp
// under discussionID. A recorded nil timestamp does not count.
func IsReady(m domain.DiscussionTimestampMap, discussionID string, participants []domain.Participant) bool {
	entries := m[discussionID]
	for _, p := range participants {
		if !p.IsActive() {
			continue
		}
		if ts, ok := entries[p.PublicID]; !ok || ts == nil {
			return false
		}
	}
	return true
}

// UpdateCurrentDiscussionIndex moves doc to the discussion after the current
// one once everyone active is ready. Past the last discussion, or when the
// current id is not in order, the current id becomes nil. It returns true when
// doc changed.
func UpdateCurrentDiscussionIndex(doc *domain.PublicStageData, order []string, participants []domain.Participant) bool {
	if doc.CurrentDiscussionID == nil {
		return false
	}
	current := *doc.CurrentDiscussionID
	if !IsReady(doc.DiscussionTimestampMap, current, participants) {
		return false
	}
	doc.CurrentDiscussionID = Next(order, current)
	return true
}

// Next returns the id after current, or nil.
func Next(order []string, current string) *string {
	for i, id := range order {
		if id != current {
			continue
		}
		if i+1 < len(order) {
			next := order[i+1]
			return &next
		}
		return nil
	}
	return nil
}

// MergeAnswer copies one participant's readiness map into the shared map.
// Existing non-nil timestamps are kept so readiness never regresses.
func MergeAnswer(doc *domain.PublicStageData, publicID string, answer map[string]*time.Time) bool {
	changed := false
	if doc.DiscussionTimestampMap == nil && len(answer) > 0 {
		doc.DiscussionTimestampMap = domain.DiscussionTimestampMap{}
	}
	for discussionID, ts := range answer {
		entries := doc.DiscussionTimestampMap[discussionID]
		if entries == nil {
			entries = map[string]*time.Time{}
			doc.DiscussionTimestampMap[discussionID] = entries
		}
		prev, ok := entries[publicID]
		switch {
		case !ok:
			entries[publicID] = copyTime(ts)
			changed = true
		case prev == nil && ts != nil:
			entries[publicID] = copyTime(ts)
			changed = true
		}
	}
	return changed
}

// ParseAnswer reads a participant's readiness map out of a stage answer
// payload. Entries that are not RFC 3339 strings or null are skipped.
func ParseAnswer(payload map[string]any) map[string]*time.Time {
	raw, ok := payload["discussion_timestamp_map"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]*time.Time, len(raw))
	for id, v := range raw {
		switch x := v.(type) {
		case nil:
			out[id] = nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				continue
			}
			ts = ts.UTC()
			out[id] = &ts
		}
	}
	return out
}

func copyTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}
