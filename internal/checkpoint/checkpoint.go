// Package checkpoint tracks the elapsed-time state of a timed chat stage:
// NOT_STARTED, RUNNING and the terminal ENDED.
package checkpoint

import (
	"time"

	"dlab/internal/domain"
)

// DefaultMaxWait bounds a single wait between checkpoints.
const DefaultMaxWait = 5 * time.Minute

// EndMessage is posted to the chat when the timer runs out.
const EndMessage = "The timer for this stage has ended; you can no longer respond."

type State int

const (
	NotStarted State = iota
	Running
	Ended
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Running:
		return "RUNNING"
	case Ended:
		return "ENDED"
	}
	return "UNKNOWN"
}

func StateOf(doc domain.PublicStageData) State {
	switch {
	case doc.DiscussionEndTimestamp != nil:
		return Ended
	case doc.DiscussionStartTimestamp != nil:
		return Running
	}
	return NotStarted
}

// Start sets the start and first checkpoint. Only a NOT_STARTED stage moves.
func Start(doc *domain.PublicStageData, now time.Time) bool {
	if StateOf(*doc) != NotStarted {
		return false
	}
	doc.DiscussionStartTimestamp = timePtr(now)
	doc.DiscussionCheckpointTimestamp = timePtr(now)
	return true
}

type Action int

const (
	ActionIdle Action = iota
	ActionEnd
	ActionWait
)

func (a Action) String() string {
	switch a {
	case ActionIdle:
		return "idle"
	case ActionEnd:
		return "end"
	case ActionWait:
		return "wait"
	}
	return "unknown"
}

type Decision struct {
	Action Action
	Wait   time.Duration
}

// Evaluate decides the next step for a stage with the given limit. A limit of
// zero means untimed.
func Evaluate(doc domain.PublicStageData, limit, maxWait time.Duration, now time.Time) Decision {
	if limit <= 0 || StateOf(doc) != Running {
		return Decision{Action: ActionIdle}
	}
	remaining := limit - now.Sub(*doc.DiscussionStartTimestamp)
	if remaining <= 0 {
		return Decision{Action: ActionEnd}
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return Decision{Action: ActionWait, Wait: min(maxWait, remaining)}
}

// Checkpoint records now as the latest checkpoint of a running stage.
func Checkpoint(doc *domain.PublicStageData, now time.Time) bool {
	if StateOf(*doc) != Running {
		return false
	}
	doc.DiscussionCheckpointTimestamp = timePtr(now)
	return true
}

// End closes the stage once. A stage ended before it started keeps a nil start.
func End(doc *domain.PublicStageData, now time.Time) bool {
	if StateOf(*doc) == Ended {
		return false
	}
	doc.DiscussionEndTimestamp = timePtr(now)
	return true
}

// Elapsed is the running time of the stage at now, or until its end.
func Elapsed(doc domain.PublicStageData, now time.Time) time.Duration {
	if doc.DiscussionStartTimestamp == nil {
		return 0
	}
	if doc.DiscussionEndTimestamp != nil {
		now = *doc.DiscussionEndTimestamp
	}
	return now.Sub(*doc.DiscussionStartTimestamp)
}

func Minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func timePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
