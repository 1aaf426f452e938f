package domain

import (
	"fmt"
	"time"
)

type Experiment struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Cohort struct {
	ID           string `json:"id"`
	ExperimentID string `json:"experiment_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type StageKind string

const (
	StageKindChat    StageKind = "chat"
	StageKindRanking StageKind = "ranking"
	StageKindSurvey  StageKind = "survey"
)

func (k StageKind) Valid() bool {
	switch k {
	case StageKindChat, StageKindRanking, StageKindSurvey:
		return true
	}
	return false
}

type ParticipantStatus string

const (
	StatusInProgress       ParticipantStatus = "IN_PROGRESS"
	StatusSuccess          ParticipantStatus = "SUCCESS"
	StatusAttentionCheck   ParticipantStatus = "ATTENTION_CHECK"
	StatusAttentionTimeout ParticipantStatus = "ATTENTION_TIMEOUT"
	StatusTransferPending  ParticipantStatus = "TRANSFER_PENDING"
	StatusTransferFailed   ParticipantStatus = "TRANSFER_FAILED"
	StatusTransferTimeout  ParticipantStatus = "TRANSFER_TIMEOUT"
	StatusTransferDeclined ParticipantStatus = "TRANSFER_DECLINED"
	StatusBootedOut        ParticipantStatus = "BOOTED_OUT"
	StatusDeleted          ParticipantStatus = "DELETED"
)

func (s ParticipantStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusSuccess, StatusAttentionCheck, StatusAttentionTimeout,
		StatusTransferPending, StatusTransferFailed, StatusTransferTimeout, StatusTransferDeclined,
		StatusBootedOut, StatusDeleted:
		return true
	}
	return false
}

// IsActive is the one definition of an active participant: still in the
// experiment, finished but still counted, or paused on an attention check.
func (s ParticipantStatus) IsActive() bool {
	switch s {
	case StatusInProgress, StatusSuccess, StatusAttentionCheck:
		return true
	}
	return false
}

type Participant struct {
	PublicID       string            `json:"public_id"`
	ExperimentID   string            `json:"experiment_id"`
	CohortID       string            `json:"cohort_id"`
	CurrentStageID string            `json:"current_stage_id,omitempty"`
	Status         ParticipantStatus `json:"status" enum:"IN_PROGRESS,SUCCESS,ATTENTION_CHECK,ATTENTION_TIMEOUT,TRANSFER_PENDING,TRANSFER_FAILED,TRANSFER_TIMEOUT,TRANSFER_DECLINED,BOOTED_OUT,DELETED"`
	Connected      bool              `json:"connected"`
	IsAgent        bool              `json:"is_agent"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

func (p Participant) IsActive() bool { return p.Status.IsActive() }

// StageAnswer is a participant's private answer document for one stage.
type StageAnswer struct {
	ExperimentID string         `json:"experiment_id"`
	PublicID     string         `json:"public_id"`
	StageID      string         `json:"stage_id"`
	Payload      map[string]any `json:"payload"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

// Candidate is one lottery entrant, derived per invocation and never stored.
type Candidate struct {
	ID               string `json:"id"`
	PerformanceScore int    `json:"performance_score"`
	Applied          bool   `json:"applied"`
}

type LeaderStatus string

const (
	LeaderCandidateAccepted        LeaderStatus = "candidate_accepted"
	LeaderCandidateRejected        LeaderStatus = "candidate_rejected"
	LeaderNonCandidateHypoSelected LeaderStatus = "non_candidate_hypo_selected"
	LeaderNonCandidateHypoRejected LeaderStatus = "non_candidate_hypo_rejected"
	LeaderNonCandidateAccepted     LeaderStatus = "non_candidate_accepted"
	LeaderNonCandidateRejected     LeaderStatus = "non_candidate_rejected"
)

func (s LeaderStatus) Valid() bool {
	switch s {
	case LeaderCandidateAccepted, LeaderCandidateRejected,
		LeaderNonCandidateHypoSelected, LeaderNonCandidateHypoRejected,
		LeaderNonCandidateAccepted, LeaderNonCandidateRejected:
		return true
	}
	return false
}

// Selected reports whether the status marks the round's leader.
func (s LeaderStatus) Selected() bool {
	return s == LeaderCandidateAccepted || s == LeaderNonCandidateAccepted
}

type LotteryDebug struct {
	Seed                     uint64             `json:"seed"`
	Roll                     float64            `json:"roll"`
	RankedCandidates         []string           `json:"ranked_candidates"`
	Probabilities            map[string]float64 `json:"probabilities"`
	CandidatePoolAppliedOnly bool               `json:"candidate_pool_applied_only"`
}

type LotteryResult struct {
	WinnerID             string                  `json:"winner_id"`
	ParticipantStatusMap map[string]LeaderStatus `json:"participant_status_map"`
	Debug                LotteryDebug            `json:"debug"`
}

// DiscussionTimestampMap maps discussion id -> participant public id -> ready
// time. A nil time is recorded but not ready.
type DiscussionTimestampMap map[string]map[string]*time.Time

type StageKey struct {
	ExperimentID string `json:"experiment_id"`
	CohortID     string `json:"cohort_id"`
	StageID      string `json:"stage_id"`
}

func (k StageKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ExperimentID, k.CohortID, k.StageID)
}

// PublicStageData is the shared per-cohort, per-stage document. Chat stages use
// the discussion fields, ranking stages with a lottery use the leader fields.
type PublicStageData struct {
	ExperimentID string    `json:"experiment_id"`
	CohortID     string    `json:"cohort_id"`
	StageID      string    `json:"stage_id"`
	Kind         StageKind `json:"kind" enum:"chat,ranking,survey"`

	CurrentDiscussionID           *string                `json:"current_discussion_id"`
	DiscussionTimestampMap        DiscussionTimestampMap `json:"discussion_timestamp_map,omitempty"`
	DiscussionStartTimestamp      *time.Time             `json:"discussion_start_timestamp"`
	DiscussionCheckpointTimestamp *time.Time             `json:"discussion_checkpoint_timestamp"`
	DiscussionEndTimestamp        *time.Time             `json:"discussion_end_timestamp"`

	WinnerID        string                  `json:"winner_id,omitempty"`
	LeaderStatusMap map[string]LeaderStatus `json:"leader_status_map,omitempty"`
	Lottery         *LotteryDebug           `json:"lottery,omitempty"`

	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at,omitempty" format:"date-time"`
}

func (d PublicStageData) Key() StageKey {
	return StageKey{ExperimentID: d.ExperimentID, CohortID: d.CohortID, StageID: d.StageID}
}

type MessageType string

const (
	MessageParticipant  MessageType = "participant"
	MessageMediator     MessageType = "mediator"
	MessageExperimenter MessageType = "experimenter"
	MessageSystem       MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageParticipant, MessageMediator, MessageExperimenter, MessageSystem:
		return true
	}
	return false
}

type ChatMessage struct {
	ID           string      `json:"id"`
	ExperimentID string      `json:"experiment_id"`
	CohortID     string      `json:"cohort_id"`
	StageID      string      `json:"stage_id"`
	DiscussionID *string     `json:"discussion_id"`
	Type         MessageType `json:"type" enum:"participant,mediator,experimenter,system"`
	SenderID     string      `json:"sender_id"`
	Message      string      `json:"message"`
	Timestamp    string      `json:"timestamp" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	ExperimentID string `json:"experiment_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
	// StreamID identifies events read from a Redis stream, which have no ID.
	StreamID string `json:"stream_id,omitempty"`
}
