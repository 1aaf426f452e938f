package dlabsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal dlab HTTP API client for participant and agent
// front-ends. Requests are scoped to one experiment and cohort.
type Client struct {
	BaseURL      string
	ExperimentID string
	CohortID     string
	ActorID      string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, experimentID, cohortID string) *Client {
	return &Client{
		BaseURL:      baseURL,
		ExperimentID: experimentID,
		CohortID:     cohortID,
		Timeout:      10 * time.Second,
	}
}

// Participant represents the API participant model.
type Participant struct {
	PublicID       string `json:"public_id"`
	ExperimentID   string `json:"experiment_id"`
	CohortID       string `json:"cohort_id"`
	CurrentStageID string `json:"current_stage_id,omitempty"`
	Status         string `json:"status"`
	Connected      bool   `json:"connected"`
	IsAgent        bool   `json:"is_agent"`
}

// Message is a chat message.
type Message struct {
	ID           string  `json:"id"`
	StageID      string  `json:"stage_id"`
	DiscussionID *string `json:"discussion_id"`
	Type         string  `json:"type"`
	SenderID     string  `json:"sender_id"`
	Message      string  `json:"message"`
	Timestamp    string  `json:"timestamp"`
}

// Stage is the shared state of one stage for the cohort (partial).
type Stage struct {
	StageID             string     `json:"stage_id"`
	Kind                string     `json:"kind"`
	State               string     `json:"state"`
	CurrentDiscussionID *string    `json:"current_discussion_id"`
	StartedAt           *time.Time `json:"discussion_start_timestamp"`
	EndedAt             *time.Time `json:"discussion_end_timestamp"`
	WinnerID            string     `json:"winner_id,omitempty"`
	Version             int64      `json:"version"`
}

// Ended reports whether the stage no longer accepts messages.
func (s Stage) Ended() bool { return s.EndedAt != nil }

// Lottery is the drawn result of a leader round.
type Lottery struct {
	WinnerID             string            `json:"winner_id"`
	ParticipantStatusMap map[string]string `json:"participant_status_map"`
	Drawn                bool              `json:"drawn"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsDiscussionEnded reports whether err is the API refusing a message for
// an ended stage.
func IsDiscussionEnded(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "discussion_ended"
}

// Join adds a participant to the client's cohort. An empty publicID lets
// the server assign one.
func (c *Client) Join(ctx context.Context, publicID string, isAgent bool) (Participant, error) {
	body := map[string]any{"is_agent": isAgent}
	if publicID != "" {
		body["public_id"] = publicID
	}
	var resp Participant
	err := c.do(ctx, http.MethodPost, c.cohortPath("participants"), body, &resp)
	return resp, err
}

// SetStatus changes a participant's status.
func (c *Client) SetStatus(ctx context.Context, publicID, status string) (Participant, error) {
	var resp Participant
	err := c.do(ctx, http.MethodPatch, c.experimentPath("participants/"+url.PathEscape(publicID)), map[string]any{"status": status}, &resp)
	return resp, err
}

// SendMessage posts a participant message into a chat stage.
func (c *Client) SendMessage(ctx context.Context, stageID, senderID, text string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, c.stagePath(stageID, "messages"), map[string]any{
		"sender_id": senderID,
		"message":   text,
	}, &resp)
	return resp, err
}

// Messages lists chat messages, optionally for a single discussion.
func (c *Client) Messages(ctx context.Context, stageID, discussionID string) ([]Message, error) {
	endpoint := c.stagePath(stageID, "messages")
	if discussionID != "" {
		endpoint += "?discussion_id=" + url.QueryEscape(discussionID)
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecordAnswer stores a stage answer for a participant.
func (c *Client) RecordAnswer(ctx context.Context, publicID, stageID string, payload map[string]any) error {
	endpoint := c.experimentPath(fmt.Sprintf("participants/%s/answers/%s", url.PathEscape(publicID), url.PathEscape(stageID)))
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"payload": payload}, nil)
}

// MarkReady records that the participant is ready to leave a discussion.
func (c *Client) MarkReady(ctx context.Context, publicID, stageID, discussionID string, at time.Time) error {
	return c.RecordAnswer(ctx, publicID, stageID, map[string]any{
		"discussion_timestamp_map": map[string]any{discussionID: at.UTC().Format(time.RFC3339Nano)},
	})
}

// Stage fetches the shared stage state.
func (c *Client) Stage(ctx context.Context, stageID string) (Stage, error) {
	var resp Stage
	err := c.do(ctx, http.MethodGet, c.stagePath(stageID, ""), nil, &resp)
	return resp, err
}

// RunLottery draws the round leader, or returns the stored draw.
func (c *Client) RunLottery(ctx context.Context, stageID string) (Lottery, error) {
	var resp Lottery
	err := c.do(ctx, http.MethodPost, c.stagePath(stageID, "lottery"), nil, &resp)
	return resp, err
}

// LeaderStatus returns one participant's status in a drawn round.
func (c *Client) LeaderStatus(ctx context.Context, stageID, publicID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, c.stagePath(stageID, "lottery/"+url.PathEscape(publicID)), nil, &resp)
	return resp.Status, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, eventType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.experimentPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) experimentPath(p string) string {
	return fmt.Sprintf("v0/experiments/%s/%s", url.PathEscape(c.ExperimentID), strings.TrimLeft(p, "/"))
}

func (c *Client) cohortPath(p string) string {
	return c.experimentPath(fmt.Sprintf("cohorts/%s/%s", url.PathEscape(c.CohortID), strings.TrimLeft(p, "/")))
}

func (c *Client) stagePath(stageID, p string) string {
	return strings.TrimRight(c.cohortPath(fmt.Sprintf("stages/%s/%s", url.PathEscape(stageID), p)), "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
