package commitfest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/cierr"
	"github.com/macdice/cfbot/internal/model"
)

// BranchStatusMessage is the branch-status callback shape of spec 4.5.
type BranchStatusMessage struct {
	SharedSecret   string    `json:"shared_secret"`
	SubmissionID   int       `json:"submission_id"`
	BranchName     string    `json:"branch_name"`
	BranchID       int64     `json:"branch_id"`
	CommitID       *string   `json:"commit_id"`
	ApplyURL       *string   `json:"apply_url"`
	Status         string    `json:"status"`
	Created        time.Time `json:"created"`
	Modified       time.Time `json:"modified"`
	Version        string    `json:"version"`
	PatchCount     int       `json:"patch_count"`
	FirstAdditions int       `json:"first_additions"`
	FirstDeletions int       `json:"first_deletions"`
	AllAdditions   int       `json:"all_additions"`
	AllDeletions   int       `json:"all_deletions"`
}

// TaskStatusMessage is the task-update callback shape of spec 4.5.
type TaskStatusMessage struct {
	SharedSecret string              `json:"shared_secret"`
	TaskStatus   TaskStatusPayload   `json:"task_status"`
	BranchStatus BranchStatusMessage `json:"branch_status"`
}

// TaskStatusPayload is the task_status sub-object of TaskStatusMessage.
type TaskStatusPayload struct {
	TaskID   string    `json:"task_id"`
	CommitID string    `json:"commit_id"`
	TaskName string    `json:"task_name"`
	Position int       `json:"position"`
	Status   string    `json:"status"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Poster posts the two callback shapes of spec 4.5 to COMMITFEST_POST_URL.
// If no URL is configured, messages are logged only, per spec's explicit
// fallback.
type Poster struct {
	url          string
	sharedSecret string
	httpClient   *http.Client
	logger       *zap.SugaredLogger
}

// NewPoster creates a Poster. An empty url means "log only".
func NewPoster(url, sharedSecret string, timeout time.Duration, logger *zap.SugaredLogger) *Poster {
	return &Poster{
		url:          url,
		sharedSecret: sharedSecret,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// BranchStatusFromModel builds the callback payload from a branch row.
func (p *Poster) BranchStatusFromModel(b model.Branch) BranchStatusMessage {
	return BranchStatusMessage{
		SharedSecret:   p.sharedSecret,
		SubmissionID:   b.SubmissionID,
		BranchName:     model.BranchName(b.SubmissionID),
		BranchID:       b.ID,
		CommitID:       b.CommitID,
		ApplyURL:       b.URL,
		Status:         string(b.Status),
		Created:        b.Created,
		Modified:       b.Modified,
		Version:        b.Version,
		PatchCount:     b.PatchCount,
		FirstAdditions: b.FirstAdditions,
		FirstDeletions: b.FirstDeletions,
		AllAdditions:   b.AllAdditions,
		AllDeletions:   b.AllDeletions,
	}
}

// PostBranchStatus sends a branch-status message (spec 4.5).
func (p *Poster) PostBranchStatus(ctx context.Context, msg BranchStatusMessage) error {
	return p.post(ctx, msg)
}

// PostTaskStatus sends a task-update message. Tasks in CREATED or PAUSED
// are not posted, per spec 4.5. model.PostTaskStatuses, which decides when
// a post-task-status job is enqueued, includes both statuses, so this check
// is what drops them.
func (p *Poster) PostTaskStatus(ctx context.Context, msg TaskStatusMessage) error {
	status := model.CIStatus(msg.TaskStatus.Status)
	if status == model.StatusCreated || status == model.StatusPaused {
		return nil
	}
	return p.post(ctx, msg)
}

func (p *Poster) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return cierr.DataViolation(err)
	}

	if p.url == "" {
		p.logger.Infow("commitfest callback (no COMMITFEST_POST_URL configured, logging only)", "payload", string(body))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return cierr.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return cierr.Transient(fmt.Errorf("commitfest callback: %s returned %d", p.url, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return cierr.DataViolation(fmt.Errorf("commitfest callback: %s returned %d", p.url, resp.StatusCode))
	}
	return nil
}
