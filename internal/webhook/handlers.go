// Package webhook implements the two inbound HTTP endpoints of spec
// section 6: the Cirrus CI webhook receiver and the requeue-patch
// operator escape hatch.
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/cistate"
	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/metrics"
	"github.com/macdice/cfbot/internal/model"
)

// Handler serves /api/cirrus-webhook and /api/requeue-patch.
type Handler struct {
	store        *dbqueue.Store
	engine       *cistate.Engine
	sharedSecret string
	logger       *zap.SugaredLogger
}

// NewHandler creates a Handler. sharedSecret gates /api/requeue-patch
// (config COMMITFEST_SHARED_SECRET); the webhook endpoint itself carries
// no authentication beyond network placement, per spec section 1's
// explicit non-goal ("authentication of the webhook (assumed: shared-
// secret header check)" — this module treats the header check itself as
// the CI provider's responsibility and accepts any well-formed payload).
func NewHandler(store *dbqueue.Store, engine *cistate.Engine, sharedSecret string, logger *zap.SugaredLogger) *Handler {
	return &Handler{store: store, engine: engine, sharedSecret: sharedSecret, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/cirrus-webhook":
		h.handleCirrusWebhook(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/requeue-patch":
		h.handleRequeuePatch(w, r)
	default:
		http.NotFound(w, r)
	}
}

// cirrusWebhookPayload is the union shape of spec section 6's webhook
// body: the X-Cirrus-Event header distinguishes build vs task, and the
// task fields are only present for task events.
type cirrusWebhookPayload struct {
	Action    string `json:"action"`
	OldStatus string `json:"old_status"`
	Build     struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		Branch         string `json:"branch"`
		ChangeIdInRepo string `json:"changeIdInRepo"`
	} `json:"build"`
	Task struct {
		ID              string    `json:"id"`
		Name            string    `json:"name"`
		Status          string    `json:"status"`
		LocalGroupID    int       `json:"localGroupId"`
		StatusTimestamp time.Time `json:"statusTimestamp"`
	} `json:"task"`
}

func (h *Handler) handleCirrusWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "accepted"
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues("/api/cirrus-webhook", outcome).Inc()
		metrics.WebhookRequestDuration.WithLabelValues("/api/cirrus-webhook").Observe(time.Since(start).Seconds())
	}()

	eventType := r.Header.Get("X-Cirrus-Event")
	if eventType != "build" && eventType != "task" {
		outcome = "not_understood"
		writeText(w, http.StatusOK, "not understood")
		return
	}

	var payload cirrusWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		outcome = "not_understood"
		writeText(w, http.StatusOK, "not understood")
		return
	}
	if payload.Action != "created" && payload.Action != "updated" {
		outcome = "not_understood"
		writeText(w, http.StatusOK, "not understood")
		return
	}

	ctx := r.Context()
	var err error
	switch eventType {
	case "build":
		err = h.engine.ApplyBuildEvent(ctx, cistate.BuildEvent{
			Action:    payload.Action,
			BuildID:   payload.Build.ID,
			Status:    model.CIStatus(payload.Build.Status),
			OldStatus: model.CIStatus(payload.OldStatus),
			Branch:    payload.Build.Branch,
			CommitID:  payload.Build.ChangeIdInRepo,
		})
	case "task":
		err = h.engine.ApplyTaskEvent(ctx, cistate.TaskEvent{
			Action:          payload.Action,
			TaskID:          payload.Task.ID,
			BuildID:         payload.Build.ID,
			TaskName:        payload.Task.Name,
			Status:          model.CIStatus(payload.Task.Status),
			OldStatus:       model.CIStatus(payload.OldStatus),
			LocalGroupID:    payload.Task.LocalGroupID,
			StatusTimestamp: payload.Task.StatusTimestamp,
		})
	}
	if err != nil {
		outcome = "error"
		h.logger.Errorw("webhook: failed to apply event", "event_type", eventType, "err", err)
		writeText(w, http.StatusInternalServerError, "NOT OK")
		return
	}

	writeText(w, http.StatusOK, "OK")
}

type requeuePatchRequest struct {
	CommitfestID int    `json:"commitfest_id"`
	SubmissionID int    `json:"submission_id"`
	SharedSecret string `json:"shared_secret"`
}

func (h *Handler) handleRequeuePatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "accepted"
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues("/api/requeue-patch", outcome).Inc()
		metrics.WebhookRequestDuration.WithLabelValues("/api/requeue-patch").Observe(time.Since(start).Seconds())
	}()

	var req requeuePatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		outcome = "not_understood"
		writeText(w, http.StatusOK, "not understood")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.SharedSecret), []byte(h.sharedSecret)) != 1 {
		outcome = "unauthorized"
		writeText(w, http.StatusOK, "not understood")
		return
	}

	changed, err := h.store.ResetForRequeue(req.CommitfestID, req.SubmissionID)
	if err != nil {
		outcome = "error"
		h.logger.Errorw("webhook: requeue-patch failed", "commitfest_id", req.CommitfestID, "submission_id", req.SubmissionID, "err", err)
		writeText(w, http.StatusInternalServerError, "NOT OK")
		return
	}
	if !changed {
		outcome = "no_such_submission"
	}

	writeText(w, http.StatusOK, "OK")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
