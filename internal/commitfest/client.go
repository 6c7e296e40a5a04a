// Package commitfest adapts the Commitfest JSON API and the mail archive's
// flat-thread HTML view (spec section 4.3), and posts the branch/task
// status callbacks of spec section 4.5.
package commitfest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/macdice/cfbot/internal/circuit"
	"github.com/macdice/cfbot/internal/cierr"
	"github.com/macdice/cfbot/internal/model"
	"github.com/macdice/cfbot/internal/ratelimit"
)

// Client is the Commitfest JSON API adapter of spec section 4.3.
type Client struct {
	host       string
	userAgent  string
	httpClient *http.Client
	breakers   *circuit.Manager
	limiter    *ratelimit.Limiter
	cache      *Cache
}

// New creates a Commitfest client against host (spec COMMITFEST_HOST),
// routing every request through the shared circuit breaker manager and
// rate limiter, and setting userAgent (spec section 6: "All traffic
// carries a configured User-Agent") on every outgoing request.
func New(host string, timeout time.Duration, breakers *circuit.Manager, limiter *ratelimit.Limiter, cache *Cache, userAgent string) *Client {
	return &Client{
		host:       host,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		breakers:   breakers,
		limiter:    limiter,
		cache:      cache,
	}
}

type patchesResponse struct {
	Patches []struct {
		ID            int      `json:"id"`
		Name          string   `json:"name"`
		Status        string   `json:"status"`
		Authors       []string `json:"authors"`
		LastEmailTime string   `json:"last_email_time"`
	} `json:"patches"`
}

// ListSubmissions implements list_submissions(commitfest_id) of spec
// section 4.3: GET /api/v1/commitfests/{id}/patches. Empty when the
// commitfest does not exist (404 maps to an empty slice, not an error).
func (c *Client) ListSubmissions(ctx context.Context, commitfestID int) ([]model.Submission, error) {
	if cached, ok := c.cache.GetSubmissions(commitfestID); ok {
		return cached, nil
	}

	url := fmt.Sprintf("https://%s/api/v1/commitfests/%d/patches", c.host, commitfestID)
	body, err := c.getJSON(ctx, url)
	if err != nil {
		if err == cierr.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var resp patchesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, cierr.DataViolation(err)
	}

	subs := make([]model.Submission, 0, len(resp.Patches))
	for _, p := range resp.Patches {
		sub := model.Submission{
			CommitfestID: commitfestID,
			SubmissionID: p.ID,
			Name:         p.Name,
			Status:       model.SubmissionStatus(p.Status),
			Authors:      p.Authors,
		}
		if t, err := time.Parse(time.RFC3339, p.LastEmailTime); err == nil {
			sub.LastEmailTime = &t
		}
		subs = append(subs, sub)
	}

	c.cache.PutSubmissions(commitfestID, subs)
	return subs, nil
}

// NeedsCICommitfests implements GET /api/v1/commitfests/needs_ci, the
// "active set" of spec 4.1's priority-1 selection.
func (c *Client) NeedsCICommitfests(ctx context.Context) ([]int, error) {
	url := fmt.Sprintf("https://%s/api/v1/commitfests/needs_ci", c.host)
	body, err := c.getJSON(ctx, url)
	if err != nil {
		if err == cierr.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var ids []int
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, cierr.DataViolation(err)
	}
	return ids, nil
}

// threadsResponse is the shape of /api/v1/patches/{id}/threads.
type threadsResponse struct {
	Threads []struct {
		URL string `json:"url"`
	} `json:"threads"`
}

// ThreadURLs resolves a submission to its thread URLs via
// /api/v1/patches/{id}/threads, the first step of latest_patch_message.
func (c *Client) ThreadURLs(ctx context.Context, submissionID int) ([]string, error) {
	url := fmt.Sprintf("https://%s/api/v1/patches/%d/threads", c.host, submissionID)
	body, err := c.getJSON(ctx, url)
	if err != nil {
		if err == cierr.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var resp threadsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, cierr.DataViolation(err)
	}

	urls := make([]string, len(resp.Threads))
	for i, th := range resp.Threads {
		urls[i] = th.URL
	}
	return urls, nil
}

// getJSON fetches url through the rate limiter and per-host circuit
// breaker, classifying the response into the error kinds of spec section 7.
func (c *Client) getJSON(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx, "commitfest"); err != nil {
		return nil, cierr.Transient(err)
	}

	result, err := c.breakers.Do(ctx, c.host, func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, cierr.Transient(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, cierr.ErrNotFound
		}
		if resp.StatusCode >= 500 {
			return nil, cierr.Transient(fmt.Errorf("commitfest: %s returned %d", url, resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return nil, cierr.DataViolation(fmt.Errorf("commitfest: %s returned %d", url, resp.StatusCode))
		}

		return readAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
