// Package cirrus adapts the Cirrus CI GraphQL API (spec section 6,
// "Upstream HTTP dependencies"): polling build/task state for the stale
// sweepers of spec 4.2.2, and fetching artifact/command metadata and log
// bodies for the ingestion job chain of spec 4.4.
package cirrus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/macdice/cfbot/internal/cierr"
	"github.com/macdice/cfbot/internal/circuit"
	"github.com/macdice/cfbot/internal/model"
	"github.com/macdice/cfbot/internal/ratelimit"
)

const graphqlEndpoint = "https://api.cirrus-ci.com/graphql"

// Client is the Cirrus CI GraphQL adapter.
type Client struct {
	httpClient *http.Client
	breakers   *circuit.Manager
	limiter    *ratelimit.Limiter
	userAgent  string
}

// New creates a Client, routing every request through the shared circuit
// breaker manager and rate limiter, and tagging every request with
// userAgent (spec section 6: "All traffic carries a configured
// User-Agent").
func New(timeout time.Duration, userAgent string, breakers *circuit.Manager, limiter *ratelimit.Limiter) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		breakers:   breakers,
		limiter:    limiter,
		userAgent:  userAgent,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// do executes a single GraphQL query/variables pair through the rate
// limiter and circuit breaker, classifying failures into cierr kinds.
func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	if err := c.limiter.Wait(ctx, "cirrus"); err != nil {
		return cierr.Transient(err)
	}

	result, err := c.breakers.Do(ctx, "api.cirrus-ci.com", func(ctx context.Context) (any, error) {
		body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphqlEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
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
			return nil, cierr.Transient(fmt.Errorf("cirrus: graphql returned %d", resp.StatusCode))
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, cierr.Transient(err)
		}
		if resp.StatusCode >= 400 {
			return nil, cierr.DataViolation(fmt.Errorf("cirrus: graphql returned %d: %s", resp.StatusCode, respBody))
		}
		return respBody, nil
	})
	if err != nil {
		return err
	}

	var gr graphqlResponse
	if err := json.Unmarshal(result.([]byte), &gr); err != nil {
		return cierr.DataViolation(err)
	}
	if len(gr.Errors) > 0 {
		return cierr.DataViolation(fmt.Errorf("cirrus: %s", gr.Errors[0].Message))
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return cierr.DataViolation(err)
	}
	return nil
}

type buildNode struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Branch         string `json:"branch"`
	ChangeIDInRepo string `json:"changeIdInRepo"`
	Tasks          []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		Status         string `json:"status"`
		LocalGroupID   int    `json:"localGroupId"`
	} `json:"tasks"`
}

// PollBuild implements the build(id){...} query of spec section 6. A
// build unknown to Cirrus returns cierr.ErrNotFound so callers can
// distinguish "never observed" from "denies knowledge of a previously
// known build" (spec 4.2.2's DELETED synthesis depends on that
// distinction, which the caller performs by checking prior local state).
func (c *Client) PollBuild(ctx context.Context, buildID string) (model.Build, []model.Task, error) {
	var resp struct {
		Build *buildNode `json:"build"`
	}
	query := `query($id: ID!) { build(id: $id) { id status branch changeIdInRepo tasks { id name status localGroupId } } }`
	if err := c.do(ctx, query, map[string]any{"id": buildID}, &resp); err != nil {
		return model.Build{}, nil, err
	}
	if resp.Build == nil {
		return model.Build{}, nil, cierr.ErrNotFound
	}

	b := model.Build{
		BuildID:    resp.Build.ID,
		BranchName: resp.Build.Branch,
		CommitID:   resp.Build.ChangeIDInRepo,
		Status:     model.CIStatus(resp.Build.Status),
	}

	tasks := make([]model.Task, len(resp.Build.Tasks))
	for i, t := range resp.Build.Tasks {
		tasks[i] = model.Task{
			TaskID:   t.ID,
			BuildID:  resp.Build.ID,
			TaskName: t.Name,
			Status:   model.CIStatus(t.Status),
			CommitID: resp.Build.ChangeIDInRepo,
			Position: t.LocalGroupID + 1,
		}
	}
	return b, tasks, nil
}

// SearchBuilds implements searchBuilds(repositoryOwner,repositoryName,SHA)
// of spec section 6, used to locate the builds Cirrus has created for a
// commit we pushed when no webhook has arrived yet.
func (c *Client) SearchBuilds(ctx context.Context, owner, repo, sha string) ([]model.Build, error) {
	var resp struct {
		SearchBuilds []buildNode `json:"searchBuilds"`
	}
	query := `query($owner: String!, $repo: String!, $sha: String!) {
		searchBuilds(repositoryOwner: $owner, repositoryName: $repo, SHA: $sha) {
			id status branch changeIdInRepo
		}
	}`
	if err := c.do(ctx, query, map[string]any{"owner": owner, "repo": repo, "sha": sha}, &resp); err != nil {
		return nil, err
	}

	builds := make([]model.Build, len(resp.SearchBuilds))
	for i, b := range resp.SearchBuilds {
		builds[i] = model.Build{
			BuildID:    b.ID,
			BranchName: b.Branch,
			CommitID:   b.ChangeIDInRepo,
			Status:     model.CIStatus(b.Status),
		}
	}
	return builds, nil
}

// ArtifactMeta is one artifact file reported by task(id){artifacts{...}}.
type ArtifactMeta struct {
	Name string
	Path string
	Size int64
}

// CommandMeta is one command reported by task(id){commands{...}}.
type CommandMeta struct {
	Name     string
	Type     string
	Status   string
	Duration float64
	LogURL   string
}

// TaskDetail fetches per-task artifact and command metadata, implementing
// the task(id){artifacts{...},commands{...}} query of spec section 6, used
// by the fetch-task-commands job.
func (c *Client) TaskDetail(ctx context.Context, taskID string) ([]ArtifactMeta, []CommandMeta, error) {
	var resp struct {
		Task *struct {
			Artifacts []struct {
				Name  string `json:"name"`
				Files []struct {
					Path string `json:"path"`
					Size int64  `json:"size"`
				} `json:"files"`
			} `json:"artifacts"`
			Commands []struct {
				Name            string  `json:"name"`
				Type            string  `json:"type"`
				Status          string  `json:"status"`
				DurationInSeconds float64 `json:"durationInSeconds"`
			} `json:"commands"`
		} `json:"task"`
	}

	query := `query($id: ID!) {
		task(id: $id) {
			artifacts { name files { path size } }
			commands { name type status durationInSeconds }
		}
	}`
	if err := c.do(ctx, query, map[string]any{"id": taskID}, &resp); err != nil {
		return nil, nil, err
	}
	if resp.Task == nil {
		return nil, nil, cierr.ErrNotFound
	}

	var artifacts []ArtifactMeta
	for _, a := range resp.Task.Artifacts {
		for _, f := range a.Files {
			artifacts = append(artifacts, ArtifactMeta{Name: a.Name, Path: f.Path, Size: f.Size})
		}
	}

	commands := make([]CommandMeta, len(resp.Task.Commands))
	for i, cmd := range resp.Task.Commands {
		commands[i] = CommandMeta{
			Name:     cmd.Name,
			Type:     cmd.Type,
			Status:   cmd.Status,
			Duration: cmd.DurationInSeconds,
			LogURL:   fmt.Sprintf("https://api.cirrus-ci.com/v1/task/%s/logs/%s.log", taskID, cmd.Name),
		}
	}
	return artifacts, commands, nil
}

// DownloadLog fetches a command's log body or an artifact file body from
// url, through the same rate limiter and circuit breaker as GraphQL calls.
func (c *Client) DownloadLog(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx, "cirrus"); err != nil {
		return nil, cierr.Transient(err)
	}

	result, err := c.breakers.Do(ctx, "api.cirrus-ci.com", func(ctx context.Context) (any, error) {
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
			return nil, cierr.Transient(fmt.Errorf("cirrus: %s returned %d", url, resp.StatusCode))
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
