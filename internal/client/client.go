// Package client talks to the job API over HTTP on behalf of one principal.
package client

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

	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/models"
)

const maxErrorBody = 4 << 10

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	principal  string
	httpClient *http.Client
}

// New builds a client for baseURL sending requests as principal. A nil httpClient gets a
// default with a 2 minute timeout, matching the longest synchronous bulk call.
func New(baseURL, principal string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), principal: principal, httpClient: httpClient}
}

type submitResponse struct {
	Job    models.Job `json:"job"`
	Reused bool       `json:"reused"`
}

// Submit creates a job, or returns the existing one when req.Dedupe matched.
func (c *Client) Submit(ctx context.Context, req models.SubmitRequest) (models.Job, error) {
	var out submitResponse
	if err := c.doJSON(ctx, "submit job", http.MethodPost, "/jobs", req, &out); err != nil {
		return models.Job{}, err
	}
	return out.Job, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := c.doJSON(ctx, "get job", http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job)
	return job, err
}

// ListJobs returns every job of the principal.
func (c *Client) ListJobs(ctx context.Context) ([]models.Job, error) {
	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := c.doJSON(ctx, "list jobs", http.MethodGet, "/jobs", nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// DeleteJob removes a job. A job that is already gone counts as deleted.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	err := c.doJSON(ctx, "delete job", http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
	if faults.Classify(err) == faults.NotFound {
		return nil
	}
	return err
}

// CancelJob stops a job server side.
func (c *Client) CancelJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := c.doJSON(ctx, "cancel job", http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &job)
	return job, err
}

// Nudge asks the server to put a stuck job back on its queue.
func (c *Client) Nudge(ctx context.Context, id string) error {
	return c.doJSON(ctx, "nudge job", http.MethodPost, "/jobs/"+url.PathEscape(id)+"/process", nil, nil)
}

// BulkGenerate runs a whole batch in one synchronous call.
func (c *Client) BulkGenerate(ctx context.Context, jobType models.JobType, req models.BulkRequest) (models.BulkResponse, error) {
	var out models.BulkResponse
	err := c.doJSON(ctx, "bulk generate", http.MethodPost, "/bulk/"+url.PathEscape(string(jobType)), req, &out)
	return out, err
}

// Render generates the output for a single item.
func (c *Client) Render(ctx context.Context, jobType models.JobType, item models.WorkItem) ([]byte, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	return c.do(ctx, "render item", http.MethodPost, c.baseURL+"/render/"+url.PathEscape(string(jobType)), body)
}

// FetchArtifact downloads an artifact by URL or by storage path.
func (c *Client) FetchArtifact(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, faults.New(faults.BadRequest, "fetch artifact", errors.New("empty artifact reference"))
	}
	target := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		target = c.baseURL + "/artifacts?ref=" + url.QueryEscape(ref)
	}
	return c.do(ctx, "fetch artifact", http.MethodGet, target, nil)
}

// SignedURL asks for a time-limited download link for a storage path.
func (c *Client) SignedURL(ctx context.Context, path string) (string, error) {
	var out models.SignResponse
	if err := c.doJSON(ctx, "sign artifact", http.MethodPost, "/artifacts/sign", models.SignRequest{Path: path}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = raw
	}
	data, err := c.do(ctx, op, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return faults.New(faults.Server, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, target string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Principal", c.principal)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.New(faults.Aborted, op, ctx.Err())
		}
		return nil, faults.New(faults.Network, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, faults.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.New(faults.Network, op, fmt.Errorf("read body: %w", err))
	}
	return data, nil
}
