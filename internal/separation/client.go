package separation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client talks to a remote separation service over HTTP.
type Client struct {
	apiURL   string
	apiKey   string
	interval time.Duration
	http     *http.Client // status calls
	transfer *http.Client // uploads, decompositions and stem downloads; bounded by ctx
}

// NewClient creates a separation API client polling at the given interval.
func NewClient(apiURL, apiKey string, interval time.Duration) *Client {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Client{
		apiURL:   strings.TrimRight(apiURL, "/"),
		apiKey:   apiKey,
		interval: interval,
		http:     &http.Client{Timeout: 30 * time.Second},
		transfer: &http.Client{},
	}
}

type submitResp struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

type stemRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type jobResp struct {
	Status string    `json:"status"` // running, done, failed
	Stems  []stemRef `json:"stems"`
	Error  string    `json:"error"`
}

type decomposeResp struct {
	Available bool      `json:"available"`
	Stems     []stemRef `json:"stems"`
	Error     string    `json:"error"`
}

// WaitForHealthy blocks until the service responds to health checks.
func (c *Client) WaitForHealthy(ctx context.Context) error {
	log.Println("Waiting for separation API to be ready...")
	for {
		req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Println("Separation API is healthy")
				return nil
			}
		}

		log.Printf("Separation API not ready, retrying in %v...", c.interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.interval):
		}
	}
}

// Split uploads the file and waits for its stems.
func (c *Client) Split(ctx context.Context, path string) (Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return Job{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	req, err := c.newRequest(ctx, http.MethodPost, "/jobs", f)
	if err != nil {
		return Job{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filepath.Base(path))

	resp, err := c.transfer.Do(req)
	if err != nil {
		return Job{}, fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	var result submitResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Job{}, fmt.Errorf("decode submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return Job{}, fmt.Errorf("separation API error (status %d): %s", resp.StatusCode, result.Error)
	}
	if result.JobID == "" {
		return Job{}, fmt.Errorf("separation API returned no job id")
	}
	log.Printf("Separation job %s submitted for %s", result.JobID, filepath.Base(path))
	return c.PollUntilDone(ctx, result.JobID)
}

// Open returns the stems of an existing job, waiting if it is still running.
func (c *Client) Open(ctx context.Context, jobID string) (Job, error) {
	return c.PollUntilDone(ctx, jobID)
}

// PollUntilDone polls the job until it finishes.
func (c *Client) PollUntilDone(ctx context.Context, jobID string) (Job, error) {
	for {
		job, done, err := c.status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, err
		}
		if done {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-time.After(c.interval):
		}
	}
}

func (c *Client) status(ctx context.Context, jobID string) (Job, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Job{}, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("Poll error: %v, retrying...", err)
		return Job{}, false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Job{}, false, fmt.Errorf("separation job %s not found", jobID)
	}
	var result jobResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Printf("Decode error: %v, retrying...", err)
		return Job{}, false, nil
	}

	switch result.Status {
	case "done":
		if len(result.Stems) == 0 {
			return Job{}, false, fmt.Errorf("separation job %s finished without stems", jobID)
		}
		return Job{ID: jobID, Stems: c.stems(jobID, result.Stems)}, true, nil
	case "failed":
		return Job{}, false, fmt.Errorf("separation failed for job %s: %s", jobID, result.Error)
	default:
		return Job{}, false, nil
	}
}

// Decompose requests a sub-stem split of one of the job's stems.
func (c *Client) Decompose(ctx context.Context, jobID, kind string) ([]Stem, error) {
	if _, err := Parent(kind); err != nil {
		return nil, err
	}
	path := "/jobs/" + url.PathEscape(jobID) + "/decompose/" + url.PathEscape(kind)
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.transfer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decompose %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotAvailable, kind)
	}
	var result decomposeResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode decompose response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("decompose %s (status %d): %s", kind, resp.StatusCode, result.Error)
	}
	if !result.Available || len(result.Stems) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotAvailable, kind)
	}
	return c.stems(jobID, result.Stems), nil
}

func (c *Client) stems(jobID string, refs []stemRef) []Stem {
	out := make([]Stem, len(refs))
	for i, r := range refs {
		label := r.Label
		if label == "" {
			label = Label(r.ID)
		}
		out[i] = Stem{ID: r.ID, Label: label, Source: &remoteSource{c: c, jobID: jobID, stemID: r.ID}}
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// remoteSource downloads one stem from the service.
type remoteSource struct {
	c      *Client
	jobID  string
	stemID string
}

func (s *remoteSource) Open(ctx context.Context) (io.ReadCloser, error) {
	path := "/jobs/" + url.PathEscape(s.jobID) + "/stems/" + url.PathEscape(s.stemID)
	req, err := s.c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.c.transfer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download stem %s: %w", s.stemID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download stem %s: status %d", s.stemID, resp.StatusCode)
	}
	return resp.Body, nil
}
