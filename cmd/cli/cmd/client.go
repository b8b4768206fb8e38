package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"coderunner/pkg/api"
)

// JobClient handles API calls to the coderunner server.
type JobClient struct {
	BaseURL    string
	HTTPClient *http.Client

	// StreamClient serves the long-lived requests (sync submit, log streams).
	StreamClient *http.Client
}

// NewJobClient creates a new client for the given base URL.
func NewJobClient(baseURL string) *JobClient {
	return &JobClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		StreamClient: &http.Client{},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string]string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	for field, problem := range e.Fields {
		msg += fmt.Sprintf("\n  %s: %s", field, problem)
	}
	return msg
}

// readAPIError turns a non-2xx response into an *APIError.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error, Fields: errResp.Fields}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// Submission is what a job submit uploads.
type Submission struct {
	Spec       api.JobSpec
	CodeFiles  []string
	InputFiles []string
}

// multipartBody writes the spec field and every file under its base name.
func (s Submission) multipartBody() (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	spec, err := json.Marshal(s.Spec)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal spec: %w", err)
	}
	if err := mw.WriteField("spec", string(spec)); err != nil {
		return nil, "", err
	}

	attach := func(field string, paths []string) error {
		for _, p := range paths {
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			fw, err := mw.CreateFormFile(field, filepath.Base(p))
			if err == nil {
				_, err = io.Copy(fw, f)
			}
			f.Close()
			if err != nil {
				return fmt.Errorf("failed to attach %s: %w", p, err)
			}
		}
		return nil
	}
	if err := attach("code_files", s.CodeFiles); err != nil {
		return nil, "", err
	}
	if err := attach("input_files", s.InputFiles); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}

func (c *JobClient) postSubmission(ctx context.Context, client *http.Client, path string, sub Submission, out any) error {
	body, contentType, err := sub.multipartBody()
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// CreateJob sends POST /jobs and returns as soon as the job is queued.
func (c *JobClient) CreateJob(ctx context.Context, sub Submission) (*api.CreateJobResponse, error) {
	var result api.CreateJobResponse
	if err := c.postSubmission(ctx, c.HTTPClient, "/jobs", sub, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateJobSync sends POST /jobs/sync and waits for the finished job.
func (c *JobClient) CreateJobSync(ctx context.Context, sub Submission) (*api.JobSyncResponse, error) {
	var result api.JobSyncResponse
	if err := c.postSubmission(ctx, c.StreamClient, "/jobs/sync", sub, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *JobClient) get(ctx context.Context, path string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

// GetJob sends GET /jobs/{id}.
func (c *JobClient) GetJob(ctx context.Context, jobID string) (*api.JobStatusResponse, error) {
	resp, err := c.get(ctx, "/jobs/"+url.PathEscape(jobID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result api.JobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// GetLogs sends GET /jobs/{id}/logs and returns the log text so far.
func (c *JobClient) GetLogs(ctx context.Context, jobID string) (string, error) {
	resp, err := c.get(ctx, "/jobs/"+url.PathEscape(jobID)+"/logs")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(body), nil
}

// errStreamEnded is returned when the server closed the stream without the end event.
var errStreamEnded = errors.New("log stream ended before the job finished")

// StreamLogs follows GET /jobs/{id}/logs/stream from line startAt and calls
// onLine for every line until the server sends the end event.
// It returns the number of lines seen so a caller can resume.
func (c *JobClient) StreamLogs(ctx context.Context, jobID string, startAt int, onLine func(string)) (int, error) {
	endpoint := fmt.Sprintf("%s/jobs/%s/logs/stream?start_at=%d", c.BaseURL, url.PathEscape(jobID), startAt)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return startAt, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.StreamClient.Do(httpReq)
	if err != nil {
		return startAt, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return startAt, readAPIError(resp)
	}

	seen := startAt
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "end" {
				return seen, nil
			}
			if event == "" {
				onLine(data)
			}
			event, data = "", ""
		case strings.HasPrefix(line, "id: "):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "id: ")); err == nil {
				seen = n
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := scanner.Err(); err != nil {
		return seen, fmt.Errorf("failed to read log stream: %w", err)
	}
	return seen, errStreamEnded
}

// CancelJob sends POST /jobs/{id}/cancel.
func (c *JobClient) CancelJob(ctx context.Context, jobID string) (*api.CancelJobResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs/"+url.PathEscape(jobID)+"/cancel", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, readAPIError(resp)
	}

	var result api.CancelJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// DownloadArtifact copies GET /jobs/{id}/artifacts/{name} into w.
func (c *JobClient) DownloadArtifact(ctx context.Context, jobID, name string, w io.Writer) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/jobs/"+url.PathEscape(jobID)+"/artifacts/"+url.PathEscape(name), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.StreamClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, readAPIError(resp)
	}
	return io.Copy(w, resp.Body)
}
