// Package gateway talks to the remote PDF processing service over HTTP.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/cwygoda/dsaconvert/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 64 << 10
)

// Client implements domain.Gateway. It never retries on its own.
type Client struct {
	baseURL string
	client  *http.Client
	log     *zerolog.Logger
}

var _ domain.Gateway = (*Client)(nil)

// New creates a client for the service at baseURL. Every request is bounded
// by timeout.
func New(baseURL string, timeout time.Duration, log *zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Health(ctx context.Context) (*domain.Health, error) {
	var h domain.Health
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, "", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Profiles(ctx context.Context) ([]domain.Profile, error) {
	var profiles []domain.Profile
	if err := c.do(ctx, "profiles", http.MethodGet, "/dsa-profiles", nil, "", &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Submit uploads the file together with the processing options in a single
// multipart request and returns the service's job id.
func (c *Client) Submit(ctx context.Context, file domain.SourceFile, cfg domain.ProcessingConfiguration) (string, error) {
	body, contentType, err := multipartBody(file, cfg.Options())
	if err != nil {
		return "", fmt.Errorf("build submit body for %s: %w", file.Name, err)
	}

	var resp submitResponse
	if err := c.do(ctx, "submit", http.MethodPost, "/process-pdf", body, contentType, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", &domain.ProtocolError{Op: "submit", Reason: "response carries no job_id"}
	}
	c.log.Debug().Str("file", file.Name).Str("remote_job_id", resp.JobID).Msg("submitted")
	return resp.JobID, nil
}

func multipartBody(file domain.SourceFile, opts domain.ProcessingOptions) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}

	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("options", string(raw)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

type statusResponse struct {
	JobID       string   `json:"job_id"`
	Status      string   `json:"status"`
	Progress    float64  `json:"progress"`
	Error       *string  `json:"error"`
	OutputFiles []string `json:"output_files"`
}

// Status fetches the service's view of a job. A snapshot for another job,
// an unknown status, or a 404 for the id are reported as ProtocolError.
func (c *Client) Status(ctx context.Context, remoteJobID string) (*domain.JobSnapshot, error) {
	var resp statusResponse
	err := c.do(ctx, "status", http.MethodGet, "/job-status/"+url.PathEscape(remoteJobID), nil, "", &resp)
	var ge *domain.GatewayError
	if errors.As(err, &ge) && ge.StatusCode == http.StatusNotFound {
		return nil, &domain.ProtocolError{Op: "status", Reason: fmt.Sprintf("service does not know job %s", remoteJobID)}
	}
	if err != nil {
		return nil, err
	}

	if resp.JobID != "" && resp.JobID != remoteJobID {
		return nil, &domain.ProtocolError{
			Op:     "status",
			Reason: fmt.Sprintf("asked for job %s, got snapshot of %s", remoteJobID, resp.JobID),
		}
	}
	status := domain.JobStatus(resp.Status)
	if !status.Valid() {
		return nil, &domain.ProtocolError{Op: "status", Reason: fmt.Sprintf("unknown status %q", resp.Status)}
	}

	snap := &domain.JobSnapshot{
		JobID:       remoteJobID,
		Status:      status,
		Progress:    int(math.Round(resp.Progress)),
		OutputFiles: resp.OutputFiles,
	}
	if resp.Error != nil {
		snap.Error = *resp.Error
	}
	return snap, nil
}

// Cancel asks the service to drop a job. A 404 means it is already gone.
func (c *Client) Cancel(ctx context.Context, remoteJobID string) error {
	err := c.do(ctx, "cancel", http.MethodDelete, "/job/"+url.PathEscape(remoteJobID), nil, "", nil)
	var ge *domain.GatewayError
	if errors.As(err, &ge) && ge.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// do sends one request and decodes a JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ObserveGatewayCall(op, "unreachable", time.Since(start))
		return &domain.UnreachableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.ObserveGatewayCall(op, "rejected", time.Since(start))
		return &domain.GatewayError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveGatewayCall(op, "unreachable", time.Since(start))
		return &domain.UnreachableError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			metrics.ObserveGatewayCall(op, "protocol", time.Since(start))
			return &domain.ProtocolError{Op: op, Reason: fmt.Sprintf("malformed response: %v", err)}
		}
	}
	metrics.ObserveGatewayCall(op, "ok", time.Since(start))
	return nil
}

// errorMessage extracts the FastAPI "detail" field, falling back to the raw
// body text.
func errorMessage(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		var s string
		if err := json.Unmarshal(body.Detail, &s); err == nil {
			return s
		}
		// validation errors: [{"loc": [...], "msg": "...", "type": "..."}]
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(body.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
		return string(body.Detail)
	}
	return strings.TrimSpace(string(raw))
}
