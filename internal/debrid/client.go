// Package debrid is the HTTP client for the remote download service's
// upload endpoints. One create call exists per lane; all three share the
// multipart request shape and the success/error response envelope.
package debrid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors for remote-call failures.
var (
	ErrUnreachable = errors.New("debrid service unreachable")
	ErrTimeout     = errors.New("debrid request timeout")
	ErrAuthExpired = errors.New("debrid auth rejected")
)

// APIError is a structured business error from the service: either a non-2xx
// response or a 2xx response whose envelope asserts failure (a soft failure).
// Both carry the embedded error code; callers classify on Code, never on the
// transport status alone.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
	// RetryAfter is the server-provided wait hint on rate-limit errors;
	// zero when the server gave none.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("debrid api error %s (status %d): %s", e.Code, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("debrid api error %s (status %d)", e.Code, e.StatusCode)
}

// UploadRequest carries one job's payload and options to a create endpoint.
// Exactly one of File, Magnet and Link is set depending on the lane and
// payload kind.
type UploadRequest struct {
	FileName string
	File     []byte
	Magnet   string
	Link     string
	Seed     int
	AllowZip bool
	AsQueued bool
	Password string
}

// UploadResult is the parsed success response.
type UploadResult struct {
	StatusCode int
	RemoteID   string
	Hash       string
}

// Client is the interface for the service's upload endpoints.
type Client interface {
	CreateTorrentUpload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	CreateUsenetUpload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	CreateWebUpload(ctx context.Context, req UploadRequest) (*UploadResult, error)
}

// HTTPClient implements Client against the service's HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a new upload client authenticated with apiKey.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreateTorrentUpload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	return c.create(ctx, "/v1/api/torrents/createtorrent", req)
}

func (c *HTTPClient) CreateUsenetUpload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	return c.create(ctx, "/v1/api/usenet/createusenetdownload", req)
}

func (c *HTTPClient) CreateWebUpload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	return c.create(ctx, "/v1/api/webdl/createwebdownload", req)
}

func (c *HTTPClient) create(ctx context.Context, path string, req UploadRequest) (*UploadResult, error) {
	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}

	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Reverse proxies answer some failures with non-JSON bodies.
		env = responseEnvelope{Success: false}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", ErrAuthExpired, env.errCode())
	}

	// A 2xx transport status with success=false in the envelope is a soft
	// failure. It is surfaced as an APIError carrying the embedded code so
	// it can never be mistaken for success.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.errCode(),
			Detail:     env.Detail,
			RetryAfter: retryAfter(resp, env),
		}
	}

	return &UploadResult{
		StatusCode: resp.StatusCode,
		RemoteID:   env.Data.ID.String(),
		Hash:       env.Data.Hash,
	}, nil
}

func encodeMultipart(req UploadRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	switch {
	case req.File != nil:
		part, err := w.CreateFormFile("file", req.FileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(req.File); err != nil {
			return nil, "", err
		}
	case req.Magnet != "":
		if err := w.WriteField("magnet", req.Magnet); err != nil {
			return nil, "", err
		}
	case req.Link != "":
		if err := w.WriteField("link", req.Link); err != nil {
			return nil, "", err
		}
	}

	if req.Seed != 0 {
		if err := w.WriteField("seed", strconv.Itoa(req.Seed)); err != nil {
			return nil, "", err
		}
	}
	if req.AllowZip {
		if err := w.WriteField("allow_zip", "true"); err != nil {
			return nil, "", err
		}
	}
	if req.AsQueued {
		if err := w.WriteField("as_queued", "true"); err != nil {
			return nil, "", err
		}
	}
	if req.Password != "" {
		if err := w.WriteField("password", req.Password); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func retryAfter(resp *http.Response, env responseEnvelope) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if env.RetryAfter > 0 {
		return time.Duration(env.RetryAfter) * time.Second
	}
	return 0
}

// --- Response envelope types ---

type responseEnvelope struct {
	Success    bool         `json:"success"`
	Error      string       `json:"error"`
	Detail     string       `json:"detail"`
	RetryAfter int          `json:"retry_after"`
	Data       envelopeData `json:"data"`
}

func (e responseEnvelope) errCode() string {
	if e.Error != "" {
		return e.Error
	}
	return "UNKNOWN_ERROR"
}

type envelopeData struct {
	ID   json.Number `json:"id"`
	Hash string      `json:"hash"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
