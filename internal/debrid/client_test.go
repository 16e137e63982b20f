package debrid

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// --- helpers ---

func debridServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	return NewHTTPClient(baseURL, "test-key", 5*time.Second)
}

// --- create tests ---

func TestCreateTorrentUpload_Success(t *testing.T) {
	ts := debridServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/api/torrents/createtorrent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header: %s", got)
		}

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart form: %v", err)
		}
		if got := r.FormValue("seed"); got != "1" {
			t.Errorf("unexpected seed field: %s", got)
		}
		if got := r.FormValue("allow_zip"); got != "true" {
			t.Errorf("unexpected allow_zip field: %s", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("reading file part: %v", err)
		}
		defer file.Close()
		if header.Filename != "movie.torrent" {
			t.Errorf("unexpected filename: %s", header.Filename)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"id":42,"hash":"abc123"}}`))
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	res, err := c.CreateTorrentUpload(context.Background(), UploadRequest{
		FileName: "movie.torrent",
		File:     []byte("d8:announce0:e"),
		Seed:     1,
		AllowZip: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RemoteID != "42" {
		t.Errorf("unexpected remote id: %s", res.RemoteID)
	}
	if res.Hash != "abc123" {
		t.Errorf("unexpected hash: %s", res.Hash)
	}
	if res.StatusCode != 200 {
		t.Errorf("unexpected status code: %d", res.StatusCode)
	}
}

func TestCreateWebUpload_SendsLinkField(t *testing.T) {
	ts := debridServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/api/webdl/createwebdownload" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart form: %v", err)
		}
		if got := r.FormValue("link"); got != "https://example.com/file.zip" {
			t.Errorf("unexpected link field: %s", got)
		}
		if got := r.FormValue("password"); got != "hunter2" {
			t.Errorf("unexpected password field: %s", got)
		}
		w.Write([]byte(`{"success":true,"data":{"id":7}}`))
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.CreateWebUpload(context.Background(), UploadRequest{
		Link:     "https://example.com/file.zip",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateUsenetUpload_SoftFailure(t *testing.T) {
	// HTTP 200 with success=false must come back as an APIError, never a
	// result.
	ts := debridServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":false,"error":"INVALID_OPTION","detail":"bad seed value"}`))
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	res, err := c.CreateUsenetUpload(context.Background(), UploadRequest{Link: "nzb://x"})
	if res != nil {
		t.Fatalf("expected nil result, got %+v", res)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Code != "INVALID_OPTION" {
		t.Errorf("unexpected code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != 200 {
		t.Errorf("unexpected status code: %d", apiErr.StatusCode)
	}
	if apiErr.Detail != "bad seed value" {
		t.Errorf("unexpected detail: %s", apiErr.Detail)
	}
}

func TestCreate_RateLimitedWithRetryAfterHeader(t *testing.T) {
	ts := debridServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"success":false,"error":"RATE_LIMIT"}`))
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.CreateTorrentUpload(context.Background(), UploadRequest{Magnet: "magnet:?xt=x"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != 429 {
		t.Errorf("unexpected status code: %d", apiErr.StatusCode)
	}
	if apiErr.RetryAfter != 30*time.Second {
		t.Errorf("unexpected retry-after: %v", apiErr.RetryAfter)
	}
}

func TestCreate_RateLimitedWithBodyHint(t *testing.T) {
	ts := debridServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"success":false,"error":"RATE_LIMIT","retry_after":45}`))
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.CreateTorrentUpload(context.Background(), UploadRequest{Magnet: "magnet:?xt=x"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.RetryAfter != 45*time.Second {
		t.Errorf("unexpected retry-after: %v", apiErr.RetryAfter)
	}
}

func TestCreate_AuthRejected(t *testing.T) {
	ts := debridServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"success":false,"error":"BAD_TOKEN"}`))
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.CreateTorrentUpload(context.Background(), UploadRequest{Magnet: "magnet:?xt=x"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestCreate_NonJSONErrorBody(t *testing.T) {
	// Reverse proxies answer some failures with HTML.
	ts := debridServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>502 Bad Gateway</html>"))
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.CreateTorrentUpload(context.Background(), UploadRequest{Magnet: "magnet:?xt=x"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Code != "UNKNOWN_ERROR" {
		t.Errorf("unexpected code: %s", apiErr.Code)
	}
}

func TestCreate_ServiceUnreachable(t *testing.T) {
	ts := debridServer(t, func(w http.ResponseWriter, r *http.Request) {})
	ts.Close() // refuse connections

	c := newTestClient(t, ts.URL)
	_, err := c.CreateTorrentUpload(context.Background(), UploadRequest{Magnet: "magnet:?xt=x"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestCreate_Timeout(t *testing.T) {
	ts := debridServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "test-key", 50*time.Millisecond)
	_, err := c.CreateTorrentUpload(context.Background(), UploadRequest{Magnet: "magnet:?xt=x"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
