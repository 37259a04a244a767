package artifactcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandler(t *testing.T) {
	cache := New(NewMemoryStore(), WithLogger(quietLogger()))
	cache.Put(context.Background(), "p1", 2, []byte("\x89PNG\r\n\x1a\nfull"), []byte("\x89PNG\r\n\x1a\nthumb"))

	srv := httptest.NewServer(Handler(cache))
	defer srv.Close()

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"full image", http.MethodGet, "/artifacts/p1/2", http.StatusOK, "\x89PNG\r\n\x1a\nfull"},
		{"thumbnail", http.MethodGet, "/artifacts/p1/2?thumb=1", http.StatusOK, "\x89PNG\r\n\x1a\nthumb"},
		{"head", http.MethodHead, "/artifacts/p1/2", http.StatusOK, ""},
		{"missing slide", http.MethodGet, "/artifacts/p1/3", http.StatusNotFound, ""},
		{"slide zero", http.MethodGet, "/artifacts/p1/0", http.StatusBadRequest, ""},
		{"non numeric slide", http.MethodGet, "/artifacts/p1/two", http.StatusNotFound, ""},
		{"wrong method", http.MethodPost, "/artifacts/p1/2", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
				t.Errorf("Content-Type = %q", ct)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}
