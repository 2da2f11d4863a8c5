package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func chatOK(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 40},
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func newTestClient(t *testing.T, url string) *HTTPClient {
	t.Helper()
	c, err := New(Options{Backend: BackendLocal, Model: "extractor-8b", BaseURL: url, Concurrency: 2, Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestCompleteReturnsTextAndCountsUsage(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		chatOK(`{"facts":[]}`).ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.Complete(context.Background(), "extract facts", "note text")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if out != `{"facts":[]}` {
		t.Errorf("output = %q", out)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "" {
		t.Errorf("local backend should not send auth, got %q", gotAuth)
	}

	st := c.Snapshot()
	if st.Calls != 1 || st.Failures != 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.PromptTokens != 120 || st.OutputTokens != 40 {
		t.Errorf("token counts = %d/%d", st.PromptTokens, st.OutputTokens)
	}
}

func TestCompleteMarksServerErrorsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Complete(context.Background(), "s", "u")
	if err == nil || !strings.Contains(err.Error(), ErrUnavailable.Error()) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if st := c.Snapshot(); st.Failures != 1 {
		t.Errorf("failures = %d, want 1", st.Failures)
	}
}

func TestCompleteTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c, err := New(Options{Backend: BackendLocal, Model: "m", BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	start := time.Now()
	if _, err := c.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("Complete should time out")
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not enforced")
	}
}

func TestHostedBackendRequiresAPIKey(t *testing.T) {
	_, err := New(Options{Backend: BackendHosted, Model: "m", BaseURL: "https://api.example.com"}, zerolog.Nop())
	if err == nil {
		t.Error("hosted backend without api key should be rejected")
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	_, err := New(Options{Backend: "quantum", Model: "m", BaseURL: "http://x"}, zerolog.Nop())
	if err == nil {
		t.Error("unknown backend should be rejected")
	}
}
