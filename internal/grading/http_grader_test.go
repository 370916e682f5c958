package grading

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/service"
)

func completionServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}

		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "Role: SRE") {
			t.Errorf("prompt missing job context: %+v", req.Messages)
		}

		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
}

var request = service.GradeRequest{QuestionID: "q1", QuestionText: "What is an SLO?", AnswerText: "A target", Context: "SRE"}

func TestGradeParsesVerdict(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "```json\n{\"score\": 72.5, \"feedback\": \"Mostly right\"}\n```")
	defer srv.Close()

	got, err := NewHTTPGrader(srv.URL+"/", "secret", "m").Grade(context.Background(), request)
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if got.Score != 72.5 || got.Feedback != "Mostly right" {
		t.Fatalf("got %+v", got)
	}
}

func TestGradeFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
	}{
		{name: "upstream error", status: http.StatusServiceUnavailable},
		{name: "not json", status: http.StatusOK, content: "great answer"},
		{name: "missing score", status: http.StatusOK, content: `{"feedback": "?"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := completionServer(t, tt.status, tt.content)
			defer srv.Close()

			_, err := NewHTTPGrader(srv.URL, "secret", "m").Grade(context.Background(), request)
			if !errors.Is(err, service.ErrGradingFailure) {
				t.Fatalf("err = %v, want ErrGradingFailure", err)
			}
		})
	}
}

func TestGradeHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPGrader(srv.URL, "", "m").Grade(ctx, request)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
