package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/service"
)

const systemPrompt = "You grade free-text answers of job candidates. " +
	"Score the answer from 0 to 100 for correctness and relevance to the role. " +
	`Reply with JSON only: {"score": <number 0-100>, "feedback": "<one or two sentences>"}.`

// HTTPGrader calls an OpenAI-compatible chat completion endpoint and parses a
// JSON verdict out of the first choice.
type HTTPGrader struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPGrader creates a grader. The per-call deadline comes from the caller's context.
func NewHTTPGrader(baseURL, apiKey, model string) *HTTPGrader {
	return &HTTPGrader{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Grade implements service.Grader.
func (g *HTTPGrader) Grade(ctx context.Context, req service.GradeRequest) (service.GradeResponse, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
	})
	if err != nil {
		return service.GradeResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return service.GradeResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return service.GradeResponse{}, fmt.Errorf("grading request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return service.GradeResponse{}, fmt.Errorf("read grading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return service.GradeResponse{}, fmt.Errorf("%w: status %d: %s", service.ErrGradingFailure, resp.StatusCode, truncate(string(raw), 200))
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(raw, &completion); err != nil {
		return service.GradeResponse{}, fmt.Errorf("%w: decode completion: %v", service.ErrGradingFailure, err)
	}
	if completion.Error != nil {
		return service.GradeResponse{}, fmt.Errorf("%w: %s", service.ErrGradingFailure, completion.Error.Message)
	}
	if len(completion.Choices) == 0 {
		return service.GradeResponse{}, fmt.Errorf("%w: empty completion", service.ErrGradingFailure)
	}

	return parseVerdict(completion.Choices[0].Message.Content)
}

func buildPrompt(req service.GradeRequest) string {
	var b strings.Builder
	if req.Context != "" {
		fmt.Fprintf(&b, "Role: %s\n\n", req.Context)
	}
	fmt.Fprintf(&b, "Question: %s\n\nCandidate answer: %s", req.QuestionText, req.AnswerText)
	if strings.TrimSpace(req.AnswerText) == "" {
		b.WriteString("(no answer given)")
	}
	return b.String()
}

// parseVerdict accepts the JSON object either bare or inside a markdown code fence.
func parseVerdict(content string) (service.GradeResponse, error) {
	content = strings.TrimSpace(content)
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}

	var verdict struct {
		Score    *float64 `json:"score"`
		Feedback string   `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return service.GradeResponse{}, fmt.Errorf("%w: verdict is not JSON: %v", service.ErrGradingFailure, err)
	}
	if verdict.Score == nil {
		return service.GradeResponse{}, fmt.Errorf("%w: verdict has no score", service.ErrGradingFailure)
	}
	return service.GradeResponse{Score: *verdict.Score, Feedback: verdict.Feedback}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
