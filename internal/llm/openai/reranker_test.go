package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func chatServer(t *testing.T, content string, tokens int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var resp chatResponse
		resp.Choices = make([]struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		}, 1)
		resp.Choices[0].Message.Role = "assistant"
		resp.Choices[0].Message.Content = content
		resp.Usage.TotalTokens = tokens

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testReranker(t *testing.T, url string) *Reranker {
	t.Helper()
	return NewReranker(&Config{
		APIKey:  "test-key",
		BaseURL: url,
		Model:   "test-model",
		Logger:  zap.NewNop(),
	})
}

func TestReranker_Similarity(t *testing.T) {
	server := chatServer(t, `[{"index": 0, "score": 0.9}, {"index": 1, "score": 0.2}]`, 30)
	defer server.Close()

	rr := testReranker(t, server.URL)

	scores, tokens, err := rr.Similarity(context.Background(), "query", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Similarity failed: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(scores))
	}
	if scores[0] != 0.9 || scores[1] != 0.2 {
		t.Errorf("unexpected scores: %v", scores)
	}
	if tokens != 30 {
		t.Errorf("expected tokens=30, got %d", tokens)
	}
}

func TestReranker_Similarity_FencedJSON(t *testing.T) {
	server := chatServer(t, "```json\n[{\"index\": 0, \"score\": 0.5}]\n```", 10)
	defer server.Close()

	rr := testReranker(t, server.URL)

	scores, _, err := rr.Similarity(context.Background(), "query", []string{"a"})
	if err != nil {
		t.Fatalf("Similarity failed: %v", err)
	}
	if scores[0] != 0.5 {
		t.Errorf("expected fenced JSON to parse, got %v", scores)
	}
}

func TestReranker_Similarity_BadScoresYieldZeros(t *testing.T) {
	server := chatServer(t, "sorry, I cannot do that", 10)
	defer server.Close()

	rr := testReranker(t, server.URL)

	scores, _, err := rr.Similarity(context.Background(), "query", []string{"a", "b"})
	if err != nil {
		t.Fatalf("unparsable scores must not fail the request: %v", err)
	}
	if len(scores) != 2 || scores[0] != 0 || scores[1] != 0 {
		t.Errorf("expected zero scores, got %v", scores)
	}
}

func TestReranker_Similarity_OutOfRangeIndexIgnored(t *testing.T) {
	server := chatServer(t, `[{"index": 5, "score": 0.9}, {"index": 0, "score": 0.4}]`, 10)
	defer server.Close()

	rr := testReranker(t, server.URL)

	scores, _, err := rr.Similarity(context.Background(), "query", []string{"a"})
	if err != nil {
		t.Fatalf("Similarity failed: %v", err)
	}
	if len(scores) != 1 || scores[0] != 0.4 {
		t.Errorf("expected out-of-range index ignored, got %v", scores)
	}
}

func TestReranker_Similarity_Empty(t *testing.T) {
	rr := testReranker(t, "http://unused")

	scores, tokens, err := rr.Similarity(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scores) != 0 || tokens != 0 {
		t.Errorf("expected empty result, got %v / %d", scores, tokens)
	}
}

func TestReranker_Similarity_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	rr := testReranker(t, server.URL)

	_, _, err := rr.Similarity(context.Background(), "query", []string{"a"})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
}
