package genai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func openAIServer(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewOpenAIClient(OpenAIOptions{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return client
}

func TestOpenAIGenerate(t *testing.T) {
	client := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  hello world  "}}]}`))
	})

	out, err := client.Generate(context.Background(), "sys", "user", 100, 0.7)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("got %q", out)
	}
}

func TestOpenAIRateLimitIsRetryable(t *testing.T) {
	client := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Generate(context.Background(), "sys", "user", 100, 0.7)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRetryable(err) {
		t.Fatalf("429 should be retryable: %v", err)
	}
}

func TestOpenAIServerErrorIsRetryable(t *testing.T) {
	client := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Generate(context.Background(), "sys", "user", 100, 0.7)
	if !IsRetryable(err) {
		t.Fatalf("500 should be retryable: %v", err)
	}
}

func TestOpenAIBadRequestIsNotRetryable(t *testing.T) {
	client := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Generate(context.Background(), "sys", "user", 100, 0.7)
	if err == nil {
		t.Fatalf("expected error")
	}
	if IsRetryable(err) {
		t.Fatalf("400 must not be retryable: %v", err)
	}
}

func TestOpenAIGenerateImage(t *testing.T) {
	client := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"url":"https://cdn.example/img.png"}]}`))
	})

	url, err := client.GenerateImage(context.Background(), "a cat", "")
	if err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if url != "https://cdn.example/img.png" {
		t.Fatalf("got %q", url)
	}
}

func TestOpenAIEmptyChoices(t *testing.T) {
	client := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	if _, err := client.Generate(context.Background(), "sys", "user", 100, 0.7); err == nil {
		t.Fatalf("expected error for empty choices")
	}
}
