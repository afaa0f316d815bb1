package ipfs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"knowledge-pipeline/internal/models"
)

func TestPinJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pinning/pinJSONToIPFS" {
			t.Errorf("path %q", r.URL.Path)
		}
		if r.Header.Get("pinata_api_key") != "key" || r.Header.Get("pinata_secret_api_key") != "secret" {
			t.Errorf("missing auth headers")
		}
		var req pinJSONRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		content, _ := req.PinataContent.(map[string]any)
		if content["name"] != "Focus Guide" {
			t.Errorf("content %+v", content)
		}
		_, _ = w.Write([]byte(`{"IpfsHash":"QmTest123"}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewPinataClient(PinataOptions{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	uri, err := client.PinJSON(context.Background(), models.NFTMetadata{Name: "Focus Guide"})
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if uri != "ipfs://QmTest123" {
		t.Fatalf("uri %q", uri)
	}
}

func TestPinJSONRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	client, err := NewPinataClient(PinataOptions{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := client.PinJSON(context.Background(), map[string]string{"a": "b"}); err == nil {
		t.Fatalf("expected error")
	}
}
