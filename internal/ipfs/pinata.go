// Package ipfs pins content to a content-addressed storage network through
// a Pinata-compatible pinning API.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Pinner stores a JSON document on the network and returns its ipfs:// URI.
type Pinner interface {
	PinJSON(ctx context.Context, v any) (string, error)
}

const pinataDefaultTimeout = 30 * time.Second

// PinataClient talks to the Pinata pinning API.
type PinataClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
}

type PinataOptions struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
}

func NewPinataClient(opts PinataOptions) (*PinataClient, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("pinata api key and secret are required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.pinata.cloud"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: pinataDefaultTimeout}
	}
	return &PinataClient{
		baseURL:   baseURL,
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		client:    client,
	}, nil
}

type pinJSONRequest struct {
	PinataMetadata pinMetadata `json:"pinataMetadata"`
	PinataOptions  pinOptions  `json:"pinataOptions"`
	PinataContent  any         `json:"pinataContent"`
}

type pinMetadata struct {
	Name string `json:"name"`
}

type pinOptions struct {
	CIDVersion int `json:"cidVersion"`
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// PinJSON pins the document and returns its ipfs:// URI.
func (c *PinataClient) PinJSON(ctx context.Context, v any) (string, error) {
	payload := pinJSONRequest{
		PinataMetadata: pinMetadata{Name: fmt.Sprintf("metadata_%d", time.Now().UnixMilli())},
		PinataOptions:  pinOptions{CIDVersion: 1},
		PinataContent:  v,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", fmt.Errorf("pinata: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pinning/pinJSONToIPFS", &buf)
	if err != nil {
		return "", fmt.Errorf("pinata: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("pinata_api_key", c.apiKey)
	req.Header.Set("pinata_secret_api_key", c.apiSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinata: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("pinata: pin rejected with status %d", resp.StatusCode)
	}
	var out pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pinata: decode response: %w", err)
	}
	if out.IpfsHash == "" {
		return "", errors.New("pinata: empty hash in response")
	}
	return "ipfs://" + out.IpfsHash, nil
}

var _ Pinner = (*PinataClient)(nil)
