package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

const (
	defaultBaseURL = "https://api.vapi.ai"
	maxErrorBody   = 4 << 10
)

// VAPIClient implements Provider against the VAPI REST API.
type VAPIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewVAPIClient constructs a client. An empty baseURL uses the public endpoint.
func NewVAPIClient(baseURL, apiKey string, timeout time.Duration) *VAPIClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VAPIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type vapiCustomer struct {
	Number string `json:"number"`
}

type vapiCreateCall struct {
	AssistantID   string            `json:"assistantId"`
	PhoneNumberID string            `json:"phoneNumberId"`
	Customer      vapiCustomer      `json:"customer"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type vapiCall struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	EndedReason string     `json:"endedReason"`
	Cost        float64    `json:"cost"`
	StartedAt   *time.Time `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt"`
	Analysis    struct {
		StructuredData map[string]any `json:"structuredData"`
	} `json:"analysis"`
}

func (c vapiCall) toCall() Call {
	call := Call{
		ID:          c.ID,
		Status:      c.Status,
		EndedReason: c.EndedReason,
		Cost:        c.Cost,
		StartedAt:   c.StartedAt,
		EndedAt:     c.EndedAt,
	}
	if v, ok := c.Analysis.StructuredData["callbackRequested"].(bool); ok {
		call.CallbackRequested = v
	}
	return call
}

// CreateCall starts an outbound call.
func (c *VAPIClient) CreateCall(ctx context.Context, req CreateCallRequest) (Call, error) {
	body, err := json.Marshal(vapiCreateCall{
		AssistantID:   req.AssistantID,
		PhoneNumberID: req.PhoneNumberID,
		Customer:      vapiCustomer{Number: req.CustomerPhone},
		Metadata:      req.Metadata,
	})
	if err != nil {
		return Call{}, fmt.Errorf("vapi: encode request: %w", err)
	}
	var out vapiCall
	if err := c.do(ctx, http.MethodPost, "/call", body, &out); err != nil {
		return Call{}, err
	}
	if out.ID == "" {
		return Call{}, fmt.Errorf("vapi: create call: missing call id: %w", apperrors.ErrProvider)
	}
	return out.toCall(), nil
}

// GetCall fetches the current state of a call.
func (c *VAPIClient) GetCall(ctx context.Context, callID string) (Call, error) {
	var out vapiCall
	if err := c.do(ctx, http.MethodGet, "/call/"+url.PathEscape(callID), nil, &out); err != nil {
		return Call{}, err
	}
	return out.toCall(), nil
}

func (c *VAPIClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("vapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vapi: %s %s: %v: %w", method, path, err, apperrors.ErrProvider)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("vapi: %s %s: status %d: %s: %w",
			method, path, resp.StatusCode, strings.TrimSpace(string(snippet)), apperrors.ErrProvider)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vapi: decode response: %v: %w", err, apperrors.ErrProvider)
	}
	return nil
}
