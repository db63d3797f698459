package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DialRequest asks the vendor to place one outbound call. CustomField
// carries the pre-dial lease token; the vendor echoes it back on every
// webhook so the handler can perform the token-matched lease upgrade.
type DialRequest struct {
	CallID      string            `json:"callId"`
	To          string            `json:"to"`
	From        string            `json:"from"`
	CustomField string            `json:"customField"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DialResult is the vendor's synchronous acknowledgment.
type DialResult struct {
	VendorCallID string `json:"callSid"`
}

// Initiator is the telephony-vendor surface the dispatch pipeline consumes.
type Initiator interface {
	PlaceCall(ctx context.Context, req DialRequest) (*DialResult, error)
	Hangup(ctx context.Context, vendorCallID string) error
}

// VendorError classifies a vendor failure. Temporary errors count against
// the circuit breaker and the job retries; permanent errors terminate the
// contact.
type VendorError struct {
	Code      string
	Message   string
	Temporary bool
}

func (e *VendorError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	return fmt.Sprintf("vendor %s error %s: %s", kind, e.Code, e.Message)
}

// IsTemporary reports whether err is a retryable vendor failure. Timeouts
// and connection errors are treated as temporary.
func IsTemporary(err error) bool {
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve.Temporary
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Client talks to the vendor's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a vendor client with the configured timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// PlaceCall submits the dial request. A 2xx with a call sid means the
// vendor accepted the call; lease upgrade waits for the first webhook.
func (c *Client) PlaceCall(ctx context.Context, req DialRequest) (*DialResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &VendorError{Code: "network_error", Message: err.Error(), Temporary: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &VendorError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: "vendor server error", Temporary: true}
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &VendorError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: string(data), Temporary: false}
	}

	var result DialResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &VendorError{Code: "bad_response", Message: err.Error(), Temporary: true}
	}
	if result.VendorCallID == "" {
		return nil, &VendorError{Code: "missing_call_sid", Message: "vendor returned no call id", Temporary: true}
	}
	return &result, nil
}

// Hangup requests termination of an in-flight call. Failure is tolerated:
// the janitor releases the lease after TTL.
func (c *Client) Hangup(ctx context.Context, vendorCallID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/calls/%s/hangup", c.baseURL, vendorCallID), nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &VendorError{Code: "network_error", Message: err.Error(), Temporary: true}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &VendorError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: "hangup failed", Temporary: resp.StatusCode >= 500}
	}
	return nil
}

// WebhookEvent is the inbound status callback from the vendor.
type WebhookEvent struct {
	CallSid      string `json:"CallSid"`
	Status       string `json:"Status"`
	CustomField  string `json:"CustomField"`
	Duration     int    `json:"Duration"`
	AnsweredBy   string `json:"AnsweredBy,omitempty"` // "human" | "machine"
	RecordingURL string `json:"RecordingUrl,omitempty"`
}

// VoicemailDetected reports whether the vendor's answering-machine
// detection flagged the call.
func (e *WebhookEvent) VoicemailDetected() bool {
	return e.AnsweredBy == "machine"
}
