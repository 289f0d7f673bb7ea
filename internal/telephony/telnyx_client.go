package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"telephony-bridge/internal/calls"
)

const telnyxDefaultBaseURL = "https://api.telnyx.com/v2"

type TelnyxClientConfig struct {
	APIKey string
	// ConnectionID is the Call Control application id.
	ConnectionID string
	BaseURL      string

	WebhookURL string
	StreamURL  string

	HTTPClient *http.Client
}

// TelnyxClient drives Telnyx Call Control.
type TelnyxClient struct {
	cfg  TelnyxClientConfig
	http *http.Client
}

func NewTelnyxClient(cfg TelnyxClientConfig) *TelnyxClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = telnyxDefaultBaseURL
	}
	return &TelnyxClient{cfg: cfg, http: defaultHTTPClient(cfg.HTTPClient)}
}

func (c *TelnyxClient) Provider() calls.Provider { return calls.ProviderTelnyx }

type telnyxResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
		CallSessionID string `json:"call_session_id"`
		IsAlive       bool   `json:"is_alive"`
	} `json:"data"`
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (c *TelnyxClient) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	body := map[string]any{
		"connection_id": c.cfg.ConnectionID,
		"to":            req.To,
		"from":          req.From,
		"webhook_url":   c.cfg.WebhookURL,
		"stream_url":    c.cfg.StreamURL,
		"stream_track":  "inbound_track",
	}
	var out telnyxResponse
	if err := c.post(ctx, "originate", c.cfg.BaseURL+"/calls", body, &out); err != nil {
		return OriginateResult{}, err
	}
	if out.Data.CallControlID == "" {
		return OriginateResult{}, &APIError{Provider: calls.ProviderTelnyx, Status: http.StatusOK, Message: "response without call_control_id"}
	}
	return OriginateResult{CallID: out.Data.CallControlID, Status: "initiated"}, nil
}

// Answer answers an inbound call with streaming to the bridge media endpoint.
func (c *TelnyxClient) Answer(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "answer", map[string]any{
		"stream_url":   c.cfg.StreamURL,
		"stream_track": "inbound_track",
	})
}

func (c *TelnyxClient) Hangup(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "hangup", map[string]any{})
}

func (c *TelnyxClient) action(ctx context.Context, callID, action string, params map[string]any) error {
	endpoint := fmt.Sprintf("%s/calls/%s/actions/%s", c.cfg.BaseURL, url.PathEscape(callID), action)
	return c.post(ctx, action, endpoint, params, nil)
}

func (c *TelnyxClient) post(ctx context.Context, operation, endpoint string, payload any, result any) error {
	defer observeRequest(calls.ProviderTelnyx, operation, time.Now())

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	body, err := readBody(resp)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Provider: calls.ProviderTelnyx, Status: resp.StatusCode, Message: string(body)}
		var tr telnyxResponse
		if json.Unmarshal(body, &tr) == nil && len(tr.Errors) > 0 {
			apiErr.Code = tr.Errors[0].Code
			apiErr.Message = tr.Errors[0].Title
			if tr.Errors[0].Detail != "" {
				apiErr.Message += ": " + tr.Errors[0].Detail
			}
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("telnyx: parse response: %w", err)
		}
	}
	return nil
}
