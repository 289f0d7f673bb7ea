package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"telephony-bridge/internal/calls"
)

const twilioDefaultBaseURL = "https://api.twilio.com/2010-04-01"

type TwilioClientConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string

	// StatusCallbackURL receives call progress webhooks (POST /webhooks/twilio).
	StatusCallbackURL string
	// StreamURL is the bridge media endpoint dialed by <Connect><Stream>.
	StreamURL string

	HTTPClient *http.Client
}

// TwilioClient calls the Twilio Calls resource.
type TwilioClient struct {
	cfg  TwilioClientConfig
	http *http.Client
}

func NewTwilioClient(cfg TwilioClientConfig) *TwilioClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioDefaultBaseURL
	}
	return &TwilioClient{cfg: cfg, http: defaultHTTPClient(cfg.HTTPClient)}
}

func (c *TwilioClient) Provider() calls.Provider { return calls.ProviderTwilio }

type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (c *TwilioClient) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	twiml, err := RenderTwiML(ReplyStream, c.cfg.StreamURL, map[string]string{"organization_id": req.OrganizationID})
	if err != nil {
		return OriginateResult{}, err
	}

	data := url.Values{}
	data.Set("To", req.To)
	data.Set("From", req.From)
	data.Set("Twiml", twiml)
	data.Set("StatusCallback", c.cfg.StatusCallbackURL)
	data.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		data.Add("StatusCallbackEvent", ev)
	}

	var call twilioCall
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.cfg.BaseURL, c.cfg.AccountSID)
	if err := c.post(ctx, "originate", endpoint, data, &call); err != nil {
		return OriginateResult{}, err
	}
	if call.SID == "" {
		return OriginateResult{}, &APIError{Provider: calls.ProviderTwilio, Status: http.StatusOK, Message: "response without call sid"}
	}
	return OriginateResult{CallID: call.SID, Status: call.Status}, nil
}

// Answer is a no-op: Twilio inbound calls are answered by the TwiML webhook reply.
func (c *TwilioClient) Answer(context.Context, string) error { return nil }

func (c *TwilioClient) Hangup(ctx context.Context, callID string) error {
	data := url.Values{}
	data.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.cfg.BaseURL, c.cfg.AccountSID, url.PathEscape(callID))
	return c.post(ctx, "hangup", endpoint, data, nil)
}

func (c *TwilioClient) post(ctx context.Context, operation, endpoint string, data url.Values, result any) error {
	defer observeRequest(calls.ProviderTwilio, operation, time.Now())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	body, err := readBody(resp)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Provider: calls.ProviderTwilio, Status: resp.StatusCode, Message: string(body)}
		var te twilioError
		if json.Unmarshal(body, &te) == nil && te.Message != "" {
			apiErr.Code = strconv.Itoa(te.Code)
			apiErr.Message = te.Message
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("twilio: parse response: %w", err)
		}
	}
	return nil
}
