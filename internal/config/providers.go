package config

type field struct {
	name   string // status key
	env    string
	set    bool
	dialer bool // required to originate calls
}

func (t TwilioConfig) fields(b BridgeConfig) []field {
	return []field{
		{"account_sid", "TWILIO_ACCOUNT_SID", t.AccountSID != "", true},
		{"auth_token", "TWILIO_AUTH_TOKEN", t.AuthToken != "", true},
		{"from_number", "TWILIO_FROM_NUMBER", t.FromNumber != "", true},
		{"webhook_base_url", "PUBLIC_BASE_URL", b.PublicBaseURL != "", true},
		{"media_stream_url", "MEDIA_STREAM_URL", b.MediaStreamURL != "", true},
	}
}

func (t TelnyxConfig) fields(b BridgeConfig) []field {
	return []field{
		{"api_key", "TELNYX_API_KEY", t.APIKey != "", true},
		{"connection_id", "TELNYX_CONNECTION_ID", t.ConnectionID != "", true},
		{"from_number", "TELNYX_FROM_NUMBER", t.FromNumber != "", true},
		{"webhook_public_key", "TELNYX_PUBLIC_KEY", t.PublicKey != "", false},
		{"webhook_base_url", "PUBLIC_BASE_URL", b.PublicBaseURL != "", true},
		{"media_stream_url", "MEDIA_STREAM_URL", b.MediaStreamURL != "", true},
	}
}

// Status reports, per setting, whether it is present. Values are never exposed.
func (t TwilioConfig) Status(b BridgeConfig) map[string]bool { return status(t.fields(b)) }

// Missing lists the env vars that must be set before calls can be placed.
func (t TwilioConfig) Missing(b BridgeConfig) []string { return missing(t.fields(b)) }

func (t TelnyxConfig) Status(b BridgeConfig) map[string]bool { return status(t.fields(b)) }

func (t TelnyxConfig) Missing(b BridgeConfig) []string { return missing(t.fields(b)) }

// ProviderStatus is Status for the named provider; nil for unknown names.
func (c Config) ProviderStatus(provider string) map[string]bool {
	switch provider {
	case "twilio":
		return c.Twilio.Status(c.Bridge)
	case "telnyx":
		return c.Telnyx.Status(c.Bridge)
	}
	return nil
}

func (c Config) ProviderMissing(provider string) []string {
	switch provider {
	case "twilio":
		return c.Twilio.Missing(c.Bridge)
	case "telnyx":
		return c.Telnyx.Missing(c.Bridge)
	}
	return []string{"DEFAULT_PROVIDER"}
}

func status(fs []field) map[string]bool {
	out := make(map[string]bool, len(fs))
	for _, f := range fs {
		out[f.name] = f.set
	}
	return out
}

func missing(fs []field) []string {
	var out []string
	for _, f := range fs {
		if f.dialer && !f.set {
			out = append(out, f.env)
		}
	}
	return out
}
