package telephony

import (
	"strings"
	"testing"
)

func TestRenderTwiMLReject(t *testing.T) {
	xml, err := RenderTwiML(ReplyReject, "", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if want := "<Reject"; !strings.Contains(xml, want) {
		t.Fatalf("expected %q in xml: %s", want, xml)
	}
}

func TestRenderTwiMLStream(t *testing.T) {
	xml, err := RenderTwiML(ReplyStream, "wss://bridge.example.com/media/twilio", map[string]string{"organization_id": "org-1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		"<Connect>",
		`<Stream url="wss://bridge.example.com/media/twilio">`,
		`<Parameter name="organization_id" value="org-1"></Parameter>`,
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderTwiMLStreamRequiresURL(t *testing.T) {
	if _, err := RenderTwiML(ReplyStream, " ", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRenderTwiMLAckIsEmptyResponse(t *testing.T) {
	xml, err := RenderTwiML(ReplyAck, "", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Response></Response>") {
		t.Fatalf("expected empty response: %s", xml)
	}
}
