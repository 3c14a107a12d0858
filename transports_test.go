package vigil

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookThreat() *SecurityThreat {
	return &SecurityThreat{
		ID:            "t-1",
		Timestamp:     time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		Severity:      SeverityCritical,
		Category:      CategoryPattern,
		SourceIP:      "1.1.1.1",
		Endpoint:      "/api/users",
		RiskScore:     92,
		Confidence:    88,
		AttackVectors: []string{"sql_injection"},
	}
}

func TestWebhookTransportSignsPayload(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Vigil-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := &WebhookTransport{client: srv.Client()}
	ch := ChannelConfig{Name: "hook", Type: "webhook", Target: srv.URL, Settings: map[string]string{"secret": "s3cret"}, Enabled: true}
	require.NoError(t, tr.Send(context.Background(), ch, webhookThreat()))

	var decoded SecurityThreat
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "t-1", decoded.ID)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestWebhookTransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := &WebhookTransport{client: srv.Client()}
	ch := ChannelConfig{Name: "hook", Type: "webhook", Target: srv.URL, Enabled: true}
	assert.Error(t, tr.Send(context.Background(), ch, webhookThreat()))
}

func TestSlackTransportPayloadShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := &SlackTransport{client: srv.Client()}
	ch := ChannelConfig{Name: "slack", Type: "slack", Target: srv.URL, Enabled: true}
	require.NoError(t, tr.Send(context.Background(), ch, webhookThreat()))
	assert.Contains(t, got, "blocks")
	assert.Contains(t, got["text"], "1.1.1.1")
}

func TestSMSTransportRequiresGateway(t *testing.T) {
	tr := &SMSTransport{client: &http.Client{}}
	ch := ChannelConfig{Name: "sms", Type: "sms", Target: "+1555", Enabled: true}
	assert.Error(t, tr.Send(context.Background(), ch, webhookThreat()))
}

func TestEmailTransport(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	tr := &EmailTransport{
		sendMail: func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo = addr, from, to
			assert.Contains(t, string(msg), "Subject:")
			return nil
		},
	}
	ch := ChannelConfig{
		Name: "mail", Type: "email", Target: "sec@example.com", Enabled: true,
		Settings: map[string]string{"smtp_host": "mail.example.com", "smtp_port": "587", "from": "vigil@example.com"},
	}
	require.NoError(t, tr.Send(context.Background(), ch, webhookThreat()))
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "vigil@example.com", gotFrom)
	assert.Equal(t, []string{"sec@example.com"}, gotTo)
}

func TestEmailTransportMissingSettings(t *testing.T) {
	tr := &EmailTransport{}
	ch := ChannelConfig{Name: "mail", Type: "email", Target: "sec@example.com", Enabled: true}
	assert.Error(t, tr.Send(context.Background(), ch, webhookThreat()))
}

func TestRenderSubject(t *testing.T) {
	th := webhookThreat()
	assert.Contains(t, renderSubject(th), "Security alert")
	th.Escalated = true
	assert.Contains(t, renderSubject(th), "ESCALATED")
}

func TestDefaultTransportsCoverConfiguredTypes(t *testing.T) {
	transports := DefaultTransports()
	for _, typ := range []string{"webhook", "slack", "email", "teams", "sms"} {
		assert.Contains(t, transports, typ)
	}
}
