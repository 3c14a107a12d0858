package vigil

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// ChannelConfig describes one configured delivery channel.
type ChannelConfig struct {
	Name     string            `koanf:"name" json:"name" validate:"required"`
	Type     string            `koanf:"type" json:"type" validate:"required,oneof=webhook slack email teams sms"`
	Target   string            `koanf:"target" json:"target" validate:"required"`
	Settings map[string]string `koanf:"settings" json:"settings,omitempty"`
	Enabled  bool              `koanf:"enabled" json:"enabled"`
}

// ChannelTransport delivers a rendered threat to one channel type. Each
// channel's failure is isolated from the others by the notifier.
type ChannelTransport interface {
	Name() string
	Send(ctx context.Context, ch ChannelConfig, threat *SecurityThreat) error
}

const transportTimeout = 15 * time.Second

func newTransportClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// DefaultTransports returns the built-in transport set keyed by type.
func DefaultTransports() map[string]ChannelTransport {
	client := newTransportClient()
	transports := []ChannelTransport{
		&WebhookTransport{client: client},
		&SlackTransport{client: client},
		&EmailTransport{},
		&TeamsTransport{client: client},
		&SMSTransport{client: client},
	}
	out := make(map[string]ChannelTransport, len(transports))
	for _, t := range transports {
		out[t.Name()] = t
	}
	return out
}

func renderSubject(threat *SecurityThreat) string {
	prefix := "Security alert"
	if threat.Escalated {
		prefix = "ESCALATED security alert"
	}
	return fmt.Sprintf("%s [%s/%s] %s risk=%.0f", prefix, threat.Severity, threat.Category, threat.SourceIP, threat.RiskScore)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vigil-notifier/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// WebhookTransport posts the raw threat JSON to the configured URL, signing
// the body with HMAC-SHA256 when a secret is configured.
type WebhookTransport struct {
	client *http.Client
}

func (t *WebhookTransport) Name() string { return "webhook" }

func (t *WebhookTransport) Send(ctx context.Context, ch ChannelConfig, threat *SecurityThreat) error {
	headers := map[string]string{}
	if secret := ch.Settings["secret"]; secret != "" {
		body, err := json.Marshal(threat)
		if err != nil {
			return fmt.Errorf("webhook: marshal: %w", err)
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		headers["X-Vigil-Signature"] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}
	return postJSON(ctx, t.client, ch.Target, headers, threat)
}

// SlackTransport posts a block-formatted message to a Slack webhook.
type SlackTransport struct {
	client *http.Client
}

func (t *SlackTransport) Name() string { return "slack" }

func (t *SlackTransport) Send(ctx context.Context, ch ChannelConfig, threat *SecurityThreat) error {
	fields := []map[string]string{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Source:*\n%s", threat.SourceIP)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Endpoint:*\n%s", threat.Endpoint)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%s", threat.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Category:*\n%s", threat.Category)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:*\n%.0f", threat.RiskScore)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:*\n%.0f", threat.Confidence)},
	}
	payload := map[string]any{
		"text": renderSubject(threat),
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]string{"type": "plain_text", "text": renderSubject(threat)},
			},
			{"type": "section", "fields": fields},
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Vectors:* %s\n*Actions:* %s",
						strings.Join(threat.AttackVectors, ", "),
						strings.Join(threat.RecommendedActions, ", ")),
				},
			},
		},
	}
	return postJSON(ctx, t.client, ch.Target, nil, payload)
}

// EmailTransport delivers over SMTP. Target is the recipient; SMTP
// parameters come from channel settings.
type EmailTransport struct {
	// sendMail is swappable in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (t *EmailTransport) Name() string { return "email" }

func (t *EmailTransport) Send(_ context.Context, ch ChannelConfig, threat *SecurityThreat) error {
	host := ch.Settings["smtp_host"]
	port := ch.Settings["smtp_port"]
	from := ch.Settings["from"]
	if host == "" || port == "" || from == "" {
		return fmt.Errorf("email: smtp_host, smtp_port and from are required")
	}
	var auth smtp.Auth
	if user := ch.Settings["username"]; user != "" {
		auth = smtp.PlainAuth("", user, ch.Settings["password"], host)
	}
	body, _ := json.MarshalIndent(threat, "", "  ")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: application/json\r\n\r\n%s",
		from, ch.Target, renderSubject(threat), body)
	send := t.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(host+":"+port, auth, from, []string{ch.Target}, []byte(msg)); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

// TeamsTransport posts a MessageCard to a Teams incoming webhook.
type TeamsTransport struct {
	client *http.Client
}

func (t *TeamsTransport) Name() string { return "teams" }

func (t *TeamsTransport) Send(ctx context.Context, ch ChannelConfig, threat *SecurityThreat) error {
	color := "FFA500"
	if threat.Severity == SeverityCritical {
		color = "FF0000"
	}
	payload := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": color,
		"summary":    renderSubject(threat),
		"title":      renderSubject(threat),
		"sections": []map[string]any{{
			"facts": []map[string]string{
				{"name": "Source", "value": threat.SourceIP},
				{"name": "Endpoint", "value": threat.Endpoint},
				{"name": "Category", "value": string(threat.Category)},
				{"name": "Risk", "value": fmt.Sprintf("%.0f", threat.RiskScore)},
				{"name": "Vectors", "value": strings.Join(threat.AttackVectors, ", ")},
			},
		}},
	}
	return postJSON(ctx, t.client, ch.Target, nil, payload)
}

// SMSTransport posts a short text to an SMS gateway HTTP API. Target is the
// destination number; the gateway URL and token come from settings.
type SMSTransport struct {
	client *http.Client
}

func (t *SMSTransport) Name() string { return "sms" }

func (t *SMSTransport) Send(ctx context.Context, ch ChannelConfig, threat *SecurityThreat) error {
	gateway := ch.Settings["gateway_url"]
	if gateway == "" {
		return fmt.Errorf("sms: gateway_url is required")
	}
	headers := map[string]string{}
	if token := ch.Settings["token"]; token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	payload := map[string]string{
		"to":      ch.Target,
		"message": renderSubject(threat),
	}
	return postJSON(ctx, t.client, gateway, headers, payload)
}
