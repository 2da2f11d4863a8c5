// Package webhook delivers alerts to an external HTTP endpoint with an
// HMAC-SHA256 signature header so receivers can authenticate the sender.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/domain/alert"
)

const (
	signatureHeader = "X-Aegis-Signature"
	deliveryTimeout = 10 * time.Second
)

// Notifier posts alert payloads to a single configured endpoint. It satisfies
// alert.Notifier; retry policy lives in the caller.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	log    zerolog.Logger
}

// NewNotifier builds a webhook notifier. An empty secret disables signing.
func NewNotifier(url, secret string, log zerolog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: deliveryTimeout},
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// payload is the wire shape of an outbound alert notification.
type payload struct {
	AlertID   string    `json:"alert_id"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Status    string    `json:"status"`
	PatientID string    `json:"patient_id,omitempty"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail,omitempty"`
	Channel   string    `json:"channel"`
	SentAt    time.Time `json:"sent_at"`
}

// Deliver posts one alert. Any non-2xx response is an error so the caller's
// retry policy kicks in.
func (n *Notifier) Deliver(ctx context.Context, a *alert.Alert, channel string) error {
	p := payload{
		AlertID:   a.AlertID,
		Kind:      a.Kind,
		Severity:  string(a.Severity),
		Status:    string(a.Status),
		PatientID: a.PatientID,
		Summary:   a.Summary,
		Channel:   channel,
		SentAt:    time.Now().UTC(),
	}
	if a.Detail != nil {
		p.Detail = *a.Detail
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(signatureHeader, SignPayload(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert %s: %w", a.AlertID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d for alert %s", resp.StatusCode, a.AlertID)
	}
	n.log.Debug().Str("alert_id", a.AlertID).Str("channel", channel).Msg("alert delivered")
	return nil
}

// SignPayload computes the signature header value for a payload.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the payload.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(body, secret)), []byte(signature))
}
