package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"storybridge/internal/domain"
)

// Verifier authenticates project board webhook calls by the hex-encoded
// HMAC-SHA256 of the raw body.
type Verifier struct {
	secret []byte
	log    *slog.Logger
}

// NewVerifier builds a verifier. An empty secret puts it in open mode where
// every call is accepted.
func NewVerifier(ctx context.Context, secret string, log *slog.Logger) *Verifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		log.WarnContext(ctx, "Webhook secret is not configured so signatures are not verified",
			"envVar", "WEBHOOK_SECRET")
	}

	return &Verifier{secret: []byte(secret), log: log}
}

// Open reports whether verification is bypassed.
func (v *Verifier) Open() bool {
	return len(v.secret) == 0
}

func (v *Verifier) Verify(signature string, body []byte) bool {
	if v.Open() {
		return true
	}

	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}

	return hmac.Equal(got, Sign(v.secret, body))
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret []byte, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	return mac.Sum(nil)
}

// SignHex returns the header value a sender would attach to body.
func SignHex(secret string, body []byte) string {
	return hex.EncodeToString(Sign([]byte(secret), body))
}

func ParseEvent(body []byte) (domain.ChangeEvent, error) {
	var event domain.ChangeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("%w: unmarshal event: %w", domain.ErrParse, err)
	}

	return event, nil
}
