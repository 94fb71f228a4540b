package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

// WebhookHandlerFunc handles one verified webhook event.
type WebhookHandlerFunc func(ev *Event) error

// VerifyWebhookSignature checks signature against the HMAC-SHA256 of body
// keyed with the app secret. An optional "sha256=" prefix is accepted.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(sig)), []byte(expected)) == 1
}

// ParseWebhookEvent decodes a webhook body with the same vocabulary check
// and normalization as realtime frames.
func ParseWebhookEvent(body []byte) (*Event, error) {
	return decodeEvent(body, time.Now())
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook verifies, parses and dispatches webhook deliveries.
type Webhook struct {
	secret  string
	handler WebhookHandlerFunc
}

func NewWebhook(secret string, handler WebhookHandlerFunc) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &Webhook{secret: secret, handler: handler}, nil
}

func (w *Webhook) Verify(body []byte, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle runs verify, parse and the handler, returning the status code and
// JSON body to respond with.
func (w *Webhook) Handle(body []byte, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	if !json.Valid(body) {
		return http.StatusBadRequest, map[string]string{"error": "invalid JSON in webhook body"}
	}
	ev, err := ParseWebhookEvent(body)
	if errors.Is(err, ErrValidation) {
		// Acknowledged so the sender does not retry an event we will never accept.
		return http.StatusOK, map[string]any{"ok": true, "ignored": true}
	}
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.handler(ev); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler adapts Handle to net/http.
//
//	wh, _ := relay.NewWebhook(secret, onEvent)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		defer r.Body.Close()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}

		status, data := w.Handle(body, r.Header.Get(SignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
