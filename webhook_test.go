package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody() []byte {
	b, _ := json.Marshal(map[string]any{
		"type":       "message.new",
		"cid":        "messaging:general",
		"created_at": "2024-01-02T03:04:05.123456Z",
		"user":       map[string]any{"id": "alice"},
		"message": map[string]any{
			"id":         "m1",
			"text":       "hello from webhook",
			"created_at": "2024-01-02T03:04:05.123456Z",
			"user":       map[string]any{"id": "alice"},
		},
	})
	return b
}

func noopHandler(*Event) error { return nil }

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := webhookBody()

	t.Run("valid signature", func(t *testing.T) {
		if !VerifyWebhookSignature(body, sign(body, testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid with prefix", func(t *testing.T) {
		if !VerifyWebhookSignature(body, "sha256="+sign(body, testSecret), testSecret) {
			t.Fatal("expected valid signature with prefix")
		}
	})

	t.Run("uppercase hex", func(t *testing.T) {
		if !VerifyWebhookSignature(body, strings.ToUpper(sign(body, testSecret)), testSecret) {
			t.Fatal("expected hex comparison to ignore case")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifyWebhookSignature(body, sign(body, "wrong-secret"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		tampered := append(append([]byte(nil), body...), ' ')
		if VerifyWebhookSignature(tampered, sign(body, testSecret), testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature(nil, "abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature(body, "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature(body, "sha256=", testSecret) {
			t.Fatal("expected false for bare prefix")
		}
		if VerifyWebhookSignature(body, "abc", "") {
			t.Fatal("expected false for empty secret")
		}
	})
}

// ============================================================================
// ParseWebhookEvent
// ============================================================================

func TestParseWebhookEvent(t *testing.T) {
	t.Run("normalizes like realtime frames", func(t *testing.T) {
		ev, err := ParseWebhookEvent(webhookBody())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Type != EventMessageNew || ev.CID != "messaging:general" || ev.ChannelID != "general" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		p := ev.Payload.(MessagePayload)
		if got := FormatTimestamp(p.Message.CreatedAt); got != "2024-01-02T03:04:05.123Z" {
			t.Fatalf("created_at = %s", got)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := ParseWebhookEvent([]byte(`{"type":"user.deleted"}`))
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

// ============================================================================
// Webhook
// ============================================================================

func TestNewWebhook(t *testing.T) {
	if _, err := NewWebhook("", noopHandler); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewWebhook(testSecret, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if wh, err := NewWebhook(testSecret, noopHandler); err != nil || wh == nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWebhookHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		wh, _ := NewWebhook(testSecret, noopHandler)
		status, data := wh.Handle(webhookBody(), "bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
		if m := data.(map[string]string); m["error"] != "invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		wh, _ := NewWebhook(testSecret, noopHandler)
		body := []byte("not json")
		status, _ := wh.Handle(body, sign(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("unknown type acknowledged without handler call", func(t *testing.T) {
		called := false
		wh, _ := NewWebhook(testSecret, func(*Event) error { called = true; return nil })
		body := []byte(`{"type":"bogus.event"}`)
		status, _ := wh.Handle(body, sign(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if called {
			t.Fatal("handler must not see unknown event types")
		}
	})

	t.Run("handler error", func(t *testing.T) {
		wh, _ := NewWebhook(testSecret, func(*Event) error { return errors.New("something broke") })
		body := webhookBody()
		status, data := wh.Handle(body, sign(body, testSecret))
		if status != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", status)
		}
		if m := data.(map[string]string); !strings.Contains(m["error"], "something broke") {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})
}

func TestWebhookHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := NewWebhook(testSecret, noopHandler)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("event passed to handler", func(t *testing.T) {
		var received *Event
		wh, _ := NewWebhook(testSecret, func(ev *Event) error { received = ev; return nil })
		body := webhookBody()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
		req.Header.Set(SignatureHeader, sign(body, testSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
		if received == nil {
			t.Fatal("handler was not called")
		}
		if msg := received.Payload.(MessagePayload).Message; msg.Text != "hello from webhook" {
			t.Fatalf("unexpected text: %s", msg.Text)
		}
	})
}
