package relay

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestDevToken(t *testing.T) {
	token := DevToken("alice")
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[2] != "devtoken" {
		t.Fatalf("token = %s", token)
	}
	id, err := TokenUserID(token)
	if err != nil || id != "alice" {
		t.Fatalf("TokenUserID = %q, %v", id, err)
	}
}

func TestCreateTokenVerifiesWithSecret(t *testing.T) {
	exp := time.Unix(1700000000, 0)
	token, err := CreateToken("secret", "alice", exp)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte("secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		t.Fatalf("verify: %v", err)
	}
	if claims["user_id"] != "alice" || claims["exp"] != float64(1700000000) {
		t.Fatalf("claims = %v", claims)
	}

	_, err = jwt.Parse(token, func(*jwt.Token) (any, error) {
		return []byte("other"), nil
	}, jwt.WithoutClaimsValidation())
	if !errors.Is(err, jwt.ErrSignatureInvalid) {
		t.Fatalf("wrong secret: %v", err)
	}

	noExp, _ := CreateToken("secret", "alice", time.Time{})
	raw, _ := base64.RawURLEncoding.DecodeString(strings.Split(noExp, ".")[1])
	if strings.Contains(string(raw), "exp") {
		t.Fatalf("zero exp still set: %s", raw)
	}
	if id, err := TokenUserID(noExp); err != nil || id != "alice" {
		t.Fatalf("TokenUserID = %q, %v", id, err)
	}
}

func TestTokenErrors(t *testing.T) {
	if _, err := CreateToken("", "alice", time.Time{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing secret: %v", err)
	}
	if _, err := CreateToken("secret", "", time.Time{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing user: %v", err)
	}
	for _, bad := range []string{"", "a.b", "a.!!!.c", "a." + base64.RawURLEncoding.EncodeToString([]byte("[]")) + ".c"} {
		if _, err := TokenUserID(bad); !errors.Is(err, ErrValidation) {
			t.Errorf("TokenUserID(%q) = %v", bad, err)
		}
	}
}

func TestServerToken(t *testing.T) {
	token, err := ServerToken("secret")
	if err != nil {
		t.Fatalf("ServerToken: %v", err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(strings.Split(token, ".")[1])
	if string(raw) != `{"server":true}` {
		t.Fatalf("claims = %s", raw)
	}
}
