package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials authenticate the realtime connection and REST calls. The
// token is opaque to the client.
type Credentials struct {
	User  *User
	Token string
}

// devSignature is what the backend accepts in place of a signature when
// the app runs with auth checks disabled.
const devSignature = "devtoken"

// DevToken returns an unsigned token for userID. Only apps with auth
// checks disabled accept it.
func DevToken(userID string) string {
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userID}).SigningString()
	return unsigned + "." + devSignature
}

// CreateToken signs a user token with the app secret. A zero exp creates a
// token that never expires.
func CreateToken(secret, userID string, exp time.Time) (string, error) {
	if userID == "" {
		return "", errorf(KindValidation, "create token", "user id is required")
	}
	claims := jwt.MapClaims{"user_id": userID}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	return signToken(secret, claims)
}

// ServerToken signs the token server-side tools use for app-wide calls.
func ServerToken(secret string) (string, error) {
	return signToken(secret, jwt.MapClaims{"server": true})
}

func signToken(secret string, claims jwt.MapClaims) (string, error) {
	if secret == "" {
		return "", errorf(KindValidation, "sign token", "api secret is required")
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// TokenUserID reads the user_id claim without verifying the signature.
func TokenUserID(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", newError(KindValidation, "parse token", err)
	}
	id, _ := claims["user_id"].(string)
	return id, nil
}
