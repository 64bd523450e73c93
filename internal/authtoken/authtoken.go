// Package authtoken reads claims from bearer tokens without verifying them.
//
// Nothing here is a security decision: the server verifies every token. The
// claims only drive client control flow such as proactive refresh and
// skipping an identity lookup round trip.
package authtoken

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// customerClaimKeys are the claim names the identity provider has used for
// the customer id.
var customerClaimKeys = []string{"customerId", "customer_id", "cid"}

func parse(token string) (jwt.MapClaims, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// ExpiresAt returns the expiry encoded in token, if present.
func ExpiresAt(token string) (time.Time, bool) {
	claims, ok := parse(token)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ExpiringSoon reports whether token expires within window of now. Tokens
// without a readable expiry are treated as not expiring; the server will
// reject them if needed.
func ExpiringSoon(token string, now time.Time, window time.Duration) bool {
	exp, ok := ExpiresAt(token)
	if !ok {
		return false
	}
	return exp.Sub(now) <= window
}

// CustomerID returns the customer id claim, or "" when the token has none.
func CustomerID(token string) string {
	claims, ok := parse(token)
	if !ok {
		return ""
	}
	for _, key := range customerClaimKeys {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
