package authtoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestExpiresAt(t *testing.T) {
	t.Parallel()

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	token := signed(t, jwt.MapClaims{"exp": exp.Unix()})

	got, ok := ExpiresAt(token)
	require.True(t, ok)
	require.True(t, got.Equal(exp))

	_, ok = ExpiresAt(signed(t, jwt.MapClaims{"sub": "u1"}))
	require.False(t, ok)

	_, ok = ExpiresAt("not-a-jwt")
	require.False(t, ok)
}

func TestExpiringSoon(t *testing.T) {
	t.Parallel()

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	token := signed(t, jwt.MapClaims{"exp": now.Add(2 * time.Minute).Unix()})

	require.True(t, ExpiringSoon(token, now, 5*time.Minute))
	require.False(t, ExpiringSoon(token, now, time.Minute))
	require.False(t, ExpiringSoon("opaque", now, time.Hour))
}

func TestCustomerID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "cust-1", CustomerID(signed(t, jwt.MapClaims{"customerId": "cust-1"})))
	require.Equal(t, "cust-2", CustomerID(signed(t, jwt.MapClaims{"customer_id": " cust-2 "})))
	require.Empty(t, CustomerID(signed(t, jwt.MapClaims{"sub": "u1"})))
	require.Empty(t, CustomerID(""))
}
