package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHMACAuthHeaders(t *testing.T) {
	a := NewHMACAuth("key", "secret")
	a.now = func() time.Time { return time.UnixMilli(1700000000000) }

	header, err := a.Headers()
	require.NoError(t, err)
	require.Equal(t, "key", header.Get("APIKEY"))
	require.Equal(t, "1700000000000", header.Get("NONCE"))

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000000"))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), header.Get("SIGNATURE"))
}

func TestHMACAuthRequiresCredentials(t *testing.T) {
	_, err := NewHMACAuth("", "").Headers()
	require.Error(t, err)
}

func TestHMACAuthVerifyLogin(t *testing.T) {
	a := NewHMACAuth("key", "secret")
	require.NoError(t, a.VerifyLogin([]byte(`{"kind":"login"}`)))
	require.Error(t, a.VerifyLogin([]byte(`{"kind":"error"}`)))
	require.Error(t, a.VerifyLogin([]byte(`garbage`)))
}
