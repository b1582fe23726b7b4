package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// HMACAuth signs the connection handshake with an API key pair. The
// signature covers the nonce so each handshake is single use.
type HMACAuth struct {
	APIKey string
	Secret string

	// now is swappable for tests.
	now func() time.Time
}

// NewHMACAuth builds an authenticator for the given key pair.
func NewHMACAuth(apiKey, secret string) *HMACAuth {
	return &HMACAuth{APIKey: apiKey, Secret: secret, now: time.Now}
}

func (a *HMACAuth) Headers() (http.Header, error) {
	if a.APIKey == "" || a.Secret == "" {
		return nil, errors.New("empty api credentials")
	}
	nonce := strconv.FormatInt(a.now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write([]byte(nonce))

	header := http.Header{}
	header.Set("APIKEY", a.APIKey)
	header.Set("NONCE", nonce)
	header.Set("SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
	return header, nil
}

func (a *HMACAuth) LoginPayload() ([]byte, error) {
	return sonic.Marshal(map[string]string{"command": "hmac_login"})
}

// VerifyLogin accepts only an explicit login ack. Anything else means
// the venue rejected the credentials.
func (a *HMACAuth) VerifyLogin(ack []byte) error {
	var frame struct {
		Kind string `json:"kind"`
	}
	if err := sonic.Unmarshal(ack, &frame); err != nil {
		return errors.Wrap(err, "parse login ack")
	}
	if frame.Kind != "login" {
		return errors.New("login not acknowledged, got kind " + frame.Kind)
	}
	return nil
}
