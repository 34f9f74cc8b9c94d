package coinbase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/orderup/agent/internal/config"
)

// Signature carries the per-request authentication material attached as
// CB-ACCESS-* headers. It is derived fresh for every call and never reused:
// the exchange validates timestamp freshness, so a cached signature risks
// rejection for staleness.
type Signature struct {
	Timestamp int64
	Key       string
	Digest    string
}

// Signer derives request signatures from the configured API credentials.
type Signer struct {
	apiKey    string
	apiSecret string
}

func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: apiSecret}
}

// Sign computes the HMAC-SHA256 digest over timestamp + method + path + body,
// keyed with the raw API secret and encoded as lowercase hex. The timestamp is
// captured at call time in unix seconds.
func (s *Signer) Sign(method, path, body string) (Signature, error) {
	return s.signAt(time.Now().Unix(), method, path, body)
}

func (s *Signer) signAt(ts int64, method, path, body string) (Signature, error) {
	if s.apiKey == "" || s.apiSecret == "" {
		return Signature{}, config.ErrMissingCredentials
	}

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + method + path + body))

	return Signature{
		Timestamp: ts,
		Key:       s.apiKey,
		Digest:    hex.EncodeToString(mac.Sum(nil)),
	}, nil
}
