package coinbase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/orderup/agent/internal/config"
)

func TestSignMatchesReferenceHMAC(t *testing.T) {
	s := NewSigner("key-1", "secret-1")

	const ts = int64(1700000000)
	sig, err := s.signAt(ts, "GET", "/api/v3/brokerage/accounts", "")
	if err != nil {
		t.Fatalf("signAt() error = %v", err)
	}

	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write([]byte("1700000000GET/api/v3/brokerage/accounts"))
	want := hex.EncodeToString(mac.Sum(nil))

	if sig.Digest != want {
		t.Fatalf("digest = %s, want %s", sig.Digest, want)
	}
	if sig.Timestamp != ts {
		t.Fatalf("timestamp = %d, want %d", sig.Timestamp, ts)
	}
	if sig.Key != "key-1" {
		t.Fatalf("key = %s, want key-1", sig.Key)
	}
}

func TestSignCoversBody(t *testing.T) {
	s := NewSigner("k", "s")

	withBody, err := s.signAt(1, "POST", "/api/v3/brokerage/orders", `{"product_id":"BTC-USDC"}`)
	if err != nil {
		t.Fatalf("signAt() error = %v", err)
	}
	withoutBody, err := s.signAt(1, "POST", "/api/v3/brokerage/orders", "")
	if err != nil {
		t.Fatalf("signAt() error = %v", err)
	}
	if withBody.Digest == withoutBody.Digest {
		t.Fatalf("digest should change when the body changes")
	}
}

func TestSignDeterministicForFixedTimestamp(t *testing.T) {
	s := NewSigner("k", "s")

	first, err := s.signAt(42, "GET", "/path", "")
	if err != nil {
		t.Fatalf("signAt() error = %v", err)
	}
	second, err := s.signAt(42, "GET", "/path", "")
	if err != nil {
		t.Fatalf("signAt() error = %v", err)
	}
	if first.Digest != second.Digest {
		t.Fatalf("digests differ for identical input: %s vs %s", first.Digest, second.Digest)
	}
}

func TestSignMissingCredentials(t *testing.T) {
	cases := []struct {
		name   string
		key    string
		secret string
	}{
		{"no secret", "key", ""},
		{"no key", "", "secret"},
		{"neither", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSigner(tc.key, tc.secret)
			if _, err := s.Sign("GET", "/p", ""); !errors.Is(err, config.ErrMissingCredentials) {
				t.Fatalf("Sign() error = %v, want ErrMissingCredentials", err)
			}
		})
	}
}
