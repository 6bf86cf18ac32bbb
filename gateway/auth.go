package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceWindow   = 10 * time.Minute
)

var (
	errMissingCredentials = errors.New("missing authentication headers")
	errUnknownAPIKey      = errors.New("unknown api key")
	errStaleTimestamp     = errors.New("timestamp outside allowed window")
	errReplayedNonce      = errors.New("nonce already used")
	errBadSignature       = errors.New("signature mismatch")
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
// The signed payload is timestamp, nonce, method, path and the request body.
type Authenticator struct {
	secrets map[string]string
	skew    time.Duration
	window  time.Duration
	nowFn   func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]time.Time
}

// NewAuthenticator builds an Authenticator keyed by the provided secrets.
// The map holds API key identifiers mapped to their shared secret.
func NewAuthenticator(secrets map[string]string, skew time.Duration, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secrets: cloned,
		skew:    skew,
		window:  defaultNonceWindow,
		nowFn:   nowFn,
		nonces:  make(map[string]time.Time),
	}
}

// Authenticate validates headers and signature, returning the caller
// principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if apiKey == "" || timestamp == "" || nonce == "" || signature == "" {
		return nil, errMissingCredentials
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errUnknownAPIKey
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn()
	if delta := now.Sub(time.Unix(ts, 0)); delta > a.skew || delta < -a.skew {
		return nil, errStaleTimestamp
	}
	if !a.rememberNonce(apiKey+"|"+timestamp+"|"+nonce, now) {
		return nil, errReplayedNonce
	}
	expected := Sign(secret, timestamp, nonce, r.Method, r.URL.Path, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return nil, errBadSignature
	}
	return &Principal{APIKey: apiKey}, nil
}

// Sign computes the request signature a caller must send.
func Sign(secret, timestamp, nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) rememberNonce(key string, now time.Time) bool {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cutoff := now.Add(-a.window)
	for k, seen := range a.nonces {
		if seen.Before(cutoff) {
			delete(a.nonces, k)
		}
	}
	if _, ok := a.nonces[key]; ok {
		return false
	}
	a.nonces[key] = now
	return true
}
