package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	HeaderDevice = "X-Limen-Device"
	HeaderDate   = "X-Limen-Date"
	HeaderNonce  = "X-Limen-Nonce"
	authScheme   = "LIMEN-HMAC-SHA256"

	DefaultMaxSkew = 5 * time.Minute
)

var (
	errMissingAuth   = errors.New("missing device signature")
	errUnknownDevice = errors.New("unknown device")
	errBadDate       = errors.New("bad or stale date")
	errReplay        = errors.New("nonce already used")
	errBadSignature  = errors.New("signature mismatch")
)

// Sign returns the hex HMAC-SHA256 a device sends for one request. The
// signed string is method, path, date, nonce and the body's SHA-256, one per
// line.
func Sign(secret []byte, method, path, date, nonce string, body []byte) string {
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method + "\n" + path + "\n" + date + "\n" + nonce + "\n" + hex.EncodeToString(sum[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// AuthorizationHeader formats the Authorization value for device and sig.
func AuthorizationHeader(device, sig string) string {
	return authScheme + " " + device + ":" + sig
}

// DeviceAuth verifies signed device requests. Nonces are remembered for
// twice the skew window so a captured request cannot be replayed while its
// date is still acceptable.
type DeviceAuth struct {
	keys    map[string][]byte
	maxSkew time.Duration
	now     func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
	swept  time.Time
}

func NewDeviceAuth(keys map[string]string, maxSkew time.Duration) *DeviceAuth {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	k := make(map[string][]byte, len(keys))
	for id, secret := range keys {
		k[id] = []byte(secret)
	}
	return &DeviceAuth{keys: k, maxSkew: maxSkew, now: time.Now, nonces: make(map[string]time.Time)}
}

// Enabled reports whether any device keys are configured.
func (a *DeviceAuth) Enabled() bool { return a != nil && len(a.keys) > 0 }

// Verify checks r's signature and returns the device id. The body is read
// and replaced so handlers can still decode it.
func (a *DeviceAuth) Verify(r *http.Request) (string, error) {
	device := r.Header.Get(HeaderDevice)
	date := r.Header.Get(HeaderDate)
	nonce := r.Header.Get(HeaderNonce)
	scheme, cred, _ := strings.Cut(r.Header.Get("Authorization"), " ")
	if device == "" || date == "" || nonce == "" || scheme != authScheme {
		return "", errMissingAuth
	}
	credDevice, sig, ok := strings.Cut(cred, ":")
	if !ok || credDevice != device {
		return "", errMissingAuth
	}
	secret, ok := a.keys[device]
	if !ok {
		return "", errUnknownDevice
	}

	ts, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return "", errBadDate
	}
	now := a.now()
	if d := now.Sub(ts); d > a.maxSkew || d < -a.maxSkew {
		return "", errBadDate
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	want := Sign(secret, r.Method, r.URL.Path, date, nonce, body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return "", errBadSignature
	}
	if !a.remember(device+"\x00"+nonce, now) {
		return "", errReplay
	}
	return device, nil
}

// remember records a nonce and reports false if it was already seen.
func (a *DeviceAuth) remember(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Sub(a.swept) > a.maxSkew {
		for k, exp := range a.nonces {
			if now.After(exp) {
				delete(a.nonces, k)
			}
		}
		a.swept = now
	}
	if exp, ok := a.nonces[key]; ok && now.Before(exp) {
		return false
	}
	a.nonces[key] = now.Add(2 * a.maxSkew)
	return true
}

// limiterIdle is how long a bucket may go unused before it is dropped.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	l    *rate.Limiter
	seen time.Time
}

// RateLimiter hands out one token bucket per key. Idle buckets are swept
// on use, so the map stays bounded by the keys active within limiterIdle.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	r         rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		r:        rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	if now.Sub(rl.lastSweep) >= limiterIdle {
		for k, e := range rl.limiters {
			if now.Sub(e.seen) >= limiterIdle {
				delete(rl.limiters, k)
			}
		}
		rl.lastSweep = now
	}
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(rl.r, rl.burst)}
		rl.limiters[key] = e
	}
	e.seen = now
	rl.mu.Unlock()
	return e.l.AllowN(now, 1)
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

type deviceKey struct{}

func withDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, deviceKey{}, device)
}

// DeviceFrom returns the authenticated device id, if any.
func DeviceFrom(ctx context.Context) string {
	s, _ := ctx.Value(deviceKey{}).(string)
	return s
}
