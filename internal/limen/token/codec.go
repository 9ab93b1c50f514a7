// Package token encodes, signs and verifies the bearer tokens presented at
// scanners. Verification is signature-only; lifecycle checks belong to the
// scan path because the persisted record is authoritative after issuance.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/limenhq/limen/internal/limen/types"
)

// MinKeyBytes is the shortest accepted HMAC signing key.
const MinKeyBytes = 32

var (
	ErrWeakKey          = errors.New("signing key must be at least 32 bytes")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrMalformed        = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("token signature invalid")
)

// Claims is the payload carried by a token. Times have one-second
// resolution on the wire.
type Claims struct {
	TokenID     string
	TenantID    string
	Subject     types.SubjectRef
	Permissions []string
	ValidFrom   time.Time
	ValidUntil  time.Time
	IssuedAt    time.Time
}

func (c Claims) validate() error {
	switch {
	case c.TokenID == "":
		return fmt.Errorf("%w: token id required", ErrInvalidClaims)
	case c.TenantID == "":
		return fmt.Errorf("%w: tenant id required", ErrInvalidClaims)
	case !c.Subject.Type.Valid():
		return fmt.Errorf("%w: subject type %q", ErrInvalidClaims, c.Subject.Type)
	case c.Subject.ID == "":
		return fmt.Errorf("%w: subject id required", ErrInvalidClaims)
	case !c.ValidUntil.After(c.ValidFrom):
		return fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalidClaims)
	}
	return nil
}

type wireClaims struct {
	TenantID    string           `json:"tid"`
	SubjectType string           `json:"sty"`
	SubjectID   string           `json:"sub_id"`
	Permissions []string         `json:"perm,omitempty"`
	ValidFrom   *jwt.NumericDate `json:"vf"`
	ValidUntil  *jwt.NumericDate `json:"vu"`
	jwt.RegisteredClaims
}

// Codec signs tokens with a tenant-independent HS256 key.
type Codec struct {
	key    []byte
	now    func() time.Time
	parser *jwt.Parser
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) < MinKeyBytes {
		return nil, ErrWeakKey
	}
	return &Codec{
		key: slices.Clone(key),
		now: time.Now,
		// Expiry is a business decision made against the stored record.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
			jwt.WithStrictDecoding(),
		),
	}, nil
}

// Issue signs c. IssuedAt defaults to now.
func (c *Codec) Issue(claims Claims) (string, error) {
	claims.ValidFrom = claims.ValidFrom.Truncate(time.Second)
	claims.ValidUntil = claims.ValidUntil.Truncate(time.Second)
	if err := claims.validate(); err != nil {
		return "", err
	}
	issuedAt := claims.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}

	wc := wireClaims{
		TenantID:    claims.TenantID,
		SubjectType: string(claims.Subject.Type),
		SubjectID:   claims.Subject.ID,
		Permissions: claims.Permissions,
		ValidFrom:   jwt.NewNumericDate(claims.ValidFrom),
		ValidUntil:  jwt.NewNumericDate(claims.ValidUntil),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claims.TokenID,
			Subject:   claims.Subject.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(claims.ValidFrom),
			ExpiresAt: jwt.NewNumericDate(claims.ValidUntil),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wc).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature of raw and returns its claims. It does not
// look at validity times. The MAC is compared over the exact bytes before
// anything is decoded, so any change to the string reports
// ErrSignatureInvalid.
func (c *Codec) Verify(raw string) (Claims, error) {
	i := strings.LastIndexByte(raw, '.')
	if i < 0 {
		return Claims{}, fmt.Errorf("%w: missing signature segment", ErrMalformed)
	}
	if !hmac.Equal([]byte(c.sign(raw[:i])), []byte(raw[i+1:])) {
		return Claims{}, ErrSignatureInvalid
	}

	var wc wireClaims
	_, err := c.parser.ParseWithClaims(raw, &wc, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid),
			errors.Is(err, jwt.ErrTokenUnverifiable):
			return Claims{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		default:
			return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	claims := Claims{
		TokenID:     wc.ID,
		TenantID:    wc.TenantID,
		Subject:     types.SubjectRef{Type: types.SubjectType(wc.SubjectType), ID: wc.SubjectID},
		Permissions: wc.Permissions,
	}
	if wc.ValidFrom != nil {
		claims.ValidFrom = wc.ValidFrom.Time.UTC()
	}
	if wc.ValidUntil != nil {
		claims.ValidUntil = wc.ValidUntil.Time.UTC()
	}
	if wc.IssuedAt != nil {
		claims.IssuedAt = wc.IssuedAt.Time.UTC()
	}
	if err := claims.validate(); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims, nil
}

func (c *Codec) sign(signingInput string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(signingInput))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
