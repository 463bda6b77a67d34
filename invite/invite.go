// Package invite mints and checks signed call invite links.
//
// A link is the configured base URL with an HS256 token in its "invite"
// query parameter. The token names the session and channel it belongs to
// and expires after the issuer's TTL.
package invite

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/opd-ai/callkit/media"
	"github.com/sirupsen/logrus"
)

// QueryParam carries the token in an invite link.
const QueryParam = "invite"

const issuerName = "callkit"

var (
	// ErrEmptySecret is returned by NewIssuer without a signing secret.
	ErrEmptySecret = errors.New("invite secret cannot be empty")
	// ErrInvalidBaseURL is returned for a base URL that is not absolute.
	ErrInvalidBaseURL = errors.New("invite base url must be absolute")
	// ErrInvalidInvite is returned for tokens that fail verification.
	ErrInvalidInvite = errors.New("invalid invite")
	// ErrExpired is returned for tokens past their expiry.
	ErrExpired = errors.New("invite expired")
)

// Claims is the token payload.
type Claims struct {
	SessionID    string `json:"sid"`
	ChannelLabel string `json:"channel"`
	CallType     string `json:"call_type"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies invite links.
type Issuer struct {
	secret []byte
	base   *url.URL
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. ttl <= 0 selects 24 hours.
func NewIssuer(secret []byte, baseURL string, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	base, err := url.Parse(baseURL)
	if err != nil || !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{
		secret: append([]byte(nil), secret...),
		base:   base,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// SetTimeFunc replaces the clock for deterministic testing.
func (i *Issuer) SetTimeFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	i.now = now
}

// Token signs a token for one session.
func (i *Issuer) Token(sessionID, channel string, callType media.CallType) (string, error) {
	now := i.now()
	claims := &Claims{
		SessionID:    sessionID,
		ChannelLabel: channel,
		CallType:     callType.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign invite: %w", err)
	}
	return signed, nil
}

// Link returns the shareable invite URL for one session.
func (i *Issuer) Link(sessionID, channel string, callType media.CallType) (string, error) {
	token, err := i.Token(sessionID, channel, callType)
	if err != nil {
		return "", err
	}
	u := *i.base
	q := u.Query()
	q.Set(QueryParam, token)
	u.RawQuery = q.Encode()

	logrus.WithFields(logrus.Fields{
		"function":   "Link",
		"session_id": sessionID,
		"expires_in": i.ttl,
	}).Debug("Invite link issued")

	return u.String(), nil
}

// Verify checks a token or a full invite link and returns its claims.
func (i *Issuer) Verify(tokenOrLink string) (*Claims, error) {
	raw := tokenOrLink
	if u, err := url.Parse(tokenOrLink); err == nil && u.IsAbs() {
		raw = u.Query().Get(QueryParam)
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: no token", ErrInvalidInvite)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	if !token.Valid || claims.SessionID == "" {
		return nil, ErrInvalidInvite
	}
	return claims, nil
}
