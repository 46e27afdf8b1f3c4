package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingSigningKey indicates the verifier was built without a secret.
	ErrMissingSigningKey = errors.New("auth: signing key required")
	// ErrMissingIssuer indicates the verifier was built without an issuer.
	ErrMissingIssuer = errors.New("auth: issuer required")
	// ErrInvalidSessionToken indicates a token that failed validation.
	ErrInvalidSessionToken = errors.New("auth: invalid session token")
	// ErrExpiredSessionToken indicates a token past its expiry.
	ErrExpiredSessionToken = errors.New("auth: session token expired")
)

const (
	bearerPrefix        = "Bearer "
	tokenQueryParameter = "token"
)

// SessionClaims mirrors the JWT payload issued by the authentication
// subsystem.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// VerifierConfig describes how session tokens are validated.
type VerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// Verifier resolves the user identity carried by a request. Token issuance is
// owned by the external authentication subsystem; this side only validates.
type Verifier struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewVerifier constructs a Verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    strings.TrimSpace(cfg.CookieName),
		clock:         clock,
	}, nil
}

// Identify resolves the request's user id. Tokens are accepted from the
// Authorization header, the token query parameter (browser websocket clients
// cannot set headers), or the configured cookie, in that order. A request
// carrying no token at all is an anonymous session and yields an empty user
// id without error; a token that is present but invalid is rejected.
func (verifier *Verifier) Identify(request *http.Request) (string, error) {
	token := verifier.extractToken(request)
	if token == "" {
		return "", nil
	}
	claims, err := verifier.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// ValidateToken validates the supplied JWT string and returns its claims.
func (verifier *Verifier) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrInvalidSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(parsedToken *jwt.Token) (interface{}, error) {
			if parsedToken.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, parsedToken.Method.Alg())
			}
			return verifier.signingSecret, nil
		},
		jwt.WithTimeFunc(verifier.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if claims.Issuer != verifier.issuer {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	claims.UserID = userID
	return *claims, nil
}

func (verifier *Verifier) extractToken(request *http.Request) string {
	if request == nil {
		return ""
	}
	header := request.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	if queryToken := strings.TrimSpace(request.URL.Query().Get(tokenQueryParameter)); queryToken != "" {
		return queryToken
	}
	if verifier.cookieName != "" {
		if cookie, err := request.Cookie(verifier.cookieName); err == nil && cookie != nil {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return ""
}
