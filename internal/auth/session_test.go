package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "lectern-auth"
	testCookieName    = "lectern_session"
)

func mustVerifier(testContext *testing.T) *Verifier {
	testContext.Helper()
	verifier, err := NewVerifier(VerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to build verifier: %v", err)
	}
	return verifier
}

func mustSignToken(testContext *testing.T, userID, issuer string, expiresAt time.Time) string {
	testContext.Helper()
	claims := SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestIdentifyAcceptsBearerQueryAndCookieTokens(testContext *testing.T) {
	verifier := mustVerifier(testContext)
	token := mustSignToken(testContext, "user-1", testIssuer, time.Now().Add(time.Hour))

	bearerRequest := httptest.NewRequest("GET", "/v1/documents/doc-1/sync", nil)
	bearerRequest.Header.Set("Authorization", "Bearer "+token)
	if userID, err := verifier.Identify(bearerRequest); err != nil || userID != "user-1" {
		testContext.Fatalf("bearer identify failed: %q %v", userID, err)
	}

	queryRequest := httptest.NewRequest("GET", "/v1/documents/doc-1/sync?token="+token, nil)
	if userID, err := verifier.Identify(queryRequest); err != nil || userID != "user-1" {
		testContext.Fatalf("query identify failed: %q %v", userID, err)
	}

	cookieRequest := httptest.NewRequest("GET", "/v1/documents/doc-1/sync", nil)
	cookieRequest.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	if userID, err := verifier.Identify(cookieRequest); err != nil || userID != "user-1" {
		testContext.Fatalf("cookie identify failed: %q %v", userID, err)
	}
}

func TestIdentifyTreatsMissingTokenAsAnonymous(testContext *testing.T) {
	verifier := mustVerifier(testContext)
	request := httptest.NewRequest("GET", "/v1/documents/doc-1/sync", nil)
	userID, err := verifier.Identify(request)
	if err != nil {
		testContext.Fatalf("anonymous request must not error: %v", err)
	}
	if userID != "" {
		testContext.Fatalf("anonymous request must yield empty user id, got %q", userID)
	}
}

func TestIdentifyRejectsInvalidTokens(testContext *testing.T) {
	verifier := mustVerifier(testContext)

	expired := mustSignToken(testContext, "user-1", testIssuer, time.Now().Add(-time.Hour))
	expiredRequest := httptest.NewRequest("GET", "/v1/documents/doc-1/sync?token="+expired, nil)
	if _, err := verifier.Identify(expiredRequest); !errors.Is(err, ErrExpiredSessionToken) {
		testContext.Fatalf("expected expired token error, got %v", err)
	}

	wrongIssuer := mustSignToken(testContext, "user-1", "someone-else", time.Now().Add(time.Hour))
	wrongIssuerRequest := httptest.NewRequest("GET", "/v1/documents/doc-1/sync?token="+wrongIssuer, nil)
	if _, err := verifier.Identify(wrongIssuerRequest); !errors.Is(err, ErrInvalidSessionToken) {
		testContext.Fatalf("expected invalid token error for wrong issuer, got %v", err)
	}

	garbageRequest := httptest.NewRequest("GET", "/v1/documents/doc-1/sync?token=not-a-jwt", nil)
	if _, err := verifier.Identify(garbageRequest); !errors.Is(err, ErrInvalidSessionToken) {
		testContext.Fatalf("expected invalid token error for garbage, got %v", err)
	}
}
