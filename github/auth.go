package github

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// appJWTLifetime is how long a minted app JWT is valid. GitHub caps it at
// ten minutes; we stay under to absorb clock skew.
const appJWTLifetime = 9 * time.Minute

// tokenRefreshMargin renews the installation token this long before expiry.
const tokenRefreshMargin = 5 * time.Minute

// appAuth mints GitHub App installation tokens from the app's private key.
// Safe for concurrent use; the current token is cached until near expiry.
type appAuth struct {
	appID          string
	installationID int64
	key            jwk.Key

	mu      sync.Mutex
	token   string
	expires time.Time
}

// newAppAuth parses the PEM private key into a signing key.
func newAppAuth(appID string, installationID int64, privateKeyPEM string) (*appAuth, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("github: no PEM block in app private key")
	}
	parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Newer app keys may be PKCS#8.
		alt, altErr := x509.ParsePKCS8PrivateKey(block.Bytes)
		if altErr != nil {
			return nil, fmt.Errorf("github: parse app private key: %w", err)
		}
		key, err := jwk.FromRaw(alt)
		if err != nil {
			return nil, fmt.Errorf("github: wrap app private key: %w", err)
		}
		return &appAuth{appID: appID, installationID: installationID, key: key}, nil
	}
	key, err := jwk.FromRaw(parsed)
	if err != nil {
		return nil, fmt.Errorf("github: wrap app private key: %w", err)
	}
	return &appAuth{appID: appID, installationID: installationID, key: key}, nil
}

// appJWT signs a short-lived RS256 JWT identifying the app itself, used to
// call the installation token endpoint.
func (a *appAuth) appJWT() (string, error) {
	tok := jwt.New()
	now := time.Now()
	if err := tok.Set(jwt.IssuerKey, a.appID); err != nil {
		return "", err
	}
	// Backdated to absorb clock skew between us and GitHub.
	if err := tok.Set(jwt.IssuedAtKey, now.Add(-60*time.Second)); err != nil {
		return "", err
	}
	if err := tok.Set(jwt.ExpirationKey, now.Add(appJWTLifetime)); err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, a.key))
	if err != nil {
		return "", fmt.Errorf("github: sign app jwt: %w", err)
	}
	return string(signed), nil
}

// currentToken returns the cached installation token, minting a fresh one
// when missing or near expiry.
func (a *appAuth) currentToken(ctx context.Context, mint mintFunc) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Until(a.expires) > tokenRefreshMargin {
		return a.token, nil
	}
	return a.refreshLocked(ctx, mint)
}

// forceRefresh discards the cached token and mints a new one.
func (a *appAuth) forceRefresh(ctx context.Context, mint mintFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
	_, err := a.refreshLocked(ctx, mint)
	return err
}

func (a *appAuth) refreshLocked(ctx context.Context, mint mintFunc) (string, error) {
	bearer, err := a.appJWT()
	if err != nil {
		return "", err
	}
	token, expires, err := mint(ctx, bearer, a.installationID)
	if err != nil {
		return "", err
	}
	a.token = token
	a.expires = expires
	return token, nil
}

// mintFunc exchanges an app JWT for an installation token. Split out so auth
// logic is testable without HTTP.
type mintFunc func(ctx context.Context, appJWT string, installationID int64) (token string, expires time.Time, err error)
