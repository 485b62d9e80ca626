package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AppAuth generates short-lived installation access tokens for a GitHub
// App: it signs an app JWT, exchanges it for an installation token, and
// caches the token for its validity window.
type AppAuth struct {
	AppID          string
	InstallationID int64
	PrivateKey     *rsa.PrivateKey
	Client         *http.Client

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewAppAuth parses a PEM-encoded RSA private key and returns an AppAuth
// ready to mint installation tokens.
func NewAppAuth(appID string, installationID int64, privateKeyPEM []byte) (*AppAuth, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("github: parse app private key: %w", err)
	}
	return &AppAuth{AppID: appID, InstallationID: installationID, PrivateKey: key, Client: http.DefaultClient}, nil
}

// TokenSource adapts AppAuth to the TokenSource signature expected by New.
func (a *AppAuth) TokenSource(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached != "" && time.Now().Before(a.expiresAt) {
		return a.cached, nil
	}

	appJWT, err := a.generateAppJWT()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/app/installations/%d/access_tokens", apiBase, a.InstallationID), bytes.NewReader(nil))
	if err != nil {
		return "", fmt.Errorf("github: build installation token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("github: exchange installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("github: installation token exchange: unexpected status %s", resp.Status)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("github: decode installation token: %w", err)
	}

	a.cached = body.Token
	a.expiresAt = body.ExpiresAt.Add(-1 * time.Minute)
	return a.cached, nil
}

// generateAppJWT signs an RS256 app JWT that expires 9 minutes from now
// (issued-at backdated 30 s), inside the 10-minute maximum GitHub allows
// for app-level authentication.
func (a *AppAuth) generateAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("github: sign app jwt: %w", err)
	}
	return signed, nil
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}
