package mcpauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
)

type AuthMode string

const (
	AuthModeAPIKey AuthMode = "api_key"
)

// UserInfo describes the caller behind a verified token.
type UserInfo struct {
	AuthMode  AuthMode
	Scopes    []string
	ExpiresAt time.Time
}

type tokenInfoKey struct{}

func ContextWithTokenInfo(ctx context.Context, info *auth.TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey{}, info)
}

func TokenInfoFromContext(ctx context.Context) *auth.TokenInfo {
	if info, ok := ctx.Value(tokenInfoKey{}).(*auth.TokenInfo); ok {
		return info
	}
	return nil
}

// Authenticator accepts a single pre-shared API key. Only its hash is kept.
type Authenticator struct {
	apiKeyHash string
}

// NewAuthenticator returns an authenticator for apiKey. An empty key
// disables the endpoint.
func NewAuthenticator(apiKey string) *Authenticator {
	a := &Authenticator{}
	if apiKey != "" {
		a.apiKeyHash = HashToken(apiKey)
	}
	return a
}

func (a *Authenticator) Enabled() bool {
	return a.apiKeyHash != ""
}

// TokenVerifier returns a verifier usable with auth.RequireBearerToken.
func (a *Authenticator) TokenVerifier() func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
	return func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
		return a.verifyAPIKey(ctx, token)
	}
}

func (a *Authenticator) verifyAPIKey(_ context.Context, apiKey string) (*auth.TokenInfo, error) {
	if a.apiKeyHash == "" || apiKey == "" {
		return nil, auth.ErrInvalidToken
	}

	// Hashes have equal length, so the comparison time does not depend on the key.
	if subtle.ConstantTimeCompare([]byte(HashToken(apiKey)), []byte(a.apiKeyHash)) != 1 {
		return nil, auth.ErrInvalidToken
	}

	userInfo := &UserInfo{
		AuthMode: AuthModeAPIKey,
		Scopes:   []string{"mcp:full"},
	}

	return &auth.TokenInfo{
		Scopes: userInfo.Scopes,
		Extra: map[string]any{
			"user_info": userInfo,
		},
	}, nil
}

// HashToken returns the hex SHA-256 of token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ValidateAuthHeader verifies an "Authorization: Bearer <key>" header value.
func (a *Authenticator) ValidateAuthHeader(authHeader string) (*auth.TokenInfo, error) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return nil, auth.ErrInvalidToken
	}
	return a.verifyAPIKey(context.Background(), token)
}
