package mcp

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AltynCore/keste/internal/mcp/mcpauth"
	"github.com/AltynCore/keste/internal/mcp/tools"
)

// Handler serves MCP over streamable HTTP behind a bearer API key.
type Handler struct {
	server          *mcp.Server
	logger          *slog.Logger
	authenticator   *mcpauth.Authenticator
	httpHandler     http.Handler
	resourceMetaURL string
}

// NewHandler builds the MCP endpoint. apiKey is the only accepted bearer
// token; baseURL is where the OAuth discovery documents are served.
func NewHandler(toolCtx *tools.ToolContext, apiKey, baseURL string) *Handler {
	baseURL = strings.TrimSuffix(baseURL, "/")

	h := &Handler{
		server:          NewServer(toolCtx),
		logger:          toolCtx.Logger,
		authenticator:   mcpauth.NewAuthenticator(apiKey),
		resourceMetaURL: baseURL + "/.well-known/oauth-protected-resource",
	}

	if !h.authenticator.Enabled() {
		h.logger.Warn("KESTE_MCP_API_KEY not set - MCP endpoint will reject all requests")
	}

	streamHandler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return h.server },
		&mcp.StreamableHTTPOptions{
			Stateless: true,
		},
	)

	h.httpHandler = h.authMiddleware(streamHandler)

	return h
}

// authMiddleware validates the bearer token and answers 401 with an RFC 9728
// challenge.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Debug("MCP request",
			"method", r.Method,
			"path", r.URL.Path,
			"session", r.Header.Get("Mcp-Session-Id"),
		)

		if !h.authenticator.Enabled() {
			http.Error(w, "MCP endpoint not configured", http.StatusServiceUnavailable)
			return
		}

		tokenInfo, err := h.authenticator.ValidateAuthHeader(r.Header.Get("Authorization"))
		if err != nil {
			h.writeUnauthorized(w)
			return
		}

		ctx := mcpauth.ContextWithTokenInfo(r.Context(), tokenInfo)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s", scope="mcp:full"`, h.resourceMetaURL))
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpHandler.ServeHTTP(w, r)
}

// Enabled reports whether an API key is configured.
func (h *Handler) Enabled() bool {
	return h.authenticator.Enabled()
}
