package oauth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Scope is the single scope granted by a keste API key.
const Scope = "mcp:full"

// Handler serves the discovery documents MCP clients fetch before calling
// /mcp. Keste authenticates with a pre-shared API key, so no grant flow is
// advertised.
type Handler struct {
	baseURL string
}

func NewHandler(baseURL string) *Handler {
	return &Handler{
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// RegisterRoutes registers both well-known documents, including their CORS
// preflight.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.HandleProtectedResourceMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", h.HandleProtectedResourceMetadata)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.HandleAuthServerMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-authorization-server", h.HandleAuthServerMetadata)
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

// HandleProtectedResourceMetadata serves the RFC 9728 document for /mcp.
func (h *Handler) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, ProtectedResourceMetadata{
		Resource:               h.baseURL + "/mcp",
		AuthorizationServers:   []string{h.baseURL},
		ScopesSupported:        []string{Scope},
		BearerMethodsSupported: []string{"header"},
	})
}

// HandleAuthServerMetadata serves the RFC 8414 document.
func (h *Handler) HandleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, AuthorizationServerMetadata{
		Issuer:                            h.baseURL,
		TokenEndpoint:                     h.baseURL + "/oauth/token",
		ScopesSupported:                   []string{Scope},
		ResponseTypesSupported:            []string{},
		GrantTypesSupported:               []string{},
		TokenEndpointAuthMethodsSupported: []string{"bearer"},
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, doc any) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	json.NewEncoder(w).Encode(doc)
}
