// Package handler contains the HTTP request handlers of the token issuer.
//
// WHAT IS A HANDLER?
// In Go, an HTTP handler is anything that implements the http.Handler interface:
//
//	type Handler interface {
//	    ServeHTTP(ResponseWriter, *Request)
//	}
//
// Or more commonly, a plain func(http.ResponseWriter, *http.Request) wrapped as
// http.HandlerFunc. Chi's router accepts these directly.
//
// HANDLER RESPONSIBILITIES:
//  1. Parse the request (form body, Basic auth, bearer claims)
//  2. Call the service layer
//  3. Write the JSON response, or the OAuth error body
//
// Handlers never decide who gets a token. That lives in internal/service.
package handler

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sakif/synaps-idp/internal/apperror"
	"github.com/sakif/synaps-idp/internal/auth"
	"github.com/sakif/synaps-idp/internal/model"
	"github.com/sakif/synaps-idp/internal/service"
)

// maxFormBytes caps the token request body. A password grant form is a few
// hundred bytes.
const maxFormBytes = 64 << 10

// OIDCHandler serves the three public endpoints of the issuer.
//
// HANDLER RESPONSIBILITIES:
//   - HandleDiscovery → GET  /.well-known/openid-configuration
//   - HandleToken     → POST /token
//   - HandleUserInfo  → GET  /userinfo (behind auth.RequireBearer)
//
// The handler only translates HTTP into a service.GrantRequest and the
// result back into HTTP. Every rule about who gets a token lives in
// service.PasswordGrant.
type OIDCHandler struct {
	grant          *service.PasswordGrant
	discovery      model.DiscoveryDocument
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewOIDCHandler creates an OIDCHandler. issuer is the public base URL with
// no trailing slash; clientAuth advertises client_secret methods in the
// discovery document.
func NewOIDCHandler(
	grant *service.PasswordGrant,
	issuer string,
	clientAuth bool,
	requestTimeout time.Duration,
	logger *slog.Logger,
) *OIDCHandler {
	return &OIDCHandler{
		grant:          grant,
		discovery:      NewDiscoveryDocument(issuer, clientAuth),
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// NewDiscoveryDocument builds the discovery document for issuer.
func NewDiscoveryDocument(issuer string, clientAuth bool) model.DiscoveryDocument {
	tokenEndpoint := issuer + "/token"
	doc := model.DiscoveryDocument{
		Issuer:                           issuer,
		AuthorizationEndpoint:            tokenEndpoint,
		TokenEndpoint:                    tokenEndpoint,
		UserinfoEndpoint:                 issuer + "/userinfo",
		GrantTypesSupported:              []string{service.GrantTypePassword},
		ResponseTypesSupported:           []string{"token"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"HS256"},
	}
	if clientAuth {
		doc.TokenEndpointAuthMethods = []string{"client_secret_basic", "client_secret_post"}
	}
	return doc
}

// HandleDiscovery serves the discovery document.
//
// HTTP: GET /.well-known/openid-configuration
func (h *OIDCHandler) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, h.discovery)
}

// HandleToken runs the password grant.
//
// HTTP: POST /token (application/x-www-form-urlencoded)
//
//	grant_type=password&username=alice@example.com&password=...
//
// Client credentials may come as client_id / client_secret form fields or
// as HTTP Basic auth. Form fields win when both are present.
//
// CACHING:
// Token responses, successful or not, carry Cache-Control: no-store and
// Pragma: no-cache (RFC 6749 section 5.1).
func (h *OIDCHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, h.logger, apperror.ValidationFailed("body", "unreadable token request form"))
		return
	}

	req := service.GrantRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		RemoteIP:     remoteIP(r),
	}
	if req.ClientID == "" {
		req.ClientID, req.ClientSecret = basicClientCredentials(r)
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	resp, err := h.grant.Exchange(ctx, req)
	if err != nil {
		writeOAuthError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleUserInfo returns the profile carried by the access token.
//
// HTTP: GET /userinfo with Authorization: Bearer <token>
//
// The token is already validated by auth.RequireBearer. The answer comes
// from the claims alone; the user store is not consulted.
func (h *OIDCHandler) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeOAuthError(w, h.logger, apperror.InvalidToken(nil))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, model.UserInfo{
		Subject:           claims.Subject,
		Email:             claims.Email,
		Name:              claims.Name,
		PreferredUsername: claims.PreferredUsername,
	})
}

// basicClientCredentials reads client credentials from HTTP Basic auth.
// RFC 6749 section 2.3.1 has clients form-encode both parts first.
func basicClientCredentials(r *http.Request) (string, string) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		return "", ""
	}
	if v, err := url.QueryUnescape(id); err == nil {
		id = v
	}
	if v, err := url.QueryUnescape(secret); err == nil {
		secret = v
	}
	return id, secret
}

// remoteIP strips the port from RemoteAddr. middleware.RealIP may already
// have replaced it with a bare address taken from a trusted proxy.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
