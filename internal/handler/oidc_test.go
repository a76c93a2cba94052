package handler_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/synaps-idp/internal/apperror"
	"github.com/sakif/synaps-idp/internal/auth"
	"github.com/sakif/synaps-idp/internal/handler"
	"github.com/sakif/synaps-idp/internal/model"
	"github.com/sakif/synaps-idp/internal/service"
)

const (
	testSecret = "test-secret-at-least-16-chars!!"
	testIssuer = "http://localhost:5005"
)

// MockUserRepo is a counting, in-memory repository.UserRepository.
type MockUserRepo struct {
	mu    sync.Mutex
	Users map[string]*model.UserRecord
	Err   error
	calls int
}

func (m *MockUserRepo) FindByEmail(ctx context.Context, email string) (*model.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Err != nil {
		return nil, m.Err
	}
	u, ok := m.Users[email]
	if !ok {
		return nil, apperror.NotFound("user", "")
	}
	copied := *u
	return &copied, nil
}

func (m *MockUserRepo) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type testEnv struct {
	repo    *MockUserRepo
	tokens  *auth.TokenIssuer
	handler *handler.OIDCHandler
	mux     http.Handler
}

var passwords = auth.NewPasswordServiceForTest(4)

func newTestEnv(t *testing.T, clients map[string]string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	hash, err := passwords.Hash("correct123")
	require.NoError(t, err)
	repo := &MockUserRepo{Users: map[string]*model.UserRecord{
		"alice@example.com": {ID: "1", Email: "alice@example.com", PasswordHash: hash, Name: "Alice"},
	}}

	tokens, err := auth.NewTokenIssuer(testSecret, testIssuer, "account")
	require.NoError(t, err)

	registry := auth.NewClientRegistry(clients)
	authn := service.NewAuthenticator(repo, passwords, 2, logger)
	grant := service.NewPasswordGrant(authn, tokens, registry, nil, logger)
	h := handler.NewOIDCHandler(grant, testIssuer, registry.Enabled(), 2*time.Second, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", h.HandleDiscovery)
	mux.HandleFunc("POST /token", h.HandleToken)
	mux.Handle("GET /userinfo", auth.RequireBearer(tokens)(http.HandlerFunc(h.HandleUserInfo)))

	return &testEnv{repo: repo, tokens: tokens, handler: h, mux: mux}
}

func (e *testEnv) postToken(t *testing.T, form url.Values, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, m := range mutate {
		m(req)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func passwordForm(username, password string) url.Values {
	return url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body, 1, "error bodies carry only the code: %s", rr.Body.String())
	code, _ := body["error"].(string)
	return code
}

// =========================================================================
// DISCOVERY
// =========================================================================

func TestHandleDiscovery(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))

	assert.Equal(t, testIssuer, doc["issuer"])
	assert.Equal(t, testIssuer+"/token", doc["token_endpoint"])
	assert.Equal(t, testIssuer+"/token", doc["authorization_endpoint"])
	assert.Equal(t, testIssuer+"/userinfo", doc["userinfo_endpoint"])
	assert.Equal(t, []any{"password"}, doc["grant_types_supported"])
	assert.Equal(t, []any{"token"}, doc["response_types_supported"])
	assert.Equal(t, []any{"public"}, doc["subject_types_supported"])
	assert.Equal(t, []any{"HS256"}, doc["id_token_signing_alg_values_supported"])
	assert.NotContains(t, doc, "token_endpoint_auth_methods_supported")
}

func TestNewDiscoveryDocument_ClientAuth(t *testing.T) {
	doc := handler.NewDiscoveryDocument(testIssuer, true)
	assert.Equal(t, []string{"client_secret_basic", "client_secret_post"}, doc.TokenEndpointAuthMethods)
}

// =========================================================================
// TOKEN ENDPOINT
// =========================================================================

func TestHandleToken_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.postToken(t, passwordForm("alice@example.com", "correct123"))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rr.Header().Get("Pragma"))

	var resp model.TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)

	claims, err := env.tokens.Validate(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "1", claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "alice@example.com", claims.PreferredUsername)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "account", claims.Audience)
	assert.Equal(t, time.Hour, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestHandleToken_UnsupportedGrantType(t *testing.T) {
	env := newTestEnv(t, nil)

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"x"},
		"client_secret": {"y"},
	}
	rr := env.postToken(t, form)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unsupported_grant_type", decodeError(t, rr))
	assert.Equal(t, 0, env.repo.Calls(), "no storage lookups for an unsupported grant")
}

func TestHandleToken_MissingGrantType(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.postToken(t, url.Values{"username": {"alice@example.com"}, "password": {"correct123"}})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unsupported_grant_type", decodeError(t, rr))
	assert.Equal(t, 0, env.repo.Calls())
}

func TestHandleToken_UnknownUserAndWrongPasswordMatch(t *testing.T) {
	env := newTestEnv(t, nil)

	wrong := env.postToken(t, passwordForm("alice@example.com", "wrong"))
	unknown := env.postToken(t, passwordForm("nobody@example.com", "wrong"))

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, `{"error":"invalid_grant"}`+"\n", wrong.Body.String())
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())
}

func TestHandleToken_StorageDown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.repo.Err = errors.New("dial tcp 10.1.2.3:3306: connect: connection refused")

	rr := env.postToken(t, passwordForm("alice@example.com", "correct123"))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "temporarily_unavailable", decodeError(t, rr))
	assert.NotContains(t, rr.Body.String(), "10.1.2.3")
}

func TestHandleToken_JSONBodyIsNotAForm(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/token",
		strings.NewReader(`{"grant_type":"password","username":"alice@example.com","password":"correct123"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 0, env.repo.Calls())
}

func TestHandleToken_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)

	form := passwordForm("alice@example.com", strings.Repeat("a", 128<<10))
	rr := env.postToken(t, form)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rr))
	assert.Equal(t, 0, env.repo.Calls())
}

func TestHandleToken_ClientAuthentication(t *testing.T) {
	env := newTestEnv(t, map[string]string{"portal": "s3cret/with+chars"})

	t.Run("form credentials", func(t *testing.T) {
		form := passwordForm("alice@example.com", "correct123")
		form.Set("client_id", "portal")
		form.Set("client_secret", "s3cret/with+chars")
		rr := env.postToken(t, form)
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("basic auth with form-encoded secret", func(t *testing.T) {
		rr := env.postToken(t, passwordForm("alice@example.com", "correct123"), func(r *http.Request) {
			r.SetBasicAuth("portal", url.QueryEscape("s3cret/with+chars"))
		})
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("wrong secret", func(t *testing.T) {
		before := env.repo.Calls()
		rr := env.postToken(t, passwordForm("alice@example.com", "correct123"), func(r *http.Request) {
			cred := base64.StdEncoding.EncodeToString([]byte("portal:nope"))
			r.Header.Set("Authorization", "Basic "+cred)
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "invalid_client", decodeError(t, rr))
		assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
		assert.Equal(t, before, env.repo.Calls())
	})

	t.Run("no client", func(t *testing.T) {
		rr := env.postToken(t, passwordForm("alice@example.com", "correct123"))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "invalid_client", decodeError(t, rr))
	})
}

// =========================================================================
// USERINFO
// =========================================================================

func TestHandleUserInfo(t *testing.T) {
	env := newTestEnv(t, nil)

	token, err := env.tokens.Issue(&model.Identity{Subject: "1", Email: "alice@example.com", Name: "Alice"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var info model.UserInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, model.UserInfo{
		Subject:           "1",
		Email:             "alice@example.com",
		Name:              "Alice",
		PreferredUsername: "alice@example.com",
	}, info)
}

func TestHandleUserInfo_InvalidToken(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, header := range []string{"", "Bearer", "Bearer not.a.jwt", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "header %q", header)
		assert.Equal(t, "invalid_token", decodeError(t, rr))
	}
}

func TestHandleUserInfo_WithoutMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := httptest.NewRecorder()
	env.handler.HandleUserInfo(rr, httptest.NewRequest(http.MethodGet, "/userinfo", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_token", decodeError(t, rr))
}
