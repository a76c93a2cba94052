package auth

// CLIENT SIDE OF THE PASSWORD GRANT
//
// IssuerClient is what a first-party app (or the idpctl tool) uses to talk to
// this issuer:
//
//  1. GET  {issuer}/.well-known/openid-configuration → endpoint URLs
//  2. POST {token_endpoint} grant_type=password       → access token
//  3. GET  {userinfo_endpoint} with the bearer token  → profile
//
// The token request goes through golang.org/x/oauth2, so error responses come
// back as *oauth2.RetrieveError with the OAuth error code filled in.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/sakif/synaps-idp/internal/model"
)

// IssuerClient talks to a running issuer.
type IssuerClient struct {
	issuer       string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewIssuerClient creates a client for the issuer at issuerURL.
// clientID and clientSecret may be empty when the issuer has no registered
// clients. A nil httpClient means http.DefaultClient.
func NewIssuerClient(issuerURL, clientID, clientSecret string, httpClient *http.Client) *IssuerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &IssuerClient{
		issuer:       strings.TrimRight(issuerURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
	}
}

// Discover fetches the discovery document.
func (c *IssuerClient) Discover(ctx context.Context) (*model.DiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("auth: building discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: fetching discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: discovery returned status %d", resp.StatusCode)
	}

	var doc model.DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("auth: decoding discovery document: %w", err)
	}
	if doc.Issuer != c.issuer {
		return nil, fmt.Errorf("auth: discovery issuer %q does not match %q", doc.Issuer, c.issuer)
	}
	if doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("auth: discovery document has no token endpoint")
	}

	return &doc, nil
}

// PasswordToken runs discovery, then the password grant.
func (c *IssuerClient) PasswordToken(ctx context.Context, username, password string) (*oauth2.Token, *model.DiscoveryDocument, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return nil, nil, err
	}

	cfg := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	// oauth2 picks up the HTTP client from the context.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := cfg.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return nil, doc, fmt.Errorf("auth: password grant: %w", err)
	}
	return tok, doc, nil
}

// UserInfo calls the userinfo endpoint with an access token.
func (c *IssuerClient) UserInfo(ctx context.Context, doc *model.DiscoveryDocument, tok *oauth2.Token) (*model.UserInfo, error) {
	if doc.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("auth: issuer does not advertise a userinfo endpoint")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: building userinfo request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: calling userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: userinfo returned status %d", resp.StatusCode)
	}

	var info model.UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("auth: decoding userinfo response: %w", err)
	}
	return &info, nil
}
