package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/synaps-idp/internal/apperror"
	"github.com/sakif/synaps-idp/internal/auth"
	"github.com/sakif/synaps-idp/internal/model"
	"github.com/sakif/synaps-idp/internal/ratelimit"
)

// GrantTypePassword is the only grant type this issuer supports.
const GrantTypePassword = "password"

// LoginThrottle counts failed grants. *ratelimit.Limiter implements it.
type LoginThrottle interface {
	Check(ctx context.Context, username, ip string) error
	Fail(ctx context.Context, username, ip string) error
	Reset(ctx context.Context, username string) error
}

var _ LoginThrottle = (*ratelimit.Limiter)(nil)

// GrantRequest is a token request after form parsing. ClientID and
// ClientSecret come from the form or from HTTP Basic auth.
type GrantRequest struct {
	GrantType    string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	RemoteIP     string
}

// PasswordGrant runs the OAuth2 resource owner password credentials grant.
type PasswordGrant struct {
	authn    *Authenticator
	tokens   *auth.TokenIssuer
	clients  *auth.ClientRegistry
	throttle LoginThrottle
	logger   *slog.Logger
}

// NewPasswordGrant wires a PasswordGrant. clients and throttle may be nil:
// a nil registry accepts every client and a nil throttle counts nothing.
func NewPasswordGrant(
	authn *Authenticator,
	tokens *auth.TokenIssuer,
	clients *auth.ClientRegistry,
	throttle LoginThrottle,
	logger *slog.Logger,
) *PasswordGrant {
	return &PasswordGrant{
		authn:    authn,
		tokens:   tokens,
		clients:  clients,
		throttle: throttle,
		logger:   logger,
	}
}

// Exchange turns a token request into an access token.
//
// ORDER OF CHECKS:
//  1. grant_type must be "password". Nothing else is looked at otherwise,
//     and the user store is never touched.
//  2. client credentials, when clients are registered.
//  3. throttle budget for the username and the client address.
//  4. the user's credentials.
//
// A throttle that cannot reach Redis is logged and skipped.
func (g *PasswordGrant) Exchange(ctx context.Context, req GrantRequest) (*model.TokenResponse, error) {
	if req.GrantType != GrantTypePassword {
		return nil, apperror.UnsupportedGrantType(req.GrantType)
	}

	if err := g.clients.Authenticate(req.ClientID, req.ClientSecret); err != nil {
		g.logger.Info("client authentication failed",
			slog.String("clientID", req.ClientID),
			slog.String("error", err.Error()),
		)
		return nil, apperror.InvalidClient("client authentication failed")
	}

	if g.throttle != nil {
		if err := g.throttle.Check(ctx, req.Username, req.RemoteIP); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				g.logger.Info("password grant throttled", slog.String("remoteIP", req.RemoteIP))
				return nil, apperror.RateLimited()
			}
			g.logger.Warn("login throttle unavailable", slog.String("error", err.Error()))
		}
	}

	identity, err := g.authn.Verify(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, apperror.ErrInvalidGrant) && g.throttle != nil {
			if ferr := g.throttle.Fail(ctx, req.Username, req.RemoteIP); ferr != nil {
				g.logger.Warn("recording failed login", slog.String("error", ferr.Error()))
			}
		}
		return nil, err
	}

	if g.throttle != nil {
		if err := g.throttle.Reset(ctx, req.Username); err != nil {
			g.logger.Warn("resetting login throttle", slog.String("error", err.Error()))
		}
	}

	token, err := g.tokens.Issue(identity)
	if err != nil {
		return nil, fmt.Errorf("service/grant: issuing token for user %s: %w", identity.Subject, err)
	}

	g.logger.Info("access token issued",
		slog.String("userID", identity.Subject),
		slog.String("clientID", req.ClientID),
	)

	return &model.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(auth.TokenTTL.Seconds()),
	}, nil
}
