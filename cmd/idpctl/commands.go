package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/sakif/synaps-idp/internal/auth"
	"github.com/sakif/synaps-idp/internal/config"
	"github.com/sakif/synaps-idp/internal/model"
	"github.com/sakif/synaps-idp/internal/repository/sqlstore"
	"github.com/sakif/synaps-idp/internal/server"
)

// =========================================================================
// hash
// =========================================================================

func runHash(_ context.Context, args []string, s streams) error {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(s.err)
	if err := fs.Parse(args); err != nil {
		return err
	}

	password, err := readSecret(s.in, s.err, "Password: ")
	if err != nil {
		return err
	}

	hash, err := auth.NewPasswordService().Hash(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, hash)
	return err
}

// =========================================================================
// seed
// =========================================================================

func runSeed(ctx context.Context, args []string, s streams) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(s.err)
	email := fs.String("email", "", "login email (required)")
	name := fs.String("name", "", "display name")
	id := fs.String("id", "", "user id (generated when empty)")
	migrate := fs.Bool("migrate", false, "apply the bundled schema first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		fs.Usage()
		return errors.New("-email is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(s.err)

	store, err := sqlstore.Open(ctx, server.StoreOptions(*cfg), logger)
	if err != nil {
		return fmt.Errorf("opening user store: %w", err)
	}
	defer store.Close()

	if *migrate || cfg.DB.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	password, err := readSecret(s.in, s.err, "Password for "+*email+": ")
	if err != nil {
		return err
	}
	hash, err := auth.NewPasswordService().Hash(password)
	if err != nil {
		return err
	}

	u := &model.UserRecord{
		ID:           *id,
		Email:        *email,
		PasswordHash: hash,
		Name:         *name,
	}
	if err := store.CreateUser(ctx, u); err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, u.ID)
	return err
}

// =========================================================================
// token
// =========================================================================

type tokenEnv struct {
	ClientSecret string `env:"IDPCTL_CLIENT_SECRET"`
}

func runToken(ctx context.Context, args []string, s streams) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(s.err)
	issuer := fs.String("issuer", "", "issuer URL (required)")
	username := fs.String("username", "", "resource owner email (required)")
	clientID := fs.String("client-id", "", "registered client id")
	timeout := fs.Duration("timeout", 10*time.Second, "overall request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *issuer == "" || *username == "" {
		fs.Usage()
		return errors.New("-issuer and -username are required")
	}

	var e tokenEnv
	if err := env.Parse(&e); err != nil {
		return err
	}

	password, err := readSecret(s.in, s.err, "Password for "+*username+": ")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := auth.NewIssuerClient(*issuer, *clientID, e.ClientSecret, http.DefaultClient)
	tok, _, err := client.PasswordToken(ctx, *username, password)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(tok)
}

// =========================================================================
// verify
// =========================================================================

type verifyEnv struct {
	SigningSecret string `env:"HS256_KEY,required,notEmpty"`
	IssuerURL     string `env:"ISSUER_URL,required,notEmpty"`
	Audience      string `env:"TOKEN_AUDIENCE" envDefault:"account"`
}

func runVerify(_ context.Context, args []string, s streams) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(s.err)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var e verifyEnv
	if err := env.Parse(&e); err != nil {
		return err
	}

	raw := fs.Arg(0)
	if raw == "" {
		line, err := readLine(s.in)
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}
		raw = strings.TrimSpace(line)
	}
	if raw == "" {
		return errors.New("no token given")
	}

	tokens, err := auth.NewTokenIssuer(e.SigningSecret, strings.TrimRight(e.IssuerURL, "/"), e.Audience)
	if err != nil {
		return err
	}
	claims, err := tokens.Validate(raw)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(claims)
}
