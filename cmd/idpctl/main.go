// Command idpctl is the operator tool for the token issuer.
//
// USAGE:
//
//	idpctl hash                               read a password, print its bcrypt hash
//	idpctl seed   -email E [-name N] [-id I]  insert a user into the configured store
//	idpctl token  -issuer URL -username U     run the password grant, print the token
//	idpctl verify [TOKEN]                     validate a token, print its claims
//
// Passwords are never taken from flags (they would land in shell history and
// in the process list). They are read from the terminal without echo, or
// from the first line of stdin when stdin is not a terminal.
//
// seed reads the same environment as the server (DB_*, USERS_*). verify reads
// HS256_KEY, ISSUER_URL and TOKEN_AUDIENCE. token reads the client secret
// from IDPCTL_CLIENT_SECRET.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "idpctl:", err)
		}
		os.Exit(1)
	}
}

// command is one idpctl subcommand.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, s streams) error
}

// streams bundles the standard streams so commands can be tested.
type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

var commands = []command{
	{"hash", "read a password and print its bcrypt hash", runHash},
	{"seed", "insert a user into the configured user store", runSeed},
	{"token", "run the password grant against an issuer", runToken},
	{"verify", "validate an access token and print its claims", runVerify},
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	s := streams{in: stdin, out: stdout, err: stderr}

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return errors.New("missing command")
		}
		return nil
	}

	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:], s)
		}
	}

	usage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: idpctl <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
}
