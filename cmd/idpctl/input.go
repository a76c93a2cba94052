package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Test seams for the terminal.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// readSecret reads a password from in.
//
// When in is a terminal the prompt goes to w and the input is not echoed.
// Otherwise the first line of in is used as-is: only the line ending is
// stripped, since leading and trailing spaces are legal in a password.
func readSecret(in io.Reader, w io.Writer, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok && isTerminal(int(f.Fd())) {
		if _, err := fmt.Fprint(w, prompt); err != nil {
			return "", err
		}
		pw, err := readPassword(int(f.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		if len(pw) == 0 {
			return "", errors.New("empty password")
		}
		return string(pw), nil
	}

	line, err := readLine(in)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

// readLine returns the first line of r without its line ending. A final line
// without a newline is returned as-is.
func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
