package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

const passwordEnv = "QWB_PASSWORD"

// readPassword takes the vault password from QWB_PASSWORD, or the terminal when stdin is one.
func readPassword(prompt string) ([]byte, error) {
	if v := os.Getenv(passwordEnv); v != "" {
		return []byte(strings.TrimRight(v, "\r\n")), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no terminal to read the password from; set %s", passwordEnv)
	}

	_, _ = fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr) // best-effort newline
	if err != nil {
		zeroBytes(pw)
		return nil, fmt.Errorf("password input failed: %w", err)
	}

	if len(pw) < 8 {
		zeroBytes(pw)
		return nil, fmt.Errorf("password must be at least 8 characters long")
	}
	return pw, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
