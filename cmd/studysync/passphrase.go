package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"studysync/internal/app"
)

// readPassphrase returns $STUDYSYNC_PASSPHRASE when set, and otherwise
// prompts on the terminal. With confirm, the passphrase is asked twice.
func readPassphrase(prompt string, confirm bool) (string, error) {
	if p := os.Getenv(app.EnvPassphrase); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to read the passphrase from; set %s", app.EnvPassphrase)
	}

	first, err := promptOnce(fd, prompt)
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("passphrase must not be empty")
	}
	if !confirm {
		return first, nil
	}

	second, err := promptOnce(fd, "Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

func promptOnce(fd int, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}
