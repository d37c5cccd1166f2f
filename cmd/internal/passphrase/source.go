package passphrase

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase once, from an environment variable
// when present and otherwise from an interactive prompt.
type Source struct {
	envVar string
	label  string
	stdin  *os.File
	prompt io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource returns a Source reading envVar first. label names the secret in
// prompts and errors, e.g. "identity keystore".
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label, stdin: os.Stdin, prompt: os.Stderr}
}

// Get returns the passphrase. The first result, success or failure, is cached.
// Blank passphrases are rejected from either source.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		value, found, err := s.fromEnv()
		if err == nil && !found {
			value, err = s.fromTerminal()
		}
		if err == nil && strings.TrimSpace(value) == "" {
			err = fmt.Errorf("%s passphrase cannot be empty", s.label)
		}
		s.value, s.err = value, err
	})
	return s.value, s.err
}

func (s *Source) fromEnv() (string, bool, error) {
	if s.envVar == "" {
		return "", false, nil
	}
	value, ok := os.LookupEnv(s.envVar)
	if !ok {
		return "", false, nil
	}
	if strings.TrimSpace(value) == "" {
		return "", true, fmt.Errorf("%s is set but empty", s.envVar)
	}
	return value, true, nil
}

func (s *Source) fromTerminal() (string, error) {
	fd := int(s.stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s passphrase required and no terminal available", s.label)
	}
	fmt.Fprintf(s.prompt, "Enter %s passphrase: ", s.label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
