package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName  = "com.tesla.auth"
	keyringTokenService = "oauthtoken"
	keyringDirectory    = "~/.tesla_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage '%s'", v)
}

// getPassword prompts on stderr, never stdout, since stdout carries the JSON result.
func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}

	var w io.Writer = os.Stderr
	if !term.IsTerminal(int(os.Stderr.Fd())) || !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no terminal available for keyring password prompt; set $%s", EnvTeslaKeyringPass)
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	password := string(b)
	c.password = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	return keyring.Open(c.Backend)
}

func (c *Config) fullTokenName() string {
	return keyringTokenService + "." + c.KeyringTokenName
}

// LoadTokenFromKeyring loads an OAuth token from the system keyring.
//
// The name must match the value provided to SaveTokenToKeyring.
func (c *Config) LoadTokenFromKeyring() (string, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return "", err
	}

	item, err := kr.Get(c.fullTokenName())
	if err != nil {
		return "", fmt.Errorf("could not load token: %w", err)
	}
	return string(item.Data), nil
}

// SaveTokenToKeyring writes an OAuth access token to the system keyring under c.KeyringTokenName.
func (c *Config) SaveTokenToKeyring(accessToken string) error {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return fmt.Errorf("refusing to save empty token")
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}

	if err := kr.Set(keyring.Item{
		Key:   c.fullTokenName(),
		Data:  []byte(accessToken),
		Label: "Tesla OAuth access token (" + c.KeyringTokenName + ")",
	}); err != nil {
		return fmt.Errorf("failed to enroll token in keyring: %w", err)
	}
	return nil
}

// DeleteToken removes the OAuth token from the system keyring.
func (c *Config) DeleteToken() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.fullTokenName())
}
