package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/wolfeidau/keyforge/internal/auth"
)

// TokenCmd mints a bearer token for the API, signed with the ECDSA key whose
// public half the server verifies with.
type TokenCmd struct {
	SigningKey string        `help:"path to the PEM ECDSA private key" required:"" env:"KEYFORGE_TOKEN_SIGNING_KEY" type:"path"`
	Subject    string        `help:"sub claim of the token" required:""`
	Scopes     []string      `help:"scopes to grant" default:"keys:manage,keys:sign"`
	TTL        time.Duration `help:"token lifetime" default:"1h"`
}

func (c *TokenCmd) Run(globals *Globals) error {
	keyPEM, err := os.ReadFile(c.SigningKey)
	if err != nil {
		return fmt.Errorf("failed to read signing key: %w", err)
	}

	token, err := auth.IssueToken(string(keyPEM), c.Subject, c.Scopes, c.TTL)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println(token)
	return nil
}
