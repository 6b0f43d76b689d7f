package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/wolfeidau/keyforge/internal/server"
)

type SignCmd struct {
	Group string `arg:"" help:"Group code"`
	Kid   string `help:"Key to sign with, defaults to the group's current key"`
	Data  string `help:"Payload to sign" xor:"payload"`
	File  string `help:"File holding the payload to sign" type:"path" xor:"payload"`
}

func (s *SignCmd) Run(ctx context.Context, globals *Globals) error {
	payload, err := s.payload()
	if err != nil {
		return err
	}

	c, err := globals.client()
	if err != nil {
		return err
	}

	result, err := c.Sign(ctx, s.Group, s.Kid, payload)
	if err != nil {
		return fmt.Errorf("failed to sign payload: %w", err)
	}

	if ok, err := globals.printJSON(result); ok {
		return err
	}

	out := globals.out()
	fmt.Fprintf(out, "Kid:        %s\n", result.Kid)
	fmt.Fprintf(out, "Algorithm:  %s (%s)\n", result.Algorithm, result.HashAlgorithm)
	fmt.Fprintf(out, "Signature:  %s\n", result.Signature)
	return nil
}

func (s *SignCmd) payload() ([]byte, error) {
	switch {
	case s.File != "":
		data, err := os.ReadFile(s.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return data, nil
	case s.Data != "":
		return []byte(s.Data), nil
	default:
		return nil, errors.New("one of --data or --file is required")
	}
}

type JWKSCmd struct {
	Group   string `arg:"" help:"Group code"`
	Current bool   `help:"Fetch only the current signing key (authenticated)"`
}

func (j *JWKSCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	fetch := c.JWKS
	if j.Current {
		fetch = c.SigningKey
	}

	jwks, err := fetch(ctx, j.Group)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	return writeJSON(globals.out(), jwks)
}

type KeygenCmd struct {
	Subject   map[string]string `help:"Subject attributes, for example CN=device-1;O=Example" required:""`
	Usage     string            `help:"Usage type" default:"client_signing" enum:"server_signing,client_signing,encryption"`
	KeyType   string            `help:"Key type" default:"EC" enum:"EC,RSA"`
	KeySize   int               `help:"RSA key size in bits"`
	KeyCurve  string            `help:"EC curve (P-256 or P-384)"`
	CSR       bool              `help:"Return a CSR instead of a self-signed certificate"`
	ValidDays int               `help:"Validity of the self-signed certificate, -1 uses the default" default:"-1"`
	OutKey    string            `help:"Write the private key PEM to this file" type:"path"`
}

func (k *KeygenCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	result, err := c.GenerateKey(ctx, server.GenerateKeyRequest{
		Subject:   k.Subject,
		UsageType: k.Usage,
		KeyPolicy: server.KeyPolicyRequest{KeyType: k.KeyType, KeySize: k.KeySize, KeyCurve: k.KeyCurve},
		MakeCSR:   k.CSR,
		ValidDays: validDays(k.ValidDays),
	})
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	if k.OutKey != "" {
		if err := os.WriteFile(k.OutKey, []byte(result.PrivateKeyPEM), 0o600); err != nil {
			return fmt.Errorf("failed to write private key: %w", err)
		}
		result.PrivateKeyPEM = ""
	}

	if ok, err := globals.printJSON(result); ok {
		return err
	}

	out := globals.out()
	fmt.Fprint(out, result.PrivateKeyPEM)
	fmt.Fprint(out, result.PublicKeyPEM)
	if result.CSRPEM != "" {
		fmt.Fprint(out, result.CSRPEM)
	}
	if result.Certificate != nil {
		fmt.Fprint(out, result.Certificate.CertificatePEM)
	}
	return nil
}

type SignCSRCmd struct {
	CSR       string `arg:"" help:"PEM CSR file" type:"path"`
	Group     string `help:"Sign with the group's current key instead of the ad-hoc issuer"`
	Usage     string `help:"Usage type, must match the group when --group is set"`
	ValidDays int    `help:"Validity in days, -1 uses the default" default:"-1"`
}

func (s *SignCSRCmd) Run(ctx context.Context, globals *Globals) error {
	csrPEM, err := os.ReadFile(s.CSR)
	if err != nil {
		return fmt.Errorf("failed to read CSR: %w", err)
	}

	c, err := globals.client()
	if err != nil {
		return err
	}

	cert, err := c.SignCSR(ctx, server.SignCSRRequest{
		CSRPEM:    string(csrPEM),
		GroupCode: s.Group,
		UsageType: s.Usage,
		ValidDays: validDays(s.ValidDays),
	})
	if err != nil {
		return fmt.Errorf("failed to sign CSR: %w", err)
	}
	return printCertificate(globals, cert)
}
