// Package ssmcerts loads PEM certificate and key pairs from AWS SSM Parameter
// Store or local files. The service uses it for the ad-hoc CSR issuer and the
// HTTPS listener.
package ssmcerts

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/keyforge/internal/pki"
)

// ParameterAPI is the subset of the SSM client used to read parameters.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Pair holds a PEM certificate and its private key in memory.
type Pair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Source names where a pair lives. SSM parameter names win over file paths.
type Source struct {
	// File paths (for local development)
	CertPath string
	KeyPath  string

	// SSM parameter names (for production), read with decryption
	CertSSM string
	KeySSM  string
}

// IsZero reports whether no location is configured.
func (s Source) IsZero() bool {
	return s == Source{}
}

func (s Source) fromSSM() bool {
	return s.CertSSM != "" || s.KeySSM != ""
}

// Load reads the pair from SSM when parameter names are set, otherwise from
// files. The SSM client is built from the default AWS config.
func Load(ctx context.Context, src Source) (*Pair, error) {
	if !src.fromSSM() {
		return loadFromFiles(src)
	}

	awsConfig, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return LoadWithClient(ctx, ssm.NewFromConfig(awsConfig), src)
}

// LoadWithClient is Load with a caller supplied SSM client.
func LoadWithClient(ctx context.Context, client ParameterAPI, src Source) (*Pair, error) {
	if !src.fromSSM() {
		return loadFromFiles(src)
	}
	if src.CertSSM == "" || src.KeySSM == "" {
		return nil, errors.New("both certificate and key SSM parameter names are required")
	}

	cert, err := getParameter(ctx, client, src.CertSSM)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate from SSM: %w", err)
	}

	key, err := getParameter(ctx, client, src.KeySSM)
	if err != nil {
		return nil, fmt.Errorf("failed to load key from SSM: %w", err)
	}

	log.Info().Str("cert_parameter", src.CertSSM).Msg("Loaded key pair from SSM")

	return &Pair{CertPEM: []byte(cert), KeyPEM: []byte(key)}, nil
}

func loadFromFiles(src Source) (*Pair, error) {
	if src.CertPath == "" || src.KeyPath == "" {
		return nil, errors.New("both certificate and key paths are required")
	}

	cert, err := os.ReadFile(src.CertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	key, err := os.ReadFile(src.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	return &Pair{CertPEM: cert, KeyPEM: key}, nil
}

// getParameter fetches a parameter from SSM
func getParameter(ctx context.Context, client ParameterAPI, name string) (string, error) {
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *output.Parameter.Value, nil
}

// Issuer returns a certificate issuer signing with the pair.
func (p *Pair) Issuer() (*pki.FileSigner, error) {
	return pki.NewPEMSigner(p.KeyPEM, p.CertPEM)
}

// TLSConfig creates a server tls.Config presenting the pair.
func (p *Pair) TLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(p.CertPEM, p.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
