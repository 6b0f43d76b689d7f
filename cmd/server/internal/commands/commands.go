package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/keyforge/internal/lifecycle"
	"github.com/wolfeidau/keyforge/internal/logger"
	"github.com/wolfeidau/keyforge/internal/pki"
	"github.com/wolfeidau/keyforge/internal/sealer"
	"github.com/wolfeidau/keyforge/internal/ssmcerts"
	"github.com/wolfeidau/keyforge/internal/store"
	memorystore "github.com/wolfeidau/keyforge/internal/store/memory"
	postgresstore "github.com/wolfeidau/keyforge/internal/store/postgres"
)

type Globals struct {
	Debug   bool
	Version string
}

// setupLogging builds the root logger and installs it as the global logger
// used by the store and lifecycle packages.
func setupLogging(debug bool) zerolog.Logger {
	l := logger.Setup(debug)
	log.Logger = l
	return l
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// StoreFlags select and configure the certificate store.
type StoreFlags struct {
	StoreType string             `help:"store type (memory or postgres)" default:"memory" env:"KEYFORGE_STORE_TYPE" enum:"memory,postgres"`
	Postgres  PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
	ConnectTimeout  time.Duration `help:"how long to wait for the database at startup" default:"30s"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"KEYFORGE_POSTGRES_AUTO_MIGRATE"`
}

func (p *PostgresStoreFlags) config() *postgresstore.Config {
	return &postgresstore.Config{
		Pool: postgresstore.PoolConfig{
			ConnString:      p.ConnString,
			MaxConns:        p.MaxConns,
			MinConns:        p.MinConns,
			MaxConnLifetime: p.MaxConnLifetime,
			MaxConnIdleTime: p.MaxConnIdleTime,

			ConnectRetryTimeout: p.ConnectTimeout,
		},
		AutoMigrate: p.AutoMigrate,
	}
}

// open returns the configured store and a function releasing it.
func (s *StoreFlags) open(ctx context.Context) (store.Store, func(), error) {
	switch s.StoreType {
	case "postgres":
		if s.Postgres.ConnString == "" {
			return nil, nil, errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
		}
		pg, err := postgresstore.Open(ctx, s.Postgres.config())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		log.Info().Bool("auto_migrate", s.Postgres.AutoMigrate).Msg("Using PostgreSQL store")
		return pg, pg.Close, nil
	default:
		log.Warn().Msg("Using in-memory store, keys are lost on restart")
		return memorystore.NewStore(), func() {}, nil
	}
}

// EngineFlags configure the lifecycle engine's collaborators.
type EngineFlags struct {
	Sealer         string `help:"private key sealer (plain, aes or kms)" default:"plain" env:"KEYFORGE_SEALER" enum:"plain,aes,kms"`
	SealerAESKey   string `help:"base64 encoded 32 byte AES key for the aes sealer" env:"KEYFORGE_SEALER_AES_KEY"`
	SealerKMSKeyID string `help:"KMS key id, ARN or alias for the kms sealer" env:"KEYFORGE_SEALER_KMS_KEY_ID"`

	CSRIssuerKey      string `help:"path to the PEM private key of the ad-hoc CSR issuer" env:"KEYFORGE_CSR_ISSUER_KEY" type:"path"`
	CSRIssuerCert     string `help:"path to the PEM certificate of the ad-hoc CSR issuer" env:"KEYFORGE_CSR_ISSUER_CERT" type:"path"`
	CSRIssuerKeySSM   string `help:"SSM parameter holding the PEM private key of the ad-hoc CSR issuer" env:"KEYFORGE_CSR_ISSUER_KEY_SSM"`
	CSRIssuerCertSSM  string `help:"SSM parameter holding the PEM certificate of the ad-hoc CSR issuer" env:"KEYFORGE_CSR_ISSUER_CERT_SSM"`
	CSRIssuerKMSKeyID string `help:"KMS asymmetric key id signing for the ad-hoc CSR issuer, used with --csr-issuer-cert" env:"KEYFORGE_CSR_ISSUER_KMS_KEY_ID"`

	JWKSIncludeRevoked bool  `help:"publish revoked keys that have not expired in group JWKS documents" env:"KEYFORGE_JWKS_INCLUDE_REVOKED"`
	NodeID             int64 `help:"node id used when minting certificate ids (0-1023)" default:"1" env:"KEYFORGE_NODE_ID"`
}

func (e *EngineFlags) sealer(ctx context.Context) (sealer.Sealer, error) {
	switch e.Sealer {
	case "aes":
		if e.SealerAESKey == "" {
			return nil, errors.New("--sealer-aes-key is required for the aes sealer")
		}
		return sealer.NewAESGCMFromBase64(e.SealerAESKey)
	case "kms":
		if e.SealerKMSKeyID == "" {
			return nil, errors.New("--sealer-kms-key-id is required for the kms sealer")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return sealer.NewKMSFromConfig(awsCfg, e.SealerKMSKeyID), nil
	default:
		log.Warn().Msg("Private keys are stored unencrypted (--sealer=plain)")
		return sealer.NewPlain(), nil
	}
}

func (e *EngineFlags) adHocIssuer(ctx context.Context) (pki.Issuer, error) {
	switch {
	case e.CSRIssuerKMSKeyID != "":
		if e.CSRIssuerCert == "" {
			return nil, errors.New("--csr-issuer-cert is required with --csr-issuer-kms-key-id")
		}
		certPEM, err := os.ReadFile(e.CSRIssuerCert)
		if err != nil {
			return nil, fmt.Errorf("failed to read issuer cert file: %w", err)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return pki.NewKMSSignerFromConfig(ctx, awsCfg, e.CSRIssuerKMSKeyID, certPEM)
	default:
		src := ssmcerts.Source{
			CertPath: e.CSRIssuerCert,
			KeyPath:  e.CSRIssuerKey,
			CertSSM:  e.CSRIssuerCertSSM,
			KeySSM:   e.CSRIssuerKeySSM,
		}
		if src.IsZero() {
			return nil, nil
		}
		pair, err := ssmcerts.Load(ctx, src)
		if err != nil {
			return nil, err
		}
		return pair.Issuer()
	}
}

// engine opens the store and builds the lifecycle engine on top of it.
func (e *EngineFlags) engine(ctx context.Context, sf *StoreFlags) (*lifecycle.Engine, func(), error) {
	st, closeStore, err := sf.open(ctx)
	if err != nil {
		return nil, nil, err
	}

	sl, err := e.sealer(ctx)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to configure sealer: %w", err)
	}

	issuer, err := e.adHocIssuer(ctx)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to configure ad-hoc CSR issuer: %w", err)
	}

	engine, err := lifecycle.New(lifecycle.Config{
		Store:              st,
		Sealer:             sl,
		AdHocIssuer:        issuer,
		JWKSIncludeRevoked: e.JWKSIncludeRevoked,
		NodeID:             e.NodeID,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	log.Info().
		Str("sealer", e.Sealer).
		Bool("adhoc_issuer", issuer != nil).
		Bool("jwks_include_revoked", e.JWKSIncludeRevoked).
		Msg("Lifecycle engine configured")

	return engine, closeStore, nil
}

// logRotation reports the outcome of a rotation pass.
func logRotation(results []*lifecycle.RotationResult) int {
	rotated := 0
	for _, res := range results {
		evt := log.Info()
		if res.Rotated {
			rotated++
			evt = evt.Str("new_kid", res.Certificate.Kid)
		}
		evt.Str("group_code", res.Status.GroupCode).
			Str("state", string(res.Status.State)).
			Str("current_kid", res.Status.CurrentKid).
			Bool("rotated", res.Rotated).
			Msg("Rotation evaluated")
	}
	return rotated
}
