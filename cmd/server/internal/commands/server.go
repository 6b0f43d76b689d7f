package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/keyforge/internal/auth"
	"github.com/wolfeidau/keyforge/internal/config"
	"github.com/wolfeidau/keyforge/internal/lifecycle"
	"github.com/wolfeidau/keyforge/internal/server"
	"github.com/wolfeidau/keyforge/internal/ssmcerts"
	"github.com/wolfeidau/keyforge/internal/telemetry"
)

type ServerCmd struct {
	// Server configuration
	Listen  string `help:"HTTP server listen address" default:"0.0.0.0:8443" env:"KEYFORGE_LISTEN"`
	Cert    string `help:"path to TLS cert file" default:"" env:"KEYFORGE_TLS_CERT"`
	Key     string `help:"path to TLS key file" default:"" env:"KEYFORGE_TLS_KEY"`
	CertSSM string `help:"SSM parameter holding the TLS cert" env:"KEYFORGE_TLS_CERT_SSM"`
	KeySSM  string `help:"SSM parameter holding the TLS key" env:"KEYFORGE_TLS_KEY_SSM"`

	CORSOrigins []string      `help:"origins allowed to fetch JWKS documents" default:"*" env:"KEYFORGE_CORS_ORIGINS"`
	JWKSMaxAge  time.Duration `help:"Cache-Control max-age of JWKS documents" default:"5m" env:"KEYFORGE_JWKS_MAX_AGE"`

	// Authentication
	AuthPublicKey string `help:"path to the PEM ECDSA public key verifying bearer tokens" env:"KEYFORGE_AUTH_PUBLIC_KEY" type:"path"`
	AuthIssuer    string `help:"required iss claim of bearer tokens" default:"keyforge" env:"KEYFORGE_AUTH_ISSUER"`
	AuthAudience  string `help:"required aud claim of bearer tokens" env:"KEYFORGE_AUTH_AUDIENCE"`
	NoAuth        bool   `help:"disable authentication for API endpoints (development only)" default:"false" env:"KEYFORGE_NO_AUTH"`

	GroupsFile string `help:"YAML file of group policies created or updated at startup" env:"KEYFORGE_GROUPS_FILE" type:"path"`

	// Rotation
	RotateOnStart  bool          `help:"run a rotation pass over every group at startup" env:"KEYFORGE_ROTATE_ON_START"`
	RotateInterval time.Duration `help:"run a rotation pass on this interval, 0 disables" default:"0" env:"KEYFORGE_ROTATE_INTERVAL"`

	// Telemetry
	Tracing     bool    `help:"enable OpenTelemetry tracing and metrics" default:"false" env:"KEYFORGE_TRACING"`
	SampleRatio float64 `help:"fraction of traces sampled" default:"1" env:"KEYFORGE_TRACE_SAMPLE_RATIO"`

	Store  StoreFlags  `embed:""`
	Engine EngineFlags `embed:""`
}

func (c *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	log := setupLogging(globals.Debug)
	ctx = log.WithContext(ctx)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Float64("sample_ratio", c.SampleRatio).Msg("Tracing is enabled")
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "keyforge-server",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	engine, closeStore, err := c.Engine.engine(ctx, &c.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	if c.GroupsFile != "" {
		groups, err := config.LoadGroupsFile(c.GroupsFile)
		if err != nil {
			return err
		}
		if err := config.Seed(ctx, engine.Groups, groups); err != nil {
			return err
		}
		log.Info().Str("path", c.GroupsFile).Int("groups", len(groups)).Msg("Group policies seeded")
	}

	if c.RotateOnStart {
		results, err := engine.Rotation.RunAll(ctx)
		log.Info().Int("rotated", logRotation(results)).Msg("Startup rotation pass complete")
		if err != nil {
			log.Error().Err(err).Msg("Startup rotation pass had failures")
		}
	}
	if c.RotateInterval > 0 {
		go rotateEvery(ctx, engine.Rotation, c.RotateInterval)
	}

	authenticate, err := c.authenticator(log)
	if err != nil {
		return err
	}

	srv := server.New(engine, server.Options{
		Authenticate: authenticate,
		CORSOrigins:  c.CORSOrigins,
		JWKSMaxAge:   c.JWKSMaxAge,
		Tracing:      c.Tracing,
	})

	httpServer := configureHTTPServer(c.Listen, srv.Handler(log))

	tlsSource := ssmcerts.Source{CertPath: c.Cert, KeyPath: c.Key, CertSSM: c.CertSSM, KeySSM: c.KeySSM}
	if !tlsSource.IsZero() {
		pair, err := ssmcerts.Load(ctx, tlsSource)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		if httpServer.TLSConfig, err = pair.TLSConfig(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if httpServer.TLSConfig != nil {
			log.Info().Str("addr", c.Listen).Bool("auth", !c.NoAuth).Msg("Starting HTTPS server")
			errCh <- httpServer.ListenAndServeTLS("", "")
			return
		}
		log.Warn().Str("addr", c.Listen).Bool("auth", !c.NoAuth).Msg("Starting HTTP server without TLS")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (c *ServerCmd) authenticator(log zerolog.Logger) (func(http.Handler) http.Handler, error) {
	if c.NoAuth {
		log.Warn().Msg("Authentication is disabled (--no-auth). This should only be used in development!")
		return auth.AllowAll(), nil
	}
	if c.AuthPublicKey == "" {
		return nil, errors.New("--auth-public-key is required unless --no-auth is set")
	}

	publicKeyPEM, err := os.ReadFile(c.AuthPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth public key: %w", err)
	}

	opts := []auth.VerifierOption{auth.WithIssuer(c.AuthIssuer)}
	if c.AuthAudience != "" {
		opts = append(opts, auth.WithAudience(c.AuthAudience))
	}

	verifier, err := auth.NewVerifierFromPEM(string(publicKeyPEM), opts...)
	if err != nil {
		return nil, err
	}
	return verifier.Middleware(), nil
}

// rotateEvery runs a rotation pass over every group until ctx is done.
func rotateEvery(ctx context.Context, rotation *lifecycle.Rotation, interval time.Duration) {
	log := zerolog.Ctx(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := rotation.RunAll(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Rotation pass had failures")
			}
			log.Debug().Int("groups", len(results)).Int("rotated", logRotation(results)).Msg("Rotation pass complete")
		}
	}
}
