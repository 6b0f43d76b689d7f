// Package lifecycle is the certificate group and key lifecycle engine. It
// manages group policies, issues and rotates key pairs under them, revokes
// certificates, signs payloads with a group's keys and publishes the public
// verification material as JWKS.
//
// Operations are synchronous and request scoped. Authorization is the
// caller's concern.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/wolfeidau/keyforge/internal/pki"
	"github.com/wolfeidau/keyforge/internal/sealer"
	"github.com/wolfeidau/keyforge/internal/store"
	"github.com/wolfeidau/keyforge/internal/telemetry"
)

// Config wires the engine to its collaborators.
type Config struct {
	Store store.Store

	// Sealer encrypts private keys at rest. Defaults to sealer.Plain.
	Sealer sealer.Sealer

	// AdHocIssuer signs CSRs that do not name a group. Optional.
	AdHocIssuer pki.Issuer

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// JWKSIncludeRevoked publishes revoked, unexpired keys in the group JWKS.
	JWKSIncludeRevoked bool

	// NodeID identifies this process when minting certificate ids (0-1023).
	NodeID int64
}

// Engine groups the lifecycle services. They share one store and clock.
type Engine struct {
	Groups   *Groups
	Issuance *Issuance
	Rotation *Rotation
	Registry *Registry
	Signer   *Signer
	JWKS     *JWKS
}

type core struct {
	store          store.Store
	sealer         sealer.Sealer
	adHocIssuer    pki.Issuer
	clock          func() time.Time
	ids            *snowflake.Node
	includeRevoked bool
	metrics        *telemetry.Metrics
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}

	c := &core{
		store:          cfg.Store,
		sealer:         cfg.Sealer,
		adHocIssuer:    cfg.AdHocIssuer,
		clock:          cfg.Clock,
		ids:            node,
		includeRevoked: cfg.JWKSIncludeRevoked,
		metrics:        telemetry.GetMetrics(),
	}
	if c.sealer == nil {
		c.sealer = sealer.NewPlain()
	}
	if c.clock == nil {
		c.clock = time.Now
	}

	issuance := &Issuance{core: c}

	return &Engine{
		Groups:   &Groups{core: c},
		Issuance: issuance,
		Rotation: &Rotation{core: c, issuance: issuance},
		Registry: &Registry{core: c},
		Signer:   &Signer{core: c},
		JWKS:     &JWKS{core: c},
	}, nil
}

func (c *core) now() time.Time {
	return c.clock().UTC()
}

// nextID returns a time ordered id for a new certificate.
func (c *core) nextID() int64 {
	return c.ids.Generate().Int64()
}
