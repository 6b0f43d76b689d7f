package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/keyforge/internal/lifecycle"
)

// RotateCmd runs a single rotation pass for an external scheduler such as cron.
type RotateCmd struct {
	Group   string        `help:"rotate only this group" env:"KEYFORGE_ROTATE_GROUP"`
	Timeout time.Duration `help:"bound on the whole pass" default:"5m"`

	Store  StoreFlags  `embed:""`
	Engine EngineFlags `embed:""`
}

func (c *RotateCmd) Run(ctx context.Context, globals *Globals) error {
	log := setupLogging(globals.Debug)

	ctx, cancel := context.WithTimeout(log.WithContext(ctx), c.Timeout)
	defer cancel()

	engine, closeStore, err := c.Engine.engine(ctx, &c.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	if c.Group != "" {
		result, err := engine.Rotation.Run(ctx, c.Group)
		if err != nil {
			return fmt.Errorf("rotation of %s failed: %w", c.Group, err)
		}
		logRotation([]*lifecycle.RotationResult{result})
		return nil
	}

	results, err := engine.Rotation.RunAll(ctx)
	log.Info().Int("groups", len(results)).Int("rotated", logRotation(results)).Msg("Rotation pass complete")
	if err != nil {
		return fmt.Errorf("rotation pass had failures: %w", err)
	}
	return nil
}
