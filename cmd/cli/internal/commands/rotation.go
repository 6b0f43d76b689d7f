package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/keyforge/internal/lifecycle"
)

type RotateCmd struct {
	Group string `arg:"" help:"Group code"`
}

func (r *RotateCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	result, err := c.Rotate(ctx, r.Group)
	if err != nil {
		return fmt.Errorf("failed to rotate group: %w", err)
	}

	if ok, err := globals.printJSON(result); ok {
		return err
	}

	printRotationStatus(globals, &result.Status)
	if result.Rotated {
		fmt.Fprintf(globals.out(), "Rotated:       %s\n", result.Certificate.Kid)
	} else {
		fmt.Fprintln(globals.out(), "Rotated:       no")
	}
	return nil
}

type RotationCmd struct {
	Group string `arg:"" help:"Group code"`
}

func (r *RotationCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	status, err := c.RotationStatus(ctx, r.Group)
	if err != nil {
		return fmt.Errorf("failed to evaluate rotation: %w", err)
	}

	if ok, err := globals.printJSON(status); ok {
		return err
	}

	printRotationStatus(globals, status)
	return nil
}

func printRotationStatus(globals *Globals, status *lifecycle.RotationStatus) {
	out := globals.out()
	fmt.Fprintf(out, "Group:         %s\n", status.GroupCode)
	fmt.Fprintf(out, "State:         %s\n", status.State)
	fmt.Fprintf(out, "Auto rotate:   %t\n", status.AutoRotate)
	if status.CurrentKid != "" {
		fmt.Fprintf(out, "Current kid:   %s\n", status.CurrentKid)
	}
	fmt.Fprintf(out, "Not after:     %s\n", formatTime(status.NotAfter))
	fmt.Fprintf(out, "Rotate after:  %s\n", formatTime(status.RotateAfter))
}
