package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfeidau/keyforge/internal/config"
	"github.com/wolfeidau/keyforge/internal/models"
)

// GroupsCmd manages certificate groups.
type GroupsCmd struct {
	List   GroupsListCmd   `cmd:"" help:"List all groups"`
	Get    GroupsGetCmd    `cmd:"" help:"Show a group policy"`
	Apply  GroupsApplyCmd  `cmd:"" help:"Create or update groups from a YAML file"`
	Delete GroupsDeleteCmd `cmd:"" help:"Delete a group with no active certificates"`
}

type GroupsListCmd struct{}

func (l *GroupsListCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	groups, err := c.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}

	if ok, err := globals.printJSON(groups); ok {
		return err
	}

	if len(groups) == 0 {
		fmt.Fprintln(globals.out(), "No groups found.")
		return nil
	}

	w := globals.table()
	fmt.Fprintln(w, "CODE\tUSAGE\tKEY\tAUTO ROTATE\tTHRESHOLD DAYS\tVALID DAYS")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\n",
			g.Code, g.UsageType, keyPolicyString(g.KeyPolicy), g.AutoRotate, g.RotationThresholdDays, g.ValidDays)
	}
	return w.Flush()
}

type GroupsGetCmd struct {
	Code string `arg:"" help:"Group code"`
}

func (g *GroupsGetCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	group, err := c.GetGroup(ctx, g.Code)
	if err != nil {
		return fmt.Errorf("failed to get group: %w", err)
	}

	if ok, err := globals.printJSON(group); ok {
		return err
	}

	out := globals.out()
	fmt.Fprintf(out, "Code:            %s\n", group.Code)
	if group.DisplayName != "" {
		fmt.Fprintf(out, "Display name:    %s\n", group.DisplayName)
	}
	fmt.Fprintf(out, "Usage:           %s\n", group.UsageType)
	fmt.Fprintf(out, "Key policy:      %s\n", keyPolicyString(group.KeyPolicy))
	fmt.Fprintf(out, "Subject:         %s\n", group.Subject.String())
	fmt.Fprintf(out, "Auto rotate:     %t\n", group.AutoRotate)
	fmt.Fprintf(out, "Threshold days:  %d\n", group.RotationThresholdDays)
	fmt.Fprintf(out, "Valid days:      %d\n", group.ValidDays)
	if len(group.KeyUsage) > 0 {
		fmt.Fprintf(out, "Key usage:       %s\n", joinStrings(group.KeyUsage))
	}
	if len(group.ExtKeyUsage) > 0 {
		fmt.Fprintf(out, "Ext key usage:   %s\n", joinStrings(group.ExtKeyUsage))
	}
	return nil
}

type GroupsApplyCmd struct {
	File string `short:"f" help:"YAML file of group policies" required:"" type:"path"`
}

func (a *GroupsApplyCmd) Run(ctx context.Context, globals *Globals) error {
	groups, err := config.LoadGroupsFile(a.File)
	if err != nil {
		return err
	}

	c, err := globals.client()
	if err != nil {
		return err
	}

	if err := config.Seed(ctx, remoteGroups{c: c}, groups); err != nil {
		return err
	}

	fmt.Fprintf(globals.out(), "Applied %d group(s) from %s\n", len(groups), a.File)
	return nil
}

type GroupsDeleteCmd struct {
	Code string `arg:"" help:"Group code"`
}

func (d *GroupsDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	if err := c.DeleteGroup(ctx, d.Code); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}

	fmt.Fprintf(globals.out(), "Deleted group %s\n", d.Code)
	return nil
}

func keyPolicyString(p models.KeyPolicy) string {
	if p.Type == models.KeyTypeRSA {
		return fmt.Sprintf("RSA %d", p.Size)
	}
	return fmt.Sprintf("EC %s", p.Curve)
}

func joinStrings[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}
