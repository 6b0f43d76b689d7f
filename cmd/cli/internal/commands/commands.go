package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/keyforge/internal/client"
	"github.com/wolfeidau/keyforge/internal/models"
)

type Globals struct {
	Debug    bool
	Version  string
	Server   string
	Token    string
	CacheDir string
	Timeout  time.Duration
	JSON     bool

	// Out receives command output, stdout when nil.
	Out io.Writer
}

func (g *Globals) client() (*client.Client, error) {
	cfg := client.DefaultConfig()
	if g.Server != "" {
		cfg.ServerURL = g.Server
	}
	if g.Timeout > 0 {
		cfg.Timeout = g.Timeout
	}
	cfg.Token = g.Token
	cfg.CacheDir = g.CacheDir

	c, err := client.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}

func (g *Globals) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

func (g *Globals) table() *tabwriter.Writer {
	return tabwriter.NewWriter(g.out(), 0, 0, 2, ' ', 0)
}

// printJSON writes v indented when --json is set and reports whether it did.
func (g *Globals) printJSON(v any) (bool, error) {
	if !g.JSON {
		return false, nil
	}
	return true, writeJSON(g.out(), v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// remoteGroups adapts the API client to config.GroupService so seed files can
// be applied to a running server.
type remoteGroups struct {
	c *client.Client
}

func (r remoteGroups) Create(ctx context.Context, group *models.Group) (*models.Group, error) {
	return r.c.CreateGroup(ctx, group)
}

func (r remoteGroups) Update(ctx context.Context, group *models.Group) (*models.Group, error) {
	return r.c.UpdateGroup(ctx, group)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func certificateStatus(cert *models.Certificate) string {
	switch {
	case cert.IsRevoked():
		return "revoked"
	case cert.IsExpired(time.Now()):
		return "expired"
	default:
		return "active"
	}
}

func printCertificates(g *Globals, certs []*models.Certificate) error {
	if ok, err := g.printJSON(certs); ok {
		return err
	}

	if len(certs) == 0 {
		fmt.Fprintln(g.out(), "No certificates found.")
		return nil
	}

	w := g.table()
	fmt.Fprintln(w, "KID\tGROUP\tUSAGE\tSUBJECT\tNOT BEFORE\tNOT AFTER\tSTATUS")
	for _, cert := range certs {
		group := cert.GroupCode
		if group == "" {
			group = "-"
		}
		notBefore := cert.NotBefore
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			cert.Kid, group, cert.UsageType, cert.Subject.String(),
			formatTime(&notBefore), formatTime(cert.NotAfter), certificateStatus(cert))
	}
	return w.Flush()
}

func printCertificate(g *Globals, cert *models.Certificate) error {
	if ok, err := g.printJSON(cert); ok {
		return err
	}

	out := g.out()
	notBefore := cert.NotBefore
	fmt.Fprintf(out, "Kid:           %s\n", cert.Kid)
	if cert.GroupCode != "" {
		fmt.Fprintf(out, "Group:         %s\n", cert.GroupCode)
	}
	if cert.GroupDeletedAt != nil {
		fmt.Fprintf(out, "Group deleted: %s\n", formatTime(cert.GroupDeletedAt))
	}
	if cert.IssuerKid != "" {
		fmt.Fprintf(out, "Issuer kid:    %s\n", cert.IssuerKid)
	}
	fmt.Fprintf(out, "Usage:         %s\n", cert.UsageType)
	fmt.Fprintf(out, "Subject:       %s\n", cert.Subject.String())
	fmt.Fprintf(out, "Serial:        %s\n", cert.SerialNumber)
	fmt.Fprintf(out, "Not before:    %s\n", formatTime(&notBefore))
	fmt.Fprintf(out, "Not after:     %s\n", formatTime(cert.NotAfter))
	fmt.Fprintf(out, "Status:        %s\n", certificateStatus(cert))
	if cert.IsRevoked() {
		fmt.Fprintf(out, "Revoked at:    %s\n", formatTime(cert.RevokedAt))
		if cert.RevocationReason != "" {
			fmt.Fprintf(out, "Reason:        %s\n", cert.RevocationReason)
		}
	}
	return nil
}
