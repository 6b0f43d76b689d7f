package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/keyforge/internal/lifecycle"
)

type IssueCmd struct {
	Group     string `arg:"" help:"Group code"`
	ValidDays int    `help:"Override the group's validity in days, 0 for unlimited, -1 uses the group policy" default:"-1"`
}

func (i *IssueCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	cert, err := c.Issue(ctx, i.Group, validDays(i.ValidDays))
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}
	return printCertificate(globals, cert)
}

type ShowCmd struct {
	Kid string `arg:"" help:"Certificate kid"`
	PEM bool   `help:"Print only the PEM certificate"`
}

func (s *ShowCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	cert, err := c.GetCertificate(ctx, s.Kid)
	if err != nil {
		return fmt.Errorf("failed to get certificate: %w", err)
	}

	if s.PEM {
		_, err := fmt.Fprint(globals.out(), cert.CertificatePEM)
		return err
	}
	return printCertificate(globals, cert)
}

type RevokeCmd struct {
	Kid    string `arg:"" help:"Certificate kid"`
	Reason string `help:"Revocation reason"`
}

func (r *RevokeCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	cert, err := c.Revoke(ctx, r.Kid, r.Reason)
	if err != nil {
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}
	return printCertificate(globals, cert)
}

type SearchCmd struct {
	Kid         string    `help:"Exact kid"`
	Group       string    `help:"Group code"`
	IssuerKid   string    `help:"Kid of the group key that signed the certificate from a CSR"`
	Usage       string    `help:"Usage type (server_signing, client_signing or encryption)"`
	Subject     string    `help:"Substring of the subject DN"`
	Revoked     string    `help:"Revocation filter (true, false or any)" default:"any" enum:"true,false,any"`
	IssuedFrom  time.Time `help:"Issued at or after (RFC3339)" format:"2006-01-02T15:04:05Z07:00"`
	IssuedTo    time.Time `help:"Issued at or before (RFC3339)" format:"2006-01-02T15:04:05Z07:00"`
	ExpiresFrom time.Time `help:"Expiring at or after (RFC3339)" format:"2006-01-02T15:04:05Z07:00"`
	ExpiresTo   time.Time `help:"Expiring at or before (RFC3339)" format:"2006-01-02T15:04:05Z07:00"`
	Limit       int       `help:"Maximum number of results" default:"50"`
	Offset      int       `help:"Number of results to skip" default:"0"`
}

func (s *SearchCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.client()
	if err != nil {
		return err
	}

	certs, err := c.Search(ctx, s.params())
	if err != nil {
		return fmt.Errorf("failed to search certificates: %w", err)
	}
	return printCertificates(globals, certs)
}

func (s *SearchCmd) params() lifecycle.SearchParams {
	return lifecycle.SearchParams{
		Kid:         s.Kid,
		GroupCode:   s.Group,
		IssuerKid:   s.IssuerKid,
		UsageType:   s.Usage,
		Subject:     s.Subject,
		Revoked:     s.Revoked,
		IssuedFrom:  optionalTime(s.IssuedFrom),
		IssuedTo:    optionalTime(s.IssuedTo),
		ExpiresFrom: optionalTime(s.ExpiresFrom),
		ExpiresTo:   optionalTime(s.ExpiresTo),
		Limit:       s.Limit,
		Offset:      s.Offset,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func validDays(days int) *int {
	if days < 0 {
		return nil
	}
	return &days
}
