// Package config loads the YAML group policy seed file.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
)

// GroupsFile is the document layout of a seed file:
//
//	groups:
//	  - groupCode: payments
//	    usageType: server_signing
//	    keyPolicy: {keyType: EC, keyCurve: P-256}
//	    subjectTemplate: {C: AU, O: Example, CN: payments.example.com}
//	    autoRotate: true
//	    rotationThresholdDays: 30
//	    validDays: 90
type GroupsFile struct {
	Groups []GroupEntry `yaml:"groups"`
}

// GroupEntry is one group policy. ValidDays is a pointer so an omitted value
// can default to models.DefaultValidDays while an explicit 0 keeps its
// meaning of unlimited validity.
type GroupEntry struct {
	Code                  string               `yaml:"groupCode"`
	DisplayName           string               `yaml:"displayName"`
	UsageType             models.UsageType     `yaml:"usageType"`
	KeyPolicy             models.KeyPolicy     `yaml:"keyPolicy"`
	Subject               models.Subject       `yaml:"subjectTemplate"`
	AutoRotate            bool                 `yaml:"autoRotate"`
	RotationThresholdDays int                  `yaml:"rotationThresholdDays"`
	ValidDays             *int                 `yaml:"validDays"`
	KeyUsage              []models.KeyUsage    `yaml:"keyUsage"`
	ExtKeyUsage           []models.ExtKeyUsage `yaml:"extendedKeyUsage"`
}

// Group converts the entry to a model, applying defaults.
func (e GroupEntry) Group() *models.Group {
	validDays := models.DefaultValidDays
	if e.ValidDays != nil {
		validDays = *e.ValidDays
	}
	return &models.Group{
		Code:                  e.Code,
		DisplayName:           e.DisplayName,
		UsageType:             e.UsageType,
		KeyPolicy:             e.KeyPolicy,
		Subject:               e.Subject,
		AutoRotate:            e.AutoRotate,
		RotationThresholdDays: e.RotationThresholdDays,
		ValidDays:             validDays,
		KeyUsage:              e.KeyUsage,
		ExtKeyUsage:           e.ExtKeyUsage,
	}
}

// LoadGroupsFile reads and validates a seed file.
func LoadGroupsFile(path string) ([]*models.Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups file: %w", err)
	}

	groups, err := ParseGroups(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("groups file %s: %w", path, err)
	}
	return groups, nil
}

// ParseGroups decodes a seed document. Unknown fields, duplicate codes and
// invalid policies are errors.
func ParseGroups(r io.Reader) ([]*models.Group, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file GroupsFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}

	seen := make(map[string]bool, len(file.Groups))
	groups := make([]*models.Group, 0, len(file.Groups))
	for i, entry := range file.Groups {
		group := entry.Group()
		group.Normalize()
		if err := group.Validate(); err != nil {
			return nil, fmt.Errorf("group %d (%s): %w", i, entry.Code, err)
		}
		if seen[group.Code] {
			return nil, fmt.Errorf("group %d: duplicate group code %q", i, group.Code)
		}
		seen[group.Code] = true
		groups = append(groups, group)
	}

	return groups, nil
}

// GroupService is the subset of the lifecycle group service used for seeding.
type GroupService interface {
	Create(ctx context.Context, group *models.Group) (*models.Group, error)
	Update(ctx context.Context, group *models.Group) (*models.Group, error)
}

// Seed creates each group, updating the policy of groups that already exist
// so the file stays authoritative across restarts.
func Seed(ctx context.Context, svc GroupService, groups []*models.Group) error {
	for _, group := range groups {
		_, err := svc.Create(ctx, group)
		switch {
		case err == nil:
			log.Info().Str("group_code", group.Code).Msg("Seeded group")
		case errors.Is(err, errdefs.ErrAlreadyExists):
			if _, err := svc.Update(ctx, group); err != nil {
				return fmt.Errorf("failed to update group %s: %w", group.Code, err)
			}
			log.Info().Str("group_code", group.Code).Msg("Updated seeded group")
		default:
			return fmt.Errorf("failed to seed group %s: %w", group.Code, err)
		}
	}
	return nil
}
