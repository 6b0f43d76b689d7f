package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/store"
	"github.com/wolfeidau/keyforge/internal/telemetry"
)

// RotationState is where a group's current signing key sits in its lifetime.
type RotationState string

const (
	StateNoActiveKey RotationState = "NoActiveKey"
	StateActive      RotationState = "Active"
	StateNearExpiry  RotationState = "NearExpiry"
	StateExpired     RotationState = "Expired"
)

// Due reports whether the state calls for a new signing key.
func (s RotationState) Due() bool {
	return s == StateNoActiveKey || s == StateNearExpiry || s == StateExpired
}

// RotationStatus is the result of evaluating a group.
type RotationStatus struct {
	GroupCode   string        `json:"groupCode"`
	State       RotationState `json:"state"`
	AutoRotate  bool          `json:"autoRotate"`
	CurrentKid  string        `json:"currentKid,omitempty"`
	NotAfter    *time.Time    `json:"notAfter,omitempty"`
	RotateAfter *time.Time    `json:"rotateAfter,omitempty"` // notAfter - rotationThresholdDays
	EvaluatedAt time.Time     `json:"evaluatedAt"`
}

// RotationResult reports what Run did.
type RotationResult struct {
	Status      RotationStatus      `json:"status"`
	Rotated     bool                `json:"rotated"`
	Certificate *models.Certificate `json:"certificate,omitempty"`
}

// Rotation evaluates groups against their rotation policy and mints new keys
// when due. It never revokes the outgoing key.
type Rotation struct {
	*core
	issuance *Issuance
}

// Evaluate computes the rotation state of a group at the current time.
func (r *Rotation) Evaluate(ctx context.Context, code string) (*RotationStatus, error) {
	group, err := r.store.GetGroup(ctx, code)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}

	status, _, err := r.evaluate(ctx, group)
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (r *Rotation) evaluate(ctx context.Context, group *models.Group) (*RotationStatus, *models.Certificate, error) {
	current, err := r.store.Current(ctx, group.Code)
	if err != nil && !errors.Is(err, store.ErrNoCurrentKey) {
		return nil, nil, errdefs.FromContext(err)
	}

	status := EvaluateRotation(group, current, r.now())

	r.metrics.RotationEvaluationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(status.State)),
	))

	return &status, current, nil
}

// EvaluateRotation computes the rotation state of group given its current
// signing key (nil when there is none) at now. A key is NearExpiry from
// notAfter - rotationThresholdDays onwards, inclusive, and Expired from
// notAfter. Keys with unlimited validity stay Active.
func EvaluateRotation(group *models.Group, current *models.Certificate, now time.Time) RotationStatus {
	status := RotationStatus{
		GroupCode:   group.Code,
		AutoRotate:  group.AutoRotate,
		EvaluatedAt: now,
		State:       StateNoActiveKey,
	}
	if current == nil {
		return status
	}

	status.CurrentKid = current.Kid
	status.State = StateActive
	if current.NotAfter == nil {
		return status
	}

	notAfter := *current.NotAfter
	rotateAfter := notAfter.AddDate(0, 0, -group.RotationThresholdDays)
	status.NotAfter = &notAfter
	status.RotateAfter = &rotateAfter

	switch {
	case !now.Before(notAfter):
		status.State = StateExpired
	case !now.Before(rotateAfter):
		status.State = StateNearExpiry
	}

	return status
}

// Run evaluates a group and, when rotation is due and the group auto-rotates,
// issues a new signing key. Concurrent runs for the same group mint at most one
// key: the losers report Rotated=false.
func (r *Rotation) Run(ctx context.Context, code string) (result *RotationResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.rotation.run", attribute.String("group_code", code))
	defer func() { telemetry.EndSpan(span, err) }()

	group, err := r.store.GetGroup(ctx, code)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}

	status, current, err := r.evaluate(ctx, group)
	if err != nil {
		return nil, err
	}

	result = &RotationResult{Status: *status}
	if !status.State.Due() || !group.AutoRotate {
		return result, nil
	}

	expectKid := ""
	if current != nil {
		expectKid = current.Kid
	}

	source := sourceRotation
	if current == nil {
		source = sourceGroup
	}

	cert, err := r.issuance.issueUnderGroup(ctx, group, IssueOptions{}, &expectKid, source)
	if err != nil {
		if errors.Is(err, store.ErrCurrentKeyChanged) {
			r.metrics.RotationConflictsTotal.Add(ctx, 1)
			log.Info().
				Str("group_code", code).
				Str("expected_kid", expectKid).
				Msg("Rotation skipped, current key already replaced")
			return result, nil
		}
		return nil, fmt.Errorf("failed to rotate group %s: %w", code, err)
	}

	r.metrics.RotationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(status.State))))

	log.Info().
		Str("group_code", code).
		Str("state", string(status.State)).
		Str("previous_kid", expectKid).
		Str("kid", cert.Kid).
		Msg("Rotated signing key")

	result.Rotated = true
	result.Certificate = cert
	return result, nil
}

// RunAll runs rotation for every group. A failing group does not stop the
// others; the errors are joined.
func (r *Rotation) RunAll(ctx context.Context) ([]*RotationResult, error) {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return nil, errdefs.FromContext(err)
	}

	var (
		results []*RotationResult
		errs    []error
	)
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			errs = append(errs, errdefs.FromContext(err))
			break
		}

		result, err := r.Run(ctx, group.Code)
		if err != nil {
			log.Error().Err(err).Str("group_code", group.Code).Msg("Rotation failed")
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
	}

	return results, errors.Join(errs...)
}
