package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/keyforge"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Issuance metrics
	CertificatesIssuedTotal  metric.Int64Counter
	CertificatesRevokedTotal metric.Int64Counter
	KeyGenerationDuration    metric.Float64Histogram

	// Rotation metrics
	RotationEvaluationsTotal metric.Int64Counter
	RotationsTotal           metric.Int64Counter
	RotationConflictsTotal   metric.Int64Counter

	// Signing metrics
	PayloadsSignedTotal    metric.Int64Counter
	PayloadSignErrorsTotal metric.Int64Counter

	// Verification metrics
	JWKSPublishedTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Issuance metrics
	m.CertificatesIssuedTotal, _ = meter.Int64Counter(
		"keyforge.certificates.issued.total",
		metric.WithDescription("Total number of certificates issued"),
		metric.WithUnit("{certificate}"),
	)

	m.CertificatesRevokedTotal, _ = meter.Int64Counter(
		"keyforge.certificates.revoked.total",
		metric.WithDescription("Total number of certificates revoked"),
		metric.WithUnit("{certificate}"),
	)

	m.KeyGenerationDuration, _ = meter.Float64Histogram(
		"keyforge.keys.generation.duration",
		metric.WithDescription("Duration of key pair generation"),
		metric.WithUnit("ms"),
	)

	// Rotation metrics
	m.RotationEvaluationsTotal, _ = meter.Int64Counter(
		"keyforge.rotation.evaluations.total",
		metric.WithDescription("Total number of rotation evaluations by resulting state"),
		metric.WithUnit("{evaluation}"),
	)

	m.RotationsTotal, _ = meter.Int64Counter(
		"keyforge.rotation.rotated.total",
		metric.WithDescription("Total number of new signing keys minted by rotation"),
		metric.WithUnit("{rotation}"),
	)

	m.RotationConflictsTotal, _ = meter.Int64Counter(
		"keyforge.rotation.conflicts.total",
		metric.WithDescription("Total number of rotations abandoned because another rotation won"),
		metric.WithUnit("{rotation}"),
	)

	// Signing metrics
	m.PayloadsSignedTotal, _ = meter.Int64Counter(
		"keyforge.sign.payloads.total",
		metric.WithDescription("Total number of payloads signed"),
		metric.WithUnit("{signature}"),
	)

	m.PayloadSignErrorsTotal, _ = meter.Int64Counter(
		"keyforge.sign.errors.total",
		metric.WithDescription("Total number of rejected or failed signing requests"),
		metric.WithUnit("{error}"),
	)

	// Verification metrics
	m.JWKSPublishedTotal, _ = meter.Int64Counter(
		"keyforge.jwks.published.total",
		metric.WithDescription("Total number of JWKS documents served"),
		metric.WithUnit("{document}"),
	)

	return m
}
