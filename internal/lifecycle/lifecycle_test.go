package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/pki"
	"github.com/wolfeidau/keyforge/internal/sealer"
	"github.com/wolfeidau/keyforge/internal/store/memory"
)

var start = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// fakeClock is a settable clock shared by the engine and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEngine struct {
	*Engine
	clock *fakeClock
	store *memory.Store
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) *testEngine {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	aes, err := sealer.NewAESGCM(key)
	require.NoError(t, err)

	clock := &fakeClock{now: start}
	st := memory.NewStore()

	cfg := Config{
		Store:  st,
		Sealer: aes,
		Clock:  clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	engine, err := New(cfg)
	require.NoError(t, err)

	return &testEngine{Engine: engine, clock: clock, store: st}
}

func ecGroup(code string) *models.Group {
	return &models.Group{
		Code:                  code,
		DisplayName:           "EC " + code,
		UsageType:             models.UsageServerSigning,
		KeyPolicy:             models.ECPolicy(models.CurveP256),
		Subject:               models.Subject{Country: "au", Organization: "Example", CommonName: code + ".example.com"},
		AutoRotate:            true,
		RotationThresholdDays: 30,
		ValidDays:             90,
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func intPtr(n int) *int {
	return &n
}

func requireValidation(t *testing.T, err error, code string) {
	t.Helper()
	require.ErrorIs(t, err, errdefs.ErrValidation)
	ve, ok := errdefs.AsValidation(err)
	require.True(t, ok)
	require.Equal(t, code, ve.Code)
}

func parseCert(t *testing.T, cert *models.Certificate) *x509.Certificate {
	t.Helper()
	parsed, err := pki.ParseCertificatePEM([]byte(cert.CertificatePEM))
	require.NoError(t, err)
	return parsed
}

func requireSignedBy(t *testing.T, cert, parent *x509.Certificate) {
	t.Helper()
	require.NoError(t, parent.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))
}

func TestNew(t *testing.T) {
	t.Run("store is required", func(t *testing.T) {
		_, err := New(Config{})
		require.Error(t, err)
	})

	t.Run("node id out of range", func(t *testing.T) {
		_, err := New(Config{Store: memory.NewStore(), NodeID: 5000})
		require.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		engine, err := New(Config{Store: memory.NewStore()})
		require.NoError(t, err)
		require.NotNil(t, engine.Groups)
		require.NotNil(t, engine.JWKS)
	})
}

func TestGroups(t *testing.T) {
	ctx := context.Background()

	t.Run("create normalises and stamps times", func(t *testing.T) {
		e := newTestEngine(t)

		in := ecGroup("payments")
		in.UsageType = "SERVER_SIGNING"
		in.KeyPolicy = models.KeyPolicy{Type: "ec"}

		group, err := e.Groups.Create(ctx, in)
		require.NoError(t, err)
		require.Equal(t, models.UsageServerSigning, group.UsageType)
		require.Equal(t, models.ECPolicy(models.CurveP256), group.KeyPolicy)
		require.Equal(t, "AU", group.Subject.Country)
		require.Equal(t, start, group.CreatedAt)
		require.Equal(t, start, group.UpdatedAt)

		_, err = e.Groups.Create(ctx, ecGroup("payments"))
		require.ErrorIs(t, err, errdefs.ErrAlreadyExists)
		require.ErrorIs(t, err, errdefs.ErrConflict)
	})

	t.Run("create validation", func(t *testing.T) {
		e := newTestEngine(t)

		tests := []struct {
			name   string
			mutate func(g *models.Group)
			code   string
		}{
			{name: "upper case code", mutate: func(g *models.Group) { g.Code = "Payments" }, code: errdefs.CodeInvalidGroupCode},
			{name: "code with space", mutate: func(g *models.Group) { g.Code = "pay ments" }, code: errdefs.CodeInvalidGroupCode},
			{name: "empty code", mutate: func(g *models.Group) { g.Code = "" }, code: errdefs.CodeInvalidGroupCode},
			{name: "unknown usage", mutate: func(g *models.Group) { g.UsageType = "timestamping" }, code: errdefs.CodeUnknownUsageType},
			{name: "zero threshold", mutate: func(g *models.Group) { g.RotationThresholdDays = 0 }, code: errdefs.CodeInvalidRotationThreshold},
			{name: "negative threshold", mutate: func(g *models.Group) { g.RotationThresholdDays = -5 }, code: errdefs.CodeInvalidRotationThreshold},
			{name: "rsa size", mutate: func(g *models.Group) { g.KeyPolicy = models.RSAPolicy(1024) }, code: errdefs.CodeUnsupportedKeySize},
			{name: "curve", mutate: func(g *models.Group) { g.KeyPolicy = models.ECPolicy("P-521") }, code: errdefs.CodeUnsupportedCurve},
			{name: "key type", mutate: func(g *models.Group) { g.KeyPolicy = models.KeyPolicy{Type: "DSA"} }, code: errdefs.CodeUnsupportedKeyType},
			{name: "country", mutate: func(g *models.Group) { g.Subject.Country = "AUS" }, code: errdefs.CodeInvalidSubject},
			{name: "negative valid days", mutate: func(g *models.Group) { g.ValidDays = -1 }, code: errdefs.CodeInvalidValidDays},
			{name: "key usage", mutate: func(g *models.Group) { g.KeyUsage = []models.KeyUsage{"signEverything"} }, code: errdefs.CodeUnknownKeyUsage},
			{name: "ext key usage", mutate: func(g *models.Group) { g.ExtKeyUsage = []models.ExtKeyUsage{"anything"} }, code: errdefs.CodeUnknownExtKeyUsage},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				g := ecGroup("valid")
				tt.mutate(g)
				_, err := e.Groups.Create(ctx, g)
				requireValidation(t, err, tt.code)
			})
		}

		groups, err := e.Groups.List(ctx)
		require.NoError(t, err)
		require.Empty(t, groups)
	})

	t.Run("update replaces policy and keeps history", func(t *testing.T) {
		e := newTestEngine(t)

		_, err := e.Groups.Create(ctx, ecGroup("payments"))
		require.NoError(t, err)
		issued, err := e.Issuance.IssueUnderGroup(ctx, "payments", IssueOptions{})
		require.NoError(t, err)

		e.clock.Advance(time.Hour)

		update := ecGroup("payments")
		update.DisplayName = "Payments"
		update.KeyPolicy = models.ECPolicy(models.CurveP384)
		update.RotationThresholdDays = 10
		update.AutoRotate = false

		group, err := e.Groups.Update(ctx, update)
		require.NoError(t, err)
		require.Equal(t, start, group.CreatedAt)
		require.Equal(t, start.Add(time.Hour), group.UpdatedAt)

		got, err := e.Groups.Get(ctx, "payments")
		require.NoError(t, err)
		require.Equal(t, "Payments", got.DisplayName)
		require.Equal(t, models.ECPolicy(models.CurveP384), got.KeyPolicy)
		require.False(t, got.AutoRotate)

		certs, err := e.Registry.ListByGroup(ctx, "payments")
		require.NoError(t, err)
		require.Len(t, certs, 1)
		require.Equal(t, issued.Kid, certs[0].Kid)

		_, err = e.Groups.Update(ctx, ecGroup("missing"))
		require.ErrorIs(t, err, errdefs.ErrNotFound)

		bad := ecGroup("payments")
		bad.RotationThresholdDays = 0
		_, err = e.Groups.Update(ctx, bad)
		requireValidation(t, err, errdefs.CodeInvalidRotationThreshold)
	})

	t.Run("delete", func(t *testing.T) {
		e := newTestEngine(t)

		_, err := e.Groups.Create(ctx, ecGroup("empty"))
		require.NoError(t, err)
		require.NoError(t, e.Groups.Delete(ctx, "empty"))
		_, err = e.Groups.Get(ctx, "empty")
		require.ErrorIs(t, err, errdefs.ErrNotFound)

		_, err = e.Groups.Create(ctx, ecGroup("busy"))
		require.NoError(t, err)
		cert, err := e.Issuance.IssueUnderGroup(ctx, "busy", IssueOptions{})
		require.NoError(t, err)

		err = e.Groups.Delete(ctx, "busy")
		require.ErrorIs(t, err, errdefs.ErrConflict)
		_, err = e.Groups.Get(ctx, "busy")
		require.NoError(t, err, "group is left intact")

		// expired certificates no longer block the delete
		e.clock.Set(*cert.NotAfter)
		require.NoError(t, e.Groups.Delete(ctx, "busy"))

		kept, err := e.Registry.Get(ctx, cert.Kid)
		require.NoError(t, err)
		require.Equal(t, "busy", kept.GroupCode)

		require.ErrorIs(t, e.Groups.Delete(ctx, "busy"), errdefs.ErrNotFound)
	})

	t.Run("delete after revoking", func(t *testing.T) {
		e := newTestEngine(t)

		_, err := e.Groups.Create(ctx, ecGroup("g1"))
		require.NoError(t, err)
		cert, err := e.Issuance.IssueUnderGroup(ctx, "g1", IssueOptions{ValidDays: intPtr(0)})
		require.NoError(t, err)

		require.ErrorIs(t, e.Groups.Delete(ctx, "g1"), errdefs.ErrConflict)

		_, err = e.Registry.Revoke(ctx, cert.Kid, "retired")
		require.NoError(t, err)
		require.NoError(t, e.Groups.Delete(ctx, "g1"))
	})

	t.Run("recreated group starts without keys", func(t *testing.T) {
		e := newTestEngine(t)

		_, err := e.Groups.Create(ctx, ecGroup("svc"))
		require.NoError(t, err)
		old, err := e.Issuance.IssueUnderGroup(ctx, "svc", IssueOptions{ValidDays: intPtr(1)})
		require.NoError(t, err)

		e.clock.Advance(days(2))
		require.NoError(t, e.Groups.Delete(ctx, "svc"))

		recreated := ecGroup("svc")
		recreated.KeyPolicy = models.ECPolicy(models.CurveP384)
		_, err = e.Groups.Create(ctx, recreated)
		require.NoError(t, err)

		status, err := e.Rotation.Evaluate(ctx, "svc")
		require.NoError(t, err)
		require.Equal(t, StateNoActiveKey, status.State)
		require.Empty(t, status.CurrentKid)

		_, err = e.JWKS.LatestKey(ctx, "svc")
		require.ErrorIs(t, err, errdefs.ErrNotFound)

		set, err := e.JWKS.Publish(ctx, "svc")
		require.NoError(t, err)
		require.Empty(t, set.Keys)

		certs, err := e.Registry.ListByGroup(ctx, "svc")
		require.NoError(t, err)
		require.Empty(t, certs)

		payload := base64.StdEncoding.EncodeToString([]byte("payload"))
		_, err = e.Signer.Sign(ctx, SignRequest{GroupCode: "svc", Payload: payload})
		require.ErrorIs(t, err, errdefs.ErrNotFound)
		_, err = e.Signer.Sign(ctx, SignRequest{GroupCode: "svc", Kid: old.Kid, Payload: payload})
		require.ErrorIs(t, err, errdefs.ErrNotFound)

		// the first key of the new group follows the new policy
		fresh, err := e.Issuance.IssueUnderGroup(ctx, "svc", IssueOptions{})
		require.NoError(t, err)
		require.Equal(t, models.ECPolicy(models.CurveP384), fresh.KeyPolicy)

		latest, err := e.JWKS.LatestKey(ctx, "svc")
		require.NoError(t, err)
		require.Len(t, latest.Keys, 1)
		require.Equal(t, fresh.Kid, latest.Keys[0].Kid)
		require.Equal(t, "P-384", latest.Keys[0].Crv)

		signed, err := e.Signer.Sign(ctx, SignRequest{GroupCode: "svc", Payload: payload})
		require.NoError(t, err)
		require.Equal(t, fresh.Kid, signed.Kid)

		// the old certificate is kept and still found by group code
		history, err := e.Registry.Search(ctx, SearchParams{GroupCode: "svc"})
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.Equal(t, old.Kid, history[0].Kid)
		require.NotNil(t, history[0].GroupDeletedAt)
	})

	t.Run("list ordered by code", func(t *testing.T) {
		e := newTestEngine(t)
		for _, code := range []string{"zeta", "alpha", "mid_1"} {
			_, err := e.Groups.Create(ctx, ecGroup(code))
			require.NoError(t, err)
		}

		groups, err := e.Groups.List(ctx)
		require.NoError(t, err)
		require.Len(t, groups, 3)
		require.Equal(t, "alpha", groups[0].Code)
		require.Equal(t, "mid_1", groups[1].Code)
		require.Equal(t, "zeta", groups[2].Code)
	})
}

func TestCancelledContext(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Groups.Create(context.Background(), ecGroup("g1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.Issuance.IssueUnderGroup(ctx, "g1", IssueOptions{})
	require.ErrorIs(t, err, errdefs.ErrCancelled)

	certs, err := e.Registry.ListByGroup(context.Background(), "g1")
	require.NoError(t, err)
	require.Empty(t, certs, "nothing is partially written")
}
