// Package storetest holds behaviour tests shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/store"
)

var (
	base   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nextID atomic.Int64
)

// NewGroup returns a valid group for code.
func NewGroup(code string) *models.Group {
	return &models.Group{
		Code:                  code,
		DisplayName:           "Test " + code,
		UsageType:             models.UsageServerSigning,
		KeyPolicy:             models.RSAPolicy(2048),
		Subject:               models.Subject{Country: "AU", Organization: "Example", CommonName: code},
		AutoRotate:            true,
		RotationThresholdDays: 30,
		ValidDays:             365,
		CreatedAt:             base,
		UpdatedAt:             base,
	}
}

// NewCertificate returns a certificate record in group issued at notBefore
// and valid for validDays (0 = unlimited).
func NewCertificate(groupCode string, notBefore time.Time, validDays int) *models.Certificate {
	id := nextID.Add(1)
	cert := &models.Certificate{
		ID:             id,
		Kid:            fmt.Sprintf("kid-%s-%d", groupCode, id),
		GroupCode:      groupCode,
		UsageType:      models.UsageServerSigning,
		KeyPolicy:      models.RSAPolicy(2048),
		Subject:        models.Subject{Country: "AU", Organization: "Example", CommonName: fmt.Sprintf("svc-%d.example.com", id)},
		SerialNumber:   fmt.Sprintf("%x", id),
		NotBefore:      notBefore,
		CertificatePEM: "-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n",
		PublicKeyPEM:   "-----BEGIN PUBLIC KEY-----\n-----END PUBLIC KEY-----\n",
		KeyUsage:       []models.KeyUsage{models.KeyUsageDigitalSignature},
		ExtKeyUsage:    []models.ExtKeyUsage{models.ExtKeyUsageServerAuth},
		CreatedAt:      notBefore,
	}
	if validDays > 0 {
		notAfter := notBefore.AddDate(0, 0, validDays)
		cert.NotAfter = &notAfter
	}
	return cert
}

func ptr[T any](v T) *T {
	return &v
}

// Run exercises a store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("groups", func(t *testing.T) { testGroups(t, newStore(t)) })
	t.Run("delete group", func(t *testing.T) { testDeleteGroup(t, newStore(t)) })
	t.Run("recreate group", func(t *testing.T) { testRecreateGroup(t, newStore(t)) })
	t.Run("register", func(t *testing.T) { testRegister(t, newStore(t)) })
	t.Run("revoke", func(t *testing.T) { testRevoke(t, newStore(t)) })
	t.Run("concurrent revoke", func(t *testing.T) { testConcurrentRevoke(t, newStore(t)) })
	t.Run("current", func(t *testing.T) { testCurrent(t, newStore(t)) })
	t.Run("expect current kid", func(t *testing.T) { testExpectCurrentKid(t, newStore(t)) })
	t.Run("search", func(t *testing.T) { testSearch(t, newStore(t)) })
	t.Run("delete and register exclusion", func(t *testing.T) { testDeleteRegisterExclusion(t, newStore(t)) })
}

func testGroups(t *testing.T, st store.Store) {
	ctx := context.Background()

	g := NewGroup("payments")
	g.KeyUsage = []models.KeyUsage{models.KeyUsageDigitalSignature, models.KeyUsageKeyEncipherment}
	require.NoError(t, st.CreateGroup(ctx, g))
	require.ErrorIs(t, st.CreateGroup(ctx, g), store.ErrGroupAlreadyExists)
	require.ErrorIs(t, st.CreateGroup(ctx, g), errdefs.ErrAlreadyExists)

	got, err := st.GetGroup(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, g.Code, got.Code)
	require.Equal(t, g.Subject, got.Subject)
	require.Equal(t, g.KeyPolicy, got.KeyPolicy)
	require.Equal(t, g.KeyUsage, got.KeyUsage)
	require.Equal(t, g.RotationThresholdDays, got.RotationThresholdDays)

	_, err = st.GetGroup(ctx, "missing")
	require.ErrorIs(t, err, store.ErrGroupNotFound)
	require.ErrorIs(t, err, errdefs.ErrNotFound)

	updated := got.Clone()
	updated.DisplayName = "Payments"
	updated.KeyPolicy = models.ECPolicy(models.CurveP384)
	updated.AutoRotate = false
	updated.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, st.UpdateGroup(ctx, updated))

	got, err = st.GetGroup(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, "Payments", got.DisplayName)
	require.Equal(t, models.ECPolicy(models.CurveP384), got.KeyPolicy)
	require.False(t, got.AutoRotate)
	require.True(t, base.Equal(got.CreatedAt))

	require.ErrorIs(t, st.UpdateGroup(ctx, NewGroup("missing")), store.ErrGroupNotFound)

	require.NoError(t, st.CreateGroup(ctx, NewGroup("audit")))
	groups, err := st.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "audit", groups[0].Code)
	require.Equal(t, "payments", groups[1].Code)
}

func testDeleteGroup(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := base.AddDate(0, 0, 10)

	t.Run("no certificates", func(t *testing.T) {
		require.NoError(t, st.CreateGroup(ctx, NewGroup("empty")))
		require.NoError(t, st.DeleteGroup(ctx, "empty", now))
		_, err := st.GetGroup(ctx, "empty")
		require.ErrorIs(t, err, store.ErrGroupNotFound)
	})

	t.Run("missing group", func(t *testing.T) {
		require.ErrorIs(t, st.DeleteGroup(ctx, "missing", now), store.ErrGroupNotFound)
	})

	t.Run("active certificate blocks delete", func(t *testing.T) {
		require.NoError(t, st.CreateGroup(ctx, NewGroup("busy")))
		require.NoError(t, st.Register(ctx, NewCertificate("busy", base, 30), store.RegisterOptions{}))

		err := st.DeleteGroup(ctx, "busy", now)
		require.ErrorIs(t, err, store.ErrGroupHasActiveCertificates)
		require.ErrorIs(t, err, errdefs.ErrConflict)

		_, err = st.GetGroup(ctx, "busy")
		require.NoError(t, err, "group must be left intact")
	})

	t.Run("unlimited certificate blocks delete", func(t *testing.T) {
		require.NoError(t, st.CreateGroup(ctx, NewGroup("forever")))
		require.NoError(t, st.Register(ctx, NewCertificate("forever", base, 0), store.RegisterOptions{}))
		require.ErrorIs(t, st.DeleteGroup(ctx, "forever", now.AddDate(50, 0, 0)), store.ErrGroupHasActiveCertificates)
	})

	t.Run("revoked and expired certificates do not block", func(t *testing.T) {
		require.NoError(t, st.CreateGroup(ctx, NewGroup("done")))

		expired := NewCertificate("done", base, 5)
		require.NoError(t, st.Register(ctx, expired, store.RegisterOptions{}))

		revoked := NewCertificate("done", base, 0)
		require.NoError(t, st.Register(ctx, revoked, store.RegisterOptions{}))
		_, err := st.Revoke(ctx, revoked.Kid, "retired", base.Add(time.Hour))
		require.NoError(t, err)

		require.NoError(t, st.DeleteGroup(ctx, "done", now))

		// certificates are retained for audit
		_, err = st.Get(ctx, expired.Kid)
		require.NoError(t, err)
		_, err = st.Get(ctx, revoked.Kid)
		require.NoError(t, err)
	})
}

func testRecreateGroup(t *testing.T, st store.Store) {
	ctx := context.Background()
	deletedAt := base.AddDate(0, 0, 10)

	require.NoError(t, st.CreateGroup(ctx, NewGroup("svc")))
	old := NewCertificate("svc", base, 1)
	require.NoError(t, st.Register(ctx, old, store.RegisterOptions{}))
	require.NoError(t, st.DeleteGroup(ctx, "svc", deletedAt))

	recreated := NewGroup("svc")
	recreated.KeyPolicy = models.ECPolicy("P-384")
	require.NoError(t, st.CreateGroup(ctx, recreated))

	_, err := st.Current(ctx, "svc")
	require.ErrorIs(t, err, store.ErrNoCurrentKey)

	certs, err := st.ListByGroup(ctx, "svc")
	require.NoError(t, err)
	require.Empty(t, certs)

	// a first key for the new group is not blocked by the old one
	fresh := NewCertificate("svc", deletedAt, 30)
	require.NoError(t, st.Register(ctx, fresh, store.RegisterOptions{ExpectCurrentKid: ptr("")}))

	current, err := st.Current(ctx, "svc")
	require.NoError(t, err)
	require.Equal(t, fresh.Kid, current.Kid)

	certs, err = st.ListByGroup(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	require.Equal(t, fresh.Kid, certs[0].Kid)

	t.Run("old certificates stay searchable", func(t *testing.T) {
		got, err := st.Search(ctx, store.SearchFilter{GroupCode: "svc"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, old.Kid, got[0].Kid)
		require.NotNil(t, got[0].GroupDeletedAt)
		require.True(t, deletedAt.Equal(*got[0].GroupDeletedAt))
		require.Nil(t, got[1].GroupDeletedAt)
	})

	t.Run("old certificates do not block deleting the new group", func(t *testing.T) {
		_, err := st.Revoke(ctx, fresh.Kid, "retired", deletedAt.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, st.DeleteGroup(ctx, "svc", deletedAt.Add(2*time.Hour)))

		got, err := st.Get(ctx, old.Kid)
		require.NoError(t, err)
		require.True(t, deletedAt.Equal(*got.GroupDeletedAt), "first deletion time is kept")
	})
}

func testRegister(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateGroup(ctx, NewGroup("g1")))

	cert := NewCertificate("g1", base, 90)
	cert.PrivateKeyPEM = "must not be stored"
	require.NoError(t, st.Register(ctx, cert, store.RegisterOptions{SealedPrivateKey: []byte("sealed")}))

	got, err := st.Get(ctx, cert.Kid)
	require.NoError(t, err)
	require.Equal(t, cert.Kid, got.Kid)
	require.Equal(t, cert.ID, got.ID)
	require.Equal(t, cert.Subject, got.Subject)
	require.Equal(t, cert.KeyUsage, got.KeyUsage)
	require.Equal(t, cert.ExtKeyUsage, got.ExtKeyUsage)
	require.True(t, cert.NotBefore.Equal(got.NotBefore))
	require.True(t, cert.NotAfter.Equal(*got.NotAfter))
	require.Empty(t, got.PrivateKeyPEM)
	require.Nil(t, got.RevokedAt)

	sealed, err := st.GetPrivateKey(ctx, cert.Kid)
	require.NoError(t, err)
	require.Equal(t, []byte("sealed"), sealed)

	require.ErrorIs(t, st.Register(ctx, cert, store.RegisterOptions{}), store.ErrCertAlreadyExists)

	t.Run("unknown group", func(t *testing.T) {
		err := st.Register(ctx, NewCertificate("nope", base, 1), store.RegisterOptions{})
		require.ErrorIs(t, err, store.ErrGroupNotFound)
	})

	t.Run("ad-hoc certificate without key", func(t *testing.T) {
		adhoc := NewCertificate("", base, 0)
		adhoc.IssuerKid = cert.Kid
		require.NoError(t, st.Register(ctx, adhoc, store.RegisterOptions{}))

		got, err := st.Get(ctx, adhoc.Kid)
		require.NoError(t, err)
		require.Empty(t, got.GroupCode)
		require.Equal(t, cert.Kid, got.IssuerKid)
		require.Nil(t, got.NotAfter)

		_, err = st.GetPrivateKey(ctx, adhoc.Kid)
		require.ErrorIs(t, err, store.ErrPrivateKeyNotFound)
	})

	t.Run("missing kid", func(t *testing.T) {
		_, err := st.Get(ctx, "missing")
		require.ErrorIs(t, err, store.ErrCertNotFound)
		_, err = st.GetPrivateKey(ctx, "missing")
		require.ErrorIs(t, err, store.ErrCertNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		kid := NewCertificate("g1", base, 1)
		err := st.Register(cctx, kid, store.RegisterOptions{})
		require.ErrorIs(t, err, errdefs.ErrCancelled)

		_, err = st.Get(ctx, kid.Kid)
		require.ErrorIs(t, err, store.ErrCertNotFound, "nothing is partially written")
	})
}

func testRevoke(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateGroup(ctx, NewGroup("g1")))

	cert := NewCertificate("g1", base, 90)
	require.NoError(t, st.Register(ctx, cert, store.RegisterOptions{}))

	first := base.Add(time.Hour)
	revoked, err := st.Revoke(ctx, cert.Kid, "key compromise", first)
	require.NoError(t, err)
	require.True(t, first.Equal(*revoked.RevokedAt))
	require.Equal(t, "key compromise", revoked.RevocationReason)

	_, err = st.Revoke(ctx, cert.Kid, "second", first.Add(time.Hour))
	require.ErrorIs(t, err, store.ErrCertAlreadyRevoked)
	require.ErrorIs(t, err, errdefs.ErrAlreadyRevoked)
	require.ErrorIs(t, err, errdefs.ErrConflict)

	got, err := st.Get(ctx, cert.Kid)
	require.NoError(t, err)
	require.True(t, first.Equal(*got.RevokedAt))
	require.Equal(t, "key compromise", got.RevocationReason)

	_, err = st.Revoke(ctx, "missing", "x", first)
	require.ErrorIs(t, err, store.ErrCertNotFound)
}

func testConcurrentRevoke(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateGroup(ctx, NewGroup("g1")))
	cert := NewCertificate("g1", base, 90)
	require.NoError(t, st.Register(ctx, cert, store.RegisterOptions{}))

	const attempts = 8
	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Revoke(ctx, cert.Kid, fmt.Sprintf("reason-%d", i), base.Add(time.Duration(i)*time.Minute))
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, store.ErrCertAlreadyRevoked):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, winners.Load())
	require.EqualValues(t, attempts-1, conflicts.Load())
}

func testCurrent(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateGroup(ctx, NewGroup("g1")))

	_, err := st.Current(ctx, "g1")
	require.ErrorIs(t, err, store.ErrNoCurrentKey)

	older := NewCertificate("g1", base, 90)
	newer := NewCertificate("g1", base.AddDate(0, 0, 1), 90)
	// same notBefore as newer but registered later
	tie := NewCertificate("g1", base.AddDate(0, 0, 1), 90)
	for _, c := range []*models.Certificate{newer, older, tie} {
		require.NoError(t, st.Register(ctx, c, store.RegisterOptions{}))
	}

	current, err := st.Current(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, tie.Kid, current.Kid)

	_, err = st.Revoke(ctx, tie.Kid, "test", base.AddDate(0, 0, 2))
	require.NoError(t, err)
	current, err = st.Current(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, newer.Kid, current.Kid)

	certs, err := st.ListByGroup(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, certs, 3)
	require.Equal(t, []string{older.Kid, newer.Kid, tie.Kid}, []string{certs[0].Kid, certs[1].Kid, certs[2].Kid})
}

func testExpectCurrentKid(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateGroup(ctx, NewGroup("g1")))

	first := NewCertificate("g1", base, 30)
	require.NoError(t, st.Register(ctx, first, store.RegisterOptions{ExpectCurrentKid: ptr("")}))

	// a second bootstrap attempt lost the race
	err := st.Register(ctx, NewCertificate("g1", base, 30), store.RegisterOptions{ExpectCurrentKid: ptr("")})
	require.ErrorIs(t, err, store.ErrCurrentKeyChanged)

	rotated := NewCertificate("g1", base.AddDate(0, 0, 1), 30)
	require.NoError(t, st.Register(ctx, rotated, store.RegisterOptions{ExpectCurrentKid: ptr(first.Kid)}))

	// a concurrent rotation that observed the same current key must not mint another
	err = st.Register(ctx, NewCertificate("g1", base.AddDate(0, 0, 1), 30), store.RegisterOptions{ExpectCurrentKid: ptr(first.Kid)})
	require.ErrorIs(t, err, store.ErrCurrentKeyChanged)
	require.ErrorIs(t, err, errdefs.ErrConflict)

	certs, err := st.ListByGroup(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, certs, 2)
}

func testSearch(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateGroup(ctx, NewGroup("g")))
	require.NoError(t, st.CreateGroup(ctx, NewGroup("other")))

	a := NewCertificate("g", base, 30)
	b := NewCertificate("g", base.AddDate(0, 0, 1), 60)
	c := NewCertificate("other", base.AddDate(0, 0, 2), 0)
	c.Subject.CommonName = "Billing.Example.com"
	d := NewCertificate("g", base.AddDate(0, 0, 3), 30)
	d.UsageType = models.UsageClientSigning
	for _, cert := range []*models.Certificate{a, b, c, d} {
		require.NoError(t, st.Register(ctx, cert, store.RegisterOptions{}))
	}

	_, err := st.Revoke(ctx, a.Kid, "test", base.AddDate(0, 0, 4))
	require.NoError(t, err)

	kids := func(certs []*models.Certificate) []string {
		out := make([]string, len(certs))
		for i, cert := range certs {
			out[i] = cert.Kid
		}
		return out
	}

	tests := []struct {
		name   string
		filter store.SearchFilter
		want   []string
	}{
		{name: "all", filter: store.SearchFilter{}, want: []string{a.Kid, b.Kid, c.Kid, d.Kid}},
		{name: "kid", filter: store.SearchFilter{Kid: b.Kid}, want: []string{b.Kid}},
		{name: "group", filter: store.SearchFilter{GroupCode: "g"}, want: []string{a.Kid, b.Kid, d.Kid}},
		{name: "usage", filter: store.SearchFilter{UsageType: models.UsageClientSigning}, want: []string{d.Kid}},
		{
			name:   "group usage revoked",
			filter: store.SearchFilter{GroupCode: "g", UsageType: models.UsageServerSigning, Revoked: ptr(true)},
			want:   []string{a.Kid},
		},
		{name: "not revoked", filter: store.SearchFilter{GroupCode: "g", Revoked: ptr(false)}, want: []string{b.Kid, d.Kid}},
		{name: "subject case insensitive", filter: store.SearchFilter{Subject: "billing.EXAMPLE"}, want: []string{c.Kid}},
		{name: "subject with like wildcard", filter: store.SearchFilter{Subject: "%"}, want: []string{}},
		{
			name:   "issued range inclusive",
			filter: store.SearchFilter{IssuedFrom: ptr(base.AddDate(0, 0, 1)), IssuedTo: ptr(base.AddDate(0, 0, 2))},
			want:   []string{b.Kid, c.Kid},
		},
		{
			name:   "expires range skips unlimited",
			filter: store.SearchFilter{ExpiresFrom: ptr(base.AddDate(0, 0, 30))},
			want:   []string{a.Kid, b.Kid, d.Kid},
		},
		{
			name:   "expires to",
			filter: store.SearchFilter{ExpiresTo: ptr(base.AddDate(0, 0, 33))},
			want:   []string{a.Kid, d.Kid},
		},
		{name: "limit offset", filter: store.SearchFilter{Limit: 2, Offset: 1}, want: []string{b.Kid, c.Kid}},
		{name: "no match", filter: store.SearchFilter{GroupCode: "missing"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.Search(ctx, tt.filter)
			require.NoError(t, err)
			require.Equal(t, tt.want, kids(got))
		})
	}

	t.Run("revoked result carries reason", func(t *testing.T) {
		got, err := st.Search(ctx, store.SearchFilter{GroupCode: "g", UsageType: models.UsageServerSigning, Revoked: ptr(true)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.NotNil(t, got[0].RevokedAt)
		require.Equal(t, "test", got[0].RevocationReason)
	})

	t.Run("issuer kid", func(t *testing.T) {
		signed := NewCertificate("", base.AddDate(0, 0, 5), 10)
		signed.IssuerKid = b.Kid
		require.NoError(t, st.Register(ctx, signed, store.RegisterOptions{}))

		got, err := st.Search(ctx, store.SearchFilter{IssuerKid: b.Kid})
		require.NoError(t, err)
		require.Equal(t, []string{signed.Kid}, kids(got))

		got, err = st.Search(ctx, store.SearchFilter{GroupCode: "g", IssuerKid: b.Kid})
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func testDeleteRegisterExclusion(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := base.AddDate(0, 0, 1)

	for i := range 10 {
		code := fmt.Sprintf("race-%d", i)
		require.NoError(t, st.CreateGroup(ctx, NewGroup(code)))

		cert := NewCertificate(code, base, 30)
		var (
			wg          sync.WaitGroup
			registerErr error
			deleteErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			registerErr = st.Register(ctx, cert, store.RegisterOptions{})
		}()
		go func() {
			defer wg.Done()
			deleteErr = st.DeleteGroup(ctx, code, now)
		}()
		wg.Wait()

		_, groupErr := st.GetGroup(ctx, code)
		switch {
		case registerErr == nil:
			// registration won, delete must have observed the active certificate
			require.ErrorIs(t, deleteErr, store.ErrGroupHasActiveCertificates)
			require.NoError(t, groupErr)
		default:
			// delete won, registration must not leave an orphan
			require.NoError(t, deleteErr)
			require.ErrorIs(t, registerErr, store.ErrGroupNotFound)
			require.ErrorIs(t, groupErr, store.ErrGroupNotFound)
			_, err := st.Get(ctx, cert.Kid)
			require.ErrorIs(t, err, store.ErrCertNotFound)
		}
	}
}
