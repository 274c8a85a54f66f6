package identity_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stevemurr/rental-store/backend"
	"github.com/stevemurr/rental-store/cache"
	"github.com/stevemurr/rental-store/identity"
	"github.com/stevemurr/rental-store/store"
	"github.com/stevemurr/rental-store/verify"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type countingBackend struct {
	backend.Backend
	gets atomic.Int32
}

func (b *countingBackend) Get(ctx context.Context, key string) (string, bool, error) {
	b.gets.Add(1)
	return b.Backend.Get(ctx, key)
}

func newService(t *testing.T) (*identity.Service, *verify.Verifier, *countingBackend) {
	t.Helper()
	b := &countingBackend{Backend: backend.NewMemory()}
	s := store.New(b, store.Options{})
	v := verify.New(s, verify.Policy{Attempts: 3, Sleep: noSleep}, nil)
	return identity.New(v, identity.Options{BcryptCost: bcrypt.MinCost}), v, b
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "ana@example.com", identity.NormalizeEmail("  Ana@Example.COM "))
	assert.Equal(t, identity.NormalizeEmail("STRASSE@x.de"), identity.NormalizeEmail("strasse@X.DE"))
}

func TestSignUpAndSignIn(t *testing.T) {
	svc, v, _ := newService(t)
	ctx := context.Background()

	u, err := svc.SignUp(ctx, identity.SignUpRequest{
		Email: "Ana@Example.com", Password: "secret1", Name: "Ana",
	})
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", u.Email)
	assert.Equal(t, identity.RoleGuest, u.Role)
	assert.Regexp(t, `^user_\d+_[a-z0-9]{9}$`, u.ID)

	require.NoError(t, v.Check(ctx, identity.CredentialsCollection, "ana@example.com"))
	require.NoError(t, v.Check(ctx, identity.UsersCollection, u.ID))

	got, err := svc.SignIn(ctx, "ANA@example.com ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = svc.SignIn(ctx, "ana@example.com", "wrong-password")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestSignUpRejectsDuplicatesAndBadInput(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.SignUp(ctx, identity.SignUpRequest{Email: "a@x.io", Password: "secret1"})
	require.NoError(t, err)
	_, err = svc.SignUp(ctx, identity.SignUpRequest{Email: " A@X.IO", Password: "another1"})
	assert.ErrorIs(t, err, identity.ErrEmailTaken)

	_, err = svc.SignUp(ctx, identity.SignUpRequest{Email: "not-an-email", Password: "secret1"})
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
	_, err = svc.SignUp(ctx, identity.SignUpRequest{Email: "b@x.io", Password: "123"})
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
}

func TestSignInRebuildsMissingProfile(t *testing.T) {
	svc, v, _ := newService(t)
	ctx := context.Background()
	u, err := svc.SignUp(ctx, identity.SignUpRequest{Email: "a@x.io", Password: "secret1", Name: "A"})
	require.NoError(t, err)

	require.NoError(t, v.Store().Remove(ctx, identity.UsersCollection, u.ID))

	got, err := svc.SignIn(ctx, "a@x.io", "secret1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "A", got.Name)
}

func TestReconcileRebuildsCredential(t *testing.T) {
	svc, v, _ := newService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, identity.SignUpRequest{Email: "a@x.io", Password: "secret1"})
	require.NoError(t, err)
	_, err = svc.SignUp(ctx, identity.SignUpRequest{Email: "b@x.io", Password: "secret2"})
	require.NoError(t, err)

	require.NoError(t, v.Store().Remove(ctx, identity.CredentialsCollection, "a@x.io"))

	repairs, err := svc.Reconcile(ctx, []string{"a@x.io", "B@x.io"})
	require.NoError(t, err)
	assert.Equal(t, []verify.Repair{{Collection: identity.CredentialsCollection, ID: "a@x.io"}}, repairs)

	_, err = svc.SignIn(ctx, "a@x.io", "secret1")
	assert.NoError(t, err, "rebuilt credential keeps the password")
}

func TestReconcileUnknownEmail(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Reconcile(context.Background(), []string{"ghost@x.io"})
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestChangePassword(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	u, err := svc.SignUp(ctx, identity.SignUpRequest{Email: "a@x.io", Password: "secret1"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ChangePassword(ctx, "a@x.io", "wrong", "newsecret"), identity.ErrInvalidCredentials)
	require.NoError(t, svc.ChangePassword(ctx, "a@x.io", "secret1", "newsecret"))

	_, err = svc.SignIn(ctx, "a@x.io", "secret1")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, "a@x.io", "newsecret")
	require.NoError(t, err)

	profile, ok, err := svc.User(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	cred, _, _ := svc.Lookup(ctx, "a@x.io")
	assert.Equal(t, cred.PasswordHash, profile.PasswordHash, "both halves carry the new hash")
}

func TestDeleteAccount(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	u, err := svc.SignUp(ctx, identity.SignUpRequest{Email: "a@x.io", Password: "secret1"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteAccount(ctx, "A@x.io"))
	_, ok, _ := svc.Lookup(ctx, "a@x.io")
	assert.False(t, ok)
	_, ok, _ = svc.User(ctx, u.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, svc.DeleteAccount(ctx, "a@x.io"), identity.ErrNotFound)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestApprovals(t *testing.T) {
	_, v, _ := newService(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := identity.NewApprovals(v, clock.Now, cache.WithClock(clock.Now))

	ok, err := a.HasApproved(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	app, err := a.Submit(ctx, "u1", "I own a flat")
	require.NoError(t, err)
	assert.Equal(t, identity.StatusPending, app.Status)

	ok, _ = a.HasApproved(ctx, "u1")
	assert.False(t, ok)

	decided, err := a.Decide(ctx, app.ID, identity.StatusApproved)
	require.NoError(t, err)
	require.NotNil(t, decided.DecidedAt)
	assert.Equal(t, clock.now, *decided.DecidedAt)

	ok, _ = a.HasApproved(ctx, "u1")
	assert.True(t, ok, "decide clears the cached answer")

	apps, err := a.ForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, apps, 1)

	_, err = a.Decide(ctx, "app_missing", identity.StatusApproved)
	assert.ErrorIs(t, err, identity.ErrNotFound)
	_, err = a.Decide(ctx, app.ID, identity.StatusPending)
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
}

func TestApprovalsCacheHonoursTTL(t *testing.T) {
	_, v, b := newService(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := identity.NewApprovals(v, clock.Now, cache.WithClock(clock.Now), cache.WithTTL(5*time.Second))

	require.NoError(t, a.Put(ctx, identity.Application{ID: "app1", UserID: "u1", Status: identity.StatusApproved}))
	ok, _ := a.HasApproved(ctx, "u1")
	require.True(t, ok)

	// Revoke behind the cache's back.
	require.NoError(t, store.Upsert(ctx, v.Store(), identity.ApplicationsCollection, "app1",
		identity.Application{ID: "app1", UserID: "u1", Status: identity.StatusRejected}))

	b.gets.Store(0)
	clock.Advance(4999 * time.Millisecond)
	ok, _ = a.HasApproved(ctx, "u1")
	assert.True(t, ok, "served from cache before the TTL")
	assert.Zero(t, b.gets.Load())

	clock.Advance(time.Millisecond)
	ok, _ = a.HasApproved(ctx, "u1")
	assert.False(t, ok, "recomputed at the TTL")

	require.NoError(t, a.Put(ctx, identity.Application{ID: "app2", UserID: "u1", Status: identity.StatusApproved}))
	ok, _ = a.HasApproved(ctx, "u1")
	assert.True(t, ok)
	a.ClearCache()
	assert.Error(t, a.Put(ctx, identity.Application{ID: "app3"}))
}
