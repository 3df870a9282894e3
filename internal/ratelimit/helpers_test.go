package ratelimit

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"ontour.app/internal/auth"
	"ontour.app/internal/obs"
)

func silenceLogger(t *testing.T) {
	t.Helper()
	l := obs.Logger()
	orig := l.Writer()
	l.SetOutput(&bytes.Buffer{})
	t.Cleanup(func() { l.SetOutput(orig) })
}

func tenantFor(t *testing.T, org string) *auth.TenantContext {
	t.Helper()
	tc, err := auth.NewBuilder(nil).Build(context.Background(), &auth.Claims{
		UserID:         "user-1",
		OrganizationID: &org,
		Role:           auth.RoleMember,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return &tc
}

func superAdmin(t *testing.T) *auth.TenantContext {
	t.Helper()
	tc, err := auth.NewBuilder(nil).Build(context.Background(), &auth.Claims{
		UserID: "root",
		Role:   auth.RoleOwner,
		Scope:  auth.ScopeSuperAdmin,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return &tc
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
