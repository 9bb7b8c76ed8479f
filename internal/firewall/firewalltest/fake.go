// Package firewalltest provides an in-memory firewall.Driver for tests.
package firewalltest

import (
	"context"
	"strings"
	"sync"

	"github.com/charlesng35/netgate/internal/firewall"
)

// FakeDriver implements firewall.Driver entirely in memory. Tests can
// inject failures per operation and preload usage counters.
type FakeDriver struct {
	mu     sync.Mutex
	grants map[string]firewall.Grant
	usage  map[string]firewall.Usage

	GrantErr         error
	RevokeErr        error
	QueryErr         error
	InitializeErr    error
	DisconnectAllErr error

	// RevokeErrFor fails revokes selectively; it takes precedence over
	// RevokeErr when it returns a non-nil error for the grant.
	RevokeErrFor func(grant firewall.Grant) error

	GrantCalls      int
	RevokeCalls     int
	QueryCalls      int
	InitializeCalls int
}

// NewFakeDriver returns an empty fake.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		grants: make(map[string]firewall.Grant),
		usage:  make(map[string]firewall.Usage),
	}
}

func grantKey(grant firewall.Grant) string {
	return strings.ToLower(strings.TrimSpace(grant.MACAddress)) + "|" + strings.TrimSpace(grant.IPAddress)
}

// Initialize implements firewall.Driver.
func (f *FakeDriver) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.InitializeCalls++
	return f.InitializeErr
}

// Grant implements firewall.Driver.
func (f *FakeDriver) Grant(ctx context.Context, grant firewall.Grant) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.GrantCalls++
	if f.GrantErr != nil {
		return f.GrantErr
	}
	f.grants[grantKey(grant)] = grant
	return nil
}

// Revoke implements firewall.Driver.
func (f *FakeDriver) Revoke(ctx context.Context, grant firewall.Grant) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RevokeCalls++
	if f.RevokeErrFor != nil {
		if err := f.RevokeErrFor(grant); err != nil {
			return err
		}
	}
	if f.RevokeErr != nil {
		return f.RevokeErr
	}
	delete(f.grants, grantKey(grant))
	return nil
}

// QueryUsage implements firewall.Driver.
func (f *FakeDriver) QueryUsage(ctx context.Context, grant firewall.Grant) (firewall.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.QueryCalls++
	if f.QueryErr != nil {
		return firewall.Usage{}, f.QueryErr
	}
	return f.usage[grantKey(grant)], nil
}

// ListGrants implements firewall.Driver.
func (f *FakeDriver) ListGrants(ctx context.Context) ([]firewall.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	grants := make([]firewall.Grant, 0, len(f.grants))
	for _, grant := range f.grants {
		grants = append(grants, grant)
	}
	return grants, nil
}

// DisconnectAll implements firewall.Driver.
func (f *FakeDriver) DisconnectAll(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DisconnectAllErr != nil {
		return 0, f.DisconnectAllErr
	}
	removed := len(f.grants)
	f.grants = make(map[string]firewall.Grant)
	return removed, nil
}

// SetUsage preloads the counters returned for a grant.
func (f *FakeDriver) SetUsage(grant firewall.Grant, usage firewall.Usage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.usage[grantKey(grant)] = usage
}

// HasGrant reports whether the grant is currently installed.
func (f *FakeDriver) HasGrant(grant firewall.Grant) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.grants[grantKey(grant)]
	return ok
}

// GrantCount returns the number of installed grants.
func (f *FakeDriver) GrantCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.grants)
}
