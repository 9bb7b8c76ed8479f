package firewall

import (
	"context"
	"strings"
)

// Grant identifies a device's rules in the packet filter. The hardware
// address is the primary match; the network address is matched alongside it
// so a spoofed MAC on a different address still gets no access.
type Grant struct {
	MACAddress string
	IPAddress  string
}

// Usage holds the packet filter's traffic counters for one grant.
// "Out" counts traffic sourced from the device, "In" counts traffic
// delivered to it.
type Usage struct {
	PacketsOut uint64
	BytesOut   uint64
	PacketsIn  uint64
	BytesIn    uint64
}

// Driver manipulates the packet filter on behalf of the access layer.
//
// All operations are idempotent: granting an existing rule or revoking a
// missing one succeeds without change. Implementations serialise calls
// internally, so callers never coordinate among themselves.
type Driver interface {
	// Initialize prepares the filter (chains, jumps) for grants. Safe to
	// call on every start.
	Initialize(ctx context.Context) error

	// Grant opens the filter for the device. Granting twice is a no-op.
	Grant(ctx context.Context, grant Grant) error

	// Revoke closes the filter for the device. Revoking an absent grant
	// succeeds.
	Revoke(ctx context.Context, grant Grant) error

	// QueryUsage reads the traffic counters for a grant. Counters for an
	// absent grant are zero.
	QueryUsage(ctx context.Context, grant Grant) (Usage, error)

	// ListGrants enumerates the grants currently installed.
	ListGrants(ctx context.Context) ([]Grant, error)

	// DisconnectAll revokes every installed grant and reports how many
	// were removed. Failures on individual grants do not stop the sweep.
	DisconnectAll(ctx context.Context) (int, error)
}

// normalizeGrant lowercases and trims a grant's fields so equality checks
// and rule matching behave the same everywhere.
func normalizeGrant(grant Grant) Grant {
	return Grant{
		MACAddress: strings.ToLower(strings.TrimSpace(grant.MACAddress)),
		IPAddress:  strings.TrimSpace(grant.IPAddress),
	}
}
