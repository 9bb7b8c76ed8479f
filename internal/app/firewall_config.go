package app

import (
	"github.com/charlesng35/netgate/internal/access"
	"github.com/charlesng35/netgate/internal/firewall"
)

// DriverConfig converts FirewallConfig into the iptables driver parameters.
// The portal port comes from the server config so the base policy keeps the
// login endpoint reachable for unauthenticated clients.
func (c FirewallConfig) DriverConfig(portalPort int) firewall.IPTablesConfig {
	return firewall.IPTablesConfig{
		Binary:         c.Binary,
		Chain:          c.Chain,
		ParentChain:    c.ParentChain,
		CommandTimeout: c.CommandTimeout,
		PortalPort:     portalPort,
	}
}

// CoordinatorConfig converts FirewallConfig into access coordinator parameters.
func (c FirewallConfig) CoordinatorConfig() access.Config {
	return access.Config{
		FailClosed: c.FailClosed,
	}
}
