package firewall

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/netgate/pkg/errors"
	"github.com/charlesng35/netgate/pkg/logger"
	"github.com/charlesng35/netgate/pkg/metrics"
)

// DefaultChain is the dedicated filter chain all grants live in. Keeping
// them in one chain makes resync and teardown a bounded operation.
const DefaultChain = "NETGATE"

// DefaultCommandTimeout bounds every packet filter invocation.
const DefaultCommandTimeout = 5 * time.Second

// commandRunner executes an external command and returns its combined output.
// Split out so tests can substitute the binary.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// IPTablesConfig configures the iptables-backed driver.
type IPTablesConfig struct {
	// Binary is the iptables executable. Defaults to "iptables".
	Binary string
	// Chain is the dedicated chain name. Defaults to DefaultChain.
	Chain string
	// ParentChain is where the jump into Chain is installed. Defaults to
	// "FORWARD".
	ParentChain string
	// CommandTimeout bounds each invocation. Defaults to
	// DefaultCommandTimeout.
	CommandTimeout time.Duration
	// PortalPort, when set, keeps the portal's own TCP port reachable
	// from unauthenticated clients so they can log in at all.
	PortalPort int

	runner commandRunner
}

// IPTablesDriver drives a netfilter firewall through the iptables binary.
//
// A single mutex serialises every invocation: iptables holds a global lock
// itself, and interleaved check-then-insert sequences from concurrent
// callers would break idempotency.
type IPTablesDriver struct {
	mu         sync.Mutex
	binary     string
	chain      string
	parent     string
	portalPort int
	timeout    time.Duration
	run        commandRunner
	log        *zap.Logger
}

// NewIPTablesDriver builds a Driver that shells out to iptables.
func NewIPTablesDriver(cfg IPTablesConfig) *IPTablesDriver {
	binary := cfg.Binary
	if binary == "" {
		binary = "iptables"
	}
	chain := cfg.Chain
	if chain == "" {
		chain = DefaultChain
	}
	parent := cfg.ParentChain
	if parent == "" {
		parent = "FORWARD"
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	run := cfg.runner
	if run == nil {
		run = execRunner
	}

	return &IPTablesDriver{
		binary:     binary,
		chain:      chain,
		parent:     parent,
		portalPort: cfg.PortalPort,
		timeout:    timeout,
		run:        run,
		log:        logger.WithModule("firewall"),
	}
}

// Initialize creates the dedicated chain, ensures the jump into it, and
// rebuilds the chain body: flush, then the base policy. Installed grants are
// lost by the flush; the registry is authoritative and the startup resync
// reinstalls them.
func (d *IPTablesDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.exec(ctx, "-N", d.chain); err != nil {
		// Chain may already exist from a previous run.
		if _, checkErr := d.exec(ctx, "-L", d.chain, "-n"); checkErr != nil {
			metrics.FirewallOperations.WithLabelValues("initialize", "error").Inc()
			return err
		}
	}

	jump := []string{d.parent, "-j", d.chain}
	if _, err := d.exec(ctx, append([]string{"-C"}, jump...)...); err != nil {
		if errors.Is(err, apperrors.ErrFirewallTimeout) {
			metrics.FirewallOperations.WithLabelValues("initialize", "timeout").Inc()
			return err
		}
		if _, err := d.exec(ctx, append([]string{"-I"}, jump...)...); err != nil {
			metrics.FirewallOperations.WithLabelValues("initialize", "error").Inc()
			return err
		}
	}

	if _, err := d.exec(ctx, "-F", d.chain); err != nil {
		metrics.FirewallOperations.WithLabelValues("initialize", "error").Inc()
		return err
	}
	for _, rule := range d.basePolicy() {
		if _, err := d.exec(ctx, append([]string{"-A", d.chain}, rule...)...); err != nil {
			metrics.FirewallOperations.WithLabelValues("initialize", "error").Inc()
			return err
		}
	}

	metrics.FirewallOperations.WithLabelValues("initialize", "ok").Inc()
	d.log.Info("packet filter initialized", zap.String("chain", d.chain))
	return nil
}

// basePolicy is the chain body beneath the grants: loopback, return traffic
// for established flows, DNS and the portal's own port so unauthenticated
// clients can reach the login page, and a final reject for everything else.
// Grants insert above it.
func (d *IPTablesDriver) basePolicy() [][]string {
	rules := [][]string{
		{"-i", "lo", "-j", "ACCEPT"},
		{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-p", "udp", "--dport", "53", "-j", "ACCEPT"},
		{"-p", "tcp", "--dport", "53", "-j", "ACCEPT"},
	}
	if d.portalPort > 0 {
		rules = append(rules, []string{"-p", "tcp", "--dport", strconv.Itoa(d.portalPort), "-j", "ACCEPT"})
	}
	return append(rules, []string{"-j", "REJECT"})
}

// Grant installs the device's accept rules, checking first so repeated
// grants change nothing.
func (d *IPTablesDriver) Grant(ctx context.Context, grant Grant) error {
	grant = normalizeGrant(grant)
	if err := validateGrant(grant); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rule := range d.grantRules(grant) {
		if _, err := d.exec(ctx, append([]string{"-C", d.chain}, rule...)...); err == nil {
			continue // already installed
		} else if errors.Is(err, apperrors.ErrFirewallTimeout) {
			metrics.FirewallOperations.WithLabelValues("grant", "timeout").Inc()
			return err
		}

		if _, err := d.exec(ctx, append([]string{"-I", d.chain}, rule...)...); err != nil {
			result := "error"
			if errors.Is(err, apperrors.ErrFirewallTimeout) {
				result = "timeout"
			}
			metrics.FirewallOperations.WithLabelValues("grant", result).Inc()
			return err
		}
	}

	metrics.FirewallOperations.WithLabelValues("grant", "ok").Inc()
	d.log.Info("grant installed",
		zap.String("mac", grant.MACAddress),
		zap.String("ip", grant.IPAddress),
	)
	return nil
}

// Revoke removes the device's accept rules. A rule that is already gone
// counts as revoked.
func (d *IPTablesDriver) Revoke(ctx context.Context, grant Grant) error {
	grant = normalizeGrant(grant)
	if err := validateGrant(grant); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.revokeLocked(ctx, grant); err != nil {
		result := "error"
		if errors.Is(err, apperrors.ErrFirewallTimeout) {
			result = "timeout"
		}
		metrics.FirewallOperations.WithLabelValues("revoke", result).Inc()
		return err
	}

	metrics.FirewallOperations.WithLabelValues("revoke", "ok").Inc()
	d.log.Info("grant removed",
		zap.String("mac", grant.MACAddress),
		zap.String("ip", grant.IPAddress),
	)
	return nil
}

func (d *IPTablesDriver) revokeLocked(ctx context.Context, grant Grant) error {
	for _, rule := range d.grantRules(grant) {
		output, err := d.exec(ctx, append([]string{"-D", d.chain}, rule...)...)
		if err == nil {
			continue
		}
		if errors.Is(err, apperrors.ErrFirewallTimeout) {
			return err
		}
		if isMissingRule(output) {
			continue // absence is the desired end state
		}
		return err
	}
	return nil
}

// QueryUsage parses the chain's verbose counters and sums the rules that
// belong to the grant.
func (d *IPTablesDriver) QueryUsage(ctx context.Context, grant Grant) (Usage, error) {
	grant = normalizeGrant(grant)
	if err := validateGrant(grant); err != nil {
		return Usage{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	output, err := d.exec(ctx, "-L", d.chain, "-v", "-n", "-x")
	if err != nil {
		result := "error"
		if errors.Is(err, apperrors.ErrFirewallTimeout) {
			result = "timeout"
		}
		metrics.FirewallOperations.WithLabelValues("query_usage", result).Inc()
		return Usage{}, err
	}

	metrics.FirewallOperations.WithLabelValues("query_usage", "ok").Inc()
	return parseUsage(string(output), grant), nil
}

// ListGrants reconstructs the installed grants from the chain's rule
// specifications.
func (d *IPTablesDriver) ListGrants(ctx context.Context) ([]Grant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.listGrantsLocked(ctx)
}

func (d *IPTablesDriver) listGrantsLocked(ctx context.Context) ([]Grant, error) {
	output, err := d.exec(ctx, "-S", d.chain)
	if err != nil {
		return nil, err
	}
	return parseGrants(string(output)), nil
}

// DisconnectAll revokes every grant in the chain. Individual failures are
// collected and the sweep continues, so one stuck rule cannot strand the
// rest.
func (d *IPTablesDriver) DisconnectAll(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	grants, err := d.listGrantsLocked(ctx)
	if err != nil {
		metrics.FirewallOperations.WithLabelValues("disconnect_all", "error").Inc()
		return 0, err
	}

	removed := 0
	var errs error
	for _, grant := range grants {
		if err := d.revokeLocked(ctx, grant); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("revoke %s/%s: %w", grant.MACAddress, grant.IPAddress, err))
			continue
		}
		removed++
	}

	result := "ok"
	if errs != nil {
		result = "error"
	}
	metrics.FirewallOperations.WithLabelValues("disconnect_all", result).Inc()
	d.log.Info("disconnect sweep finished",
		zap.Int("removed", removed),
		zap.Int("failed", len(multierr.Errors(errs))),
	)
	return removed, errs
}

// grantRules returns the two rule specifications for a grant: one matching
// traffic sourced from the device (MAC and IP together), one matching
// traffic delivered to it.
func (d *IPTablesDriver) grantRules(grant Grant) [][]string {
	return [][]string{
		{"-s", grant.IPAddress, "-m", "mac", "--mac-source", grant.MACAddress, "-j", "ACCEPT"},
		{"-d", grant.IPAddress, "-j", "ACCEPT"},
	}
}

// exec runs one iptables invocation under the configured timeout, mapping
// failures onto the firewall error taxonomy.
func (d *IPTablesDriver) exec(ctx context.Context, args ...string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// -w waits for the xtables lock instead of failing outright.
	full := append([]string{"-w"}, args...)
	output, err := d.run(ctx, d.binary, full...)
	if err == nil {
		return output, nil
	}

	if ctx.Err() != nil {
		return output, apperrors.ErrFirewallTimeout.WithInternal(
			fmt.Errorf("%s %s: %w", d.binary, strings.Join(args, " "), ctx.Err()))
	}

	return output, apperrors.ErrFirewallCommandFailed.WithInternal(
		fmt.Errorf("%s %s: %w: %s", d.binary, strings.Join(args, " "), err, strings.TrimSpace(string(output))))
}

func validateGrant(grant Grant) error {
	if grant.MACAddress == "" || grant.IPAddress == "" {
		return apperrors.NewBadRequest("grant requires both a hardware and a network address")
	}
	return nil
}

// isMissingRule recognises iptables' complaints about deleting a rule that
// does not exist.
func isMissingRule(output []byte) bool {
	text := strings.ToLower(string(output))
	return strings.Contains(text, "does a matching rule exist") ||
		strings.Contains(text, "no chain/target/match by that name") ||
		strings.Contains(text, "bad rule")
}

// parseUsage extracts the grant's counters from `iptables -L <chain> -v -n -x`
// output. Lines look like:
//
//	pkts bytes target prot opt in out source destination [match extensions]
func parseUsage(output string, grant Grant) Usage {
	var usage Usage

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 || fields[2] != "ACCEPT" {
			continue
		}

		packets, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		bytes, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}

		source, destination := fields[7], fields[8]
		lower := strings.ToLower(line)

		switch {
		case source == grant.IPAddress && strings.Contains(lower, "mac "+grant.MACAddress):
			usage.PacketsOut += packets
			usage.BytesOut += bytes
		case destination == grant.IPAddress && !strings.Contains(lower, "mac "):
			usage.PacketsIn += packets
			usage.BytesIn += bytes
		}
	}

	return usage
}

// parseGrants reconstructs grants from `iptables -S <chain>` output by
// pairing the source rules (which carry both addresses) back into Grant
// values. Destination-only rules are folded into the same grant.
func parseGrants(output string) []Grant {
	var grants []Grant
	seen := make(map[string]struct{})

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" {
			continue
		}

		var mac, ip string
		for i := 0; i < len(fields)-1; i++ {
			switch fields[i] {
			case "--mac-source":
				mac = strings.ToLower(fields[i+1])
			case "-s":
				ip = strings.TrimSuffix(fields[i+1], "/32")
			}
		}
		if mac == "" || ip == "" {
			continue
		}

		key := mac + "|" + ip
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		grants = append(grants, Grant{MACAddress: mac, IPAddress: ip})
	}

	return grants
}
