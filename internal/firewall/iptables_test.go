package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/charlesng35/netgate/pkg/errors"
)

// scriptedRunner replays canned responses keyed by the joined argument
// string, recording every invocation.
type scriptedRunner struct {
	calls     []string
	responses map[string]scriptedResponse
}

type scriptedResponse struct {
	output string
	err    error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{responses: map[string]scriptedResponse{}}
}

func (r *scriptedRunner) on(args string, output string, err error) {
	r.responses[args] = scriptedResponse{output: output, err: err}
}

func (r *scriptedRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	r.calls = append(r.calls, key)
	if resp, ok := r.responses[key]; ok {
		return []byte(resp.output), resp.err
	}
	return nil, nil
}

func (r *scriptedRunner) called(args string) int {
	count := 0
	for _, call := range r.calls {
		if call == args {
			count++
		}
	}
	return count
}

func newScriptedDriver(runner *scriptedRunner) *IPTablesDriver {
	return NewIPTablesDriver(IPTablesConfig{runner: runner.run})
}

var testGrant = Grant{MACAddress: "AA:BB:CC:DD:EE:01", IPAddress: "10.0.0.20"}

const (
	sourceRule = "-w -C NETGATE -s 10.0.0.20 -m mac --mac-source aa:bb:cc:dd:ee:01 -j ACCEPT"
	destRule   = "-w -C NETGATE -d 10.0.0.20 -j ACCEPT"
)

func TestIPTablesGrantInstallsBothRules(t *testing.T) {
	runner := newScriptedRunner()
	exitErr := errors.New("exit status 1")
	runner.on(sourceRule, "iptables: Bad rule (does a matching rule exist in that chain?).", exitErr)
	runner.on(destRule, "iptables: Bad rule (does a matching rule exist in that chain?).", exitErr)

	driver := newScriptedDriver(runner)
	require.NoError(t, driver.Grant(context.Background(), testGrant))

	require.Equal(t, 1, runner.called("-w -I NETGATE -s 10.0.0.20 -m mac --mac-source aa:bb:cc:dd:ee:01 -j ACCEPT"))
	require.Equal(t, 1, runner.called("-w -I NETGATE -d 10.0.0.20 -j ACCEPT"))
}

func TestIPTablesGrantIsIdempotent(t *testing.T) {
	// Both check commands succeed, meaning the rules already exist.
	runner := newScriptedRunner()
	driver := newScriptedDriver(runner)

	require.NoError(t, driver.Grant(context.Background(), testGrant))
	require.NoError(t, driver.Grant(context.Background(), testGrant))

	for _, call := range runner.calls {
		require.NotContains(t, call, "-I", "no insert should happen when rules exist")
	}
}

func TestIPTablesGrantSurfacesCommandFailure(t *testing.T) {
	runner := newScriptedRunner()
	exitErr := errors.New("exit status 1")
	runner.on(sourceRule, "Bad rule", exitErr)
	runner.on("-w -I NETGATE -s 10.0.0.20 -m mac --mac-source aa:bb:cc:dd:ee:01 -j ACCEPT",
		"iptables: Operation not permitted", exitErr)

	driver := newScriptedDriver(runner)
	err := driver.Grant(context.Background(), testGrant)
	require.ErrorIs(t, err, apperrors.ErrFirewallCommandFailed)
}

func TestIPTablesGrantRequiresAddresses(t *testing.T) {
	driver := newScriptedDriver(newScriptedRunner())

	err := driver.Grant(context.Background(), Grant{MACAddress: "aa:bb:cc:dd:ee:01"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	err = driver.Grant(context.Background(), Grant{IPAddress: "10.0.0.20"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestIPTablesRevokeTreatsMissingRuleAsRemoved(t *testing.T) {
	runner := newScriptedRunner()
	exitErr := errors.New("exit status 1")
	runner.on("-w -D NETGATE -s 10.0.0.20 -m mac --mac-source aa:bb:cc:dd:ee:01 -j ACCEPT",
		"iptables: Bad rule (does a matching rule exist in that chain?).", exitErr)
	runner.on("-w -D NETGATE -d 10.0.0.20 -j ACCEPT",
		"iptables: Bad rule (does a matching rule exist in that chain?).", exitErr)

	driver := newScriptedDriver(runner)
	require.NoError(t, driver.Revoke(context.Background(), testGrant))
}

func TestIPTablesRevokeSurfacesRealFailures(t *testing.T) {
	runner := newScriptedRunner()
	runner.on("-w -D NETGATE -s 10.0.0.20 -m mac --mac-source aa:bb:cc:dd:ee:01 -j ACCEPT",
		"iptables: Operation not permitted", errors.New("exit status 4"))

	driver := newScriptedDriver(runner)
	err := driver.Revoke(context.Background(), testGrant)
	require.ErrorIs(t, err, apperrors.ErrFirewallCommandFailed)
}

func TestIPTablesTimeoutMapsToFirewallTimeout(t *testing.T) {
	driver := NewIPTablesDriver(IPTablesConfig{
		CommandTimeout: 10 * time.Millisecond,
		runner: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	err := driver.Grant(context.Background(), testGrant)
	require.ErrorIs(t, err, apperrors.ErrFirewallTimeout)
}

func TestIPTablesQueryUsage(t *testing.T) {
	listing := `Chain NETGATE (1 references)
    pkts      bytes target     prot opt in     out     source               destination
     120     48000 ACCEPT     all  --  *      *       10.0.0.20            0.0.0.0/0            MAC AA:BB:CC:DD:EE:01
     300    512000 ACCEPT     all  --  *      *       0.0.0.0/0            10.0.0.20
       7      900 ACCEPT     all  --  *      *       10.0.0.33            0.0.0.0/0            MAC AA:BB:CC:DD:EE:02
`
	runner := newScriptedRunner()
	runner.on("-w -L NETGATE -v -n -x", listing, nil)

	driver := newScriptedDriver(runner)
	usage, err := driver.QueryUsage(context.Background(), testGrant)
	require.NoError(t, err)
	require.EqualValues(t, 120, usage.PacketsOut)
	require.EqualValues(t, 48000, usage.BytesOut)
	require.EqualValues(t, 300, usage.PacketsIn)
	require.EqualValues(t, 512000, usage.BytesIn)
}

func TestIPTablesQueryUsageAbsentGrantIsZero(t *testing.T) {
	runner := newScriptedRunner()
	runner.on("-w -L NETGATE -v -n -x", "Chain NETGATE (1 references)\n    pkts      bytes target\n", nil)

	driver := newScriptedDriver(runner)
	usage, err := driver.QueryUsage(context.Background(), testGrant)
	require.NoError(t, err)
	require.Equal(t, Usage{}, usage)
}

func TestIPTablesListGrants(t *testing.T) {
	spec := `-N NETGATE
-A NETGATE -s 10.0.0.20/32 -m mac --mac-source AA:BB:CC:DD:EE:01 -j ACCEPT
-A NETGATE -d 10.0.0.20/32 -j ACCEPT
-A NETGATE -s 10.0.0.33/32 -m mac --mac-source aa:bb:cc:dd:ee:02 -j ACCEPT
-A NETGATE -d 10.0.0.33/32 -j ACCEPT
`
	runner := newScriptedRunner()
	runner.on("-w -S NETGATE", spec, nil)

	driver := newScriptedDriver(runner)
	grants, err := driver.ListGrants(context.Background())
	require.NoError(t, err)
	require.Len(t, grants, 2)
	require.Equal(t, Grant{MACAddress: "aa:bb:cc:dd:ee:01", IPAddress: "10.0.0.20"}, grants[0])
	require.Equal(t, Grant{MACAddress: "aa:bb:cc:dd:ee:02", IPAddress: "10.0.0.33"}, grants[1])
}

func TestIPTablesDisconnectAll(t *testing.T) {
	spec := `-A NETGATE -s 10.0.0.20/32 -m mac --mac-source aa:bb:cc:dd:ee:01 -j ACCEPT
-A NETGATE -d 10.0.0.20/32 -j ACCEPT
-A NETGATE -s 10.0.0.33/32 -m mac --mac-source aa:bb:cc:dd:ee:02 -j ACCEPT
`
	runner := newScriptedRunner()
	runner.on("-w -S NETGATE", spec, nil)

	driver := newScriptedDriver(runner)
	removed, err := driver.DisconnectAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, removed)
}

func TestIPTablesDisconnectAllCollectsFailures(t *testing.T) {
	spec := `-A NETGATE -s 10.0.0.20/32 -m mac --mac-source aa:bb:cc:dd:ee:01 -j ACCEPT
-A NETGATE -s 10.0.0.33/32 -m mac --mac-source aa:bb:cc:dd:ee:02 -j ACCEPT
`
	runner := newScriptedRunner()
	runner.on("-w -S NETGATE", spec, nil)
	runner.on("-w -D NETGATE -s 10.0.0.20 -m mac --mac-source aa:bb:cc:dd:ee:01 -j ACCEPT",
		"iptables: Operation not permitted", errors.New("exit status 4"))

	driver := newScriptedDriver(runner)
	removed, err := driver.DisconnectAll(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrFirewallCommandFailed)
	require.Equal(t, 1, removed)
}

func TestIPTablesInitialize(t *testing.T) {
	runner := newScriptedRunner()
	exitErr := errors.New("exit status 1")
	// Chain does not exist yet, jump is missing.
	runner.on("-w -C FORWARD -j NETGATE", "iptables: Bad rule", exitErr)

	driver := newScriptedDriver(runner)
	require.NoError(t, driver.Initialize(context.Background()))

	require.Equal(t, 1, runner.called("-w -N NETGATE"))
	require.Equal(t, 1, runner.called("-w -I FORWARD -j NETGATE"))
	require.Equal(t, 1, runner.called("-w -F NETGATE"))
	require.Equal(t, 1, runner.called("-w -A NETGATE -i lo -j ACCEPT"))
	require.Equal(t, 1, runner.called("-w -A NETGATE -j REJECT"))
}

func TestIPTablesInitializeKeepsPortalReachable(t *testing.T) {
	runner := newScriptedRunner()
	driver := NewIPTablesDriver(IPTablesConfig{PortalPort: 8000, runner: runner.run})

	require.NoError(t, driver.Initialize(context.Background()))

	require.Equal(t, 1, runner.called("-w -A NETGATE -p tcp --dport 8000 -j ACCEPT"))
	// The portal accept sits above the final reject.
	require.Equal(t, 1, runner.called("-w -A NETGATE -j REJECT"))
}

func TestIPTablesInitializeToleratesExistingChain(t *testing.T) {
	runner := newScriptedRunner()
	runner.on("-w -N NETGATE", "iptables: Chain already exists.", errors.New("exit status 1"))
	// -L and -C both succeed: chain and jump are already in place.

	driver := newScriptedDriver(runner)
	require.NoError(t, driver.Initialize(context.Background()))

	require.Equal(t, 0, runner.called("-w -I FORWARD -j NETGATE"))
	// The chain body is still rebuilt.
	require.Equal(t, 1, runner.called("-w -F NETGATE"))
}

func TestIPTablesUsageParsingIgnoresGarbage(t *testing.T) {
	usage := parseUsage("not iptables output\nat all", Grant{MACAddress: "aa:bb:cc:dd:ee:01", IPAddress: "10.0.0.20"})
	require.Equal(t, Usage{}, usage)

	grants := parseGrants(fmt.Sprintf("-N %s\ngarbage line\n", DefaultChain))
	require.Empty(t, grants)
}
