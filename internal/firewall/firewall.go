//go:build linux

// Package firewall programs the kernel's nftables backend with the
// gateway's forwarding policy: per-peer ACL profiles, the DNS hijack,
// leak blocking, MSS clamping, and uplink masquerade.
//
// Everything lives in two dedicated tables (ip and ip6) so teardown and
// re-setup never touch rules owned by anything else on the host.
package firewall

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

const (
	tableName   = "gatewarden"
	tableNameV6 = "gatewarden6"
	chainACL    = "acl"
)

// Enforcer owns the gateway's nftables state.
type Enforcer struct {
	iface    string
	subnet   netip.Prefix
	serverIP netip.Addr
	log      *slog.Logger

	mu    sync.Mutex
	table *nftables.Table
	acl   *nftables.Chain
}

// New returns an Enforcer for the given tunnel interface and subnet.
// Nothing is programmed until Setup runs.
func New(iface string, subnet netip.Prefix, serverIP netip.Addr, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		iface:    iface,
		subnet:   subnet,
		serverIP: serverIP,
		log:      logger.With("component", "firewall"),
	}
}

// Setup tears down any previous tables and programs the baseline policy:
// conntrack accept, the ACL jump, DNS hijack and leak blocks, MSS clamp,
// and masquerade out the uplink. Running it twice is safe.
func (e *Enforcer) Setup(uplink string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("open nftables: %w", err)
	}
	defer conn.CloseLasting()

	e.teardown(conn)

	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: tableName})

	forward := conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	acl := conn.AddChain(&nftables.Chain{Name: chainACL, Table: table})

	// Established flows bypass the ACL chain entirely.
	conn.AddRule(&nftables.Rule{Table: table, Chain: forward, Exprs: ctEstablishedAccept()})

	// MSS clamp before any verdicts so clamped SYNs still traverse the ACL.
	conn.AddRule(&nftables.Rule{Table: table, Chain: forward, Exprs: mssClampExprs()})

	// Tunnel traffic consults the per-peer profiles.
	conn.AddRule(&nftables.Rule{Table: table, Chain: forward, Exprs: append(
		matchIifname(e.iface),
		&expr.Verdict{Kind: expr.VerdictJump, Chain: chainACL},
	)})

	e.addLeakBlocks(conn, table, forward)
	e.addDNSHijack(conn, table)
	e.addMasquerade(conn, table, uplink)
	e.addV6Blocks(conn)

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("program baseline rules: %w", err)
	}

	e.table = table
	e.acl = acl
	e.log.Info("firewall baseline programmed", "uplink", uplink, "iface", e.iface)
	return nil
}

// addLeakBlocks rejects tunnel DNS that escaped the hijack, DoT, and
// HTTPS to known DoH resolvers. They sit in the forward chain after the
// ACL jump; hijacked port 53 never reaches forward at all.
func (e *Enforcer) addLeakBlocks(conn *nftables.Conn, table *nftables.Table, forward *nftables.Chain) {
	for _, proto := range []byte{unix.IPPROTO_UDP, unix.IPPROTO_TCP} {
		exprs := append(matchIifname(e.iface), matchL4Dport(proto, 53)...)
		conn.AddRule(&nftables.Rule{Table: table, Chain: forward,
			Exprs: append(exprs, rejectExpr())})
	}

	dot := append(matchIifname(e.iface), matchL4Dport(unix.IPPROTO_TCP, 853)...)
	conn.AddRule(&nftables.Rule{Table: table, Chain: forward,
		Exprs: append(dot, rejectExpr())})

	for _, resolver := range dohResolvers {
		exprs := append(matchIifname(e.iface), matchDaddr(resolver)...)
		exprs = append(exprs, matchL4Dport(unix.IPPROTO_TCP, 443)...)
		conn.AddRule(&nftables.Rule{Table: table, Chain: forward,
			Exprs: append(exprs, rejectExpr())})
	}
}

// addDNSHijack redirects all tunnel port-53 traffic to the gateway's own
// resolver address and admits it on the input path.
func (e *Enforcer) addDNSHijack(conn *nftables.Conn, table *nftables.Table) {
	prerouting := conn.AddChain(&nftables.Chain{
		Name:     "prerouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})
	input := conn.AddChain(&nftables.Chain{
		Name:     "input",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})

	for _, proto := range []byte{unix.IPPROTO_UDP, unix.IPPROTO_TCP} {
		hijack := append(matchIifname(e.iface), matchL4Dport(proto, 53)...)
		conn.AddRule(&nftables.Rule{Table: table, Chain: prerouting,
			Exprs: append(hijack, dnatExprs(e.serverIP, 53)...)})

		admit := append(matchIifname(e.iface), matchDaddr(e.serverIP)...)
		admit = append(admit, matchL4Dport(proto, 53)...)
		conn.AddRule(&nftables.Rule{Table: table, Chain: input,
			Exprs: append(admit, &expr.Verdict{Kind: expr.VerdictAccept})})
	}
}

func (e *Enforcer) addMasquerade(conn *nftables.Conn, table *nftables.Table, uplink string) {
	postrouting := conn.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	conn.AddRule(&nftables.Rule{Table: table, Chain: postrouting,
		Exprs: masqueradeExprs(e.subnet, uplink)})
}

// addV6Blocks drops IPv6 DNS from the tunnel. The tunnel is IPv4-only,
// but clients with a v6 default route will happily leak queries.
func (e *Enforcer) addV6Blocks(conn *nftables.Conn) {
	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv6, Name: tableNameV6})
	forward := conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	for _, proto := range []byte{unix.IPPROTO_UDP, unix.IPPROTO_TCP} {
		exprs := append(matchIifname(e.iface), matchL4Dport(proto, 53)...)
		conn.AddRule(&nftables.Rule{Table: table, Chain: forward,
			Exprs: append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})})
	}
}

// ApplyProfile installs the ACL rules for one peer address, replacing any
// rules previously installed for it. Safe to call repeatedly with the
// same arguments.
func (e *Enforcer) ApplyProfile(source netip.Addr, profile string) error {
	rules, err := profileRules(source, profile, e.serverIP)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table == nil {
		return fmt.Errorf("apply profile: firewall not set up")
	}

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("open nftables: %w", err)
	}
	defer conn.CloseLasting()

	if err := e.deleteTagged(conn, source); err != nil {
		return err
	}
	tag := ruleTag(source)
	for _, r := range rules {
		conn.AddRule(&nftables.Rule{
			Table:    e.table,
			Chain:    e.acl,
			Exprs:    aclExprs(r),
			UserData: tag,
		})
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("apply profile %s for %s: %w", profile, source, err)
	}
	e.log.Debug("acl profile applied", "peer_ip", source.String(), "profile", profile)
	return nil
}

// RevokeProfile removes every ACL rule for a peer address. Revoking an
// address with no rules is a no-op.
func (e *Enforcer) RevokeProfile(source netip.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table == nil {
		return nil
	}

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("open nftables: %w", err)
	}
	defer conn.CloseLasting()

	if err := e.deleteTagged(conn, source); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("revoke acl for %s: %w", source, err)
	}
	e.log.Debug("acl profile revoked", "peer_ip", source.String())
	return nil
}

// deleteTagged queues deletion of every ACL rule carrying the peer's tag.
func (e *Enforcer) deleteTagged(conn *nftables.Conn, source netip.Addr) error {
	existing, err := conn.GetRules(e.table, e.acl)
	if err != nil {
		return fmt.Errorf("list acl rules: %w", err)
	}
	tag := ruleTag(source)
	for _, r := range existing {
		if bytes.Equal(r.UserData, tag) {
			if err := conn.DelRule(r); err != nil {
				return fmt.Errorf("delete acl rule for %s: %w", source, err)
			}
		}
	}
	return nil
}

// Teardown removes both tables. Missing tables are ignored so it can run
// unconditionally on shutdown.
func (e *Enforcer) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("open nftables: %w", err)
	}
	defer conn.CloseLasting()

	e.teardown(conn)
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("teardown firewall: %w", err)
	}
	e.table = nil
	e.acl = nil
	return nil
}

// teardown queues deletion of our tables if they exist. Deleting a
// missing table fails at flush time, so probe first.
func (e *Enforcer) teardown(conn *nftables.Conn) {
	tables, err := conn.ListTables()
	if err != nil {
		return
	}
	for _, t := range tables {
		v4 := t.Name == tableName && t.Family == nftables.TableFamilyIPv4
		v6 := t.Name == tableNameV6 && t.Family == nftables.TableFamilyIPv6
		if v4 || v6 {
			conn.DelTable(t)
		}
	}
}
