//go:build linux

package firewall

import (
	"fmt"
	"net/netip"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// ACL profile tags. They mirror the registry's acl_profile column.
const (
	ProfileFull         = "full"
	ProfileInternetOnly = "internet-only"
	ProfileIntranetOnly = "intranet-only"
)

// privateNetworks are the RFC 1918 ranges the internet-only and
// intranet-only profiles partition traffic around.
var privateNetworks = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// dohResolvers are well-known public DNS-over-HTTPS addresses. Blocking
// 443 to them forces clients back to plain 53, which is hijacked.
var dohResolvers = []netip.Addr{
	netip.MustParseAddr("8.8.8.8"),
	netip.MustParseAddr("8.8.4.4"),
	netip.MustParseAddr("1.1.1.1"),
	netip.MustParseAddr("1.0.0.1"),
	netip.MustParseAddr("9.9.9.9"),
	netip.MustParseAddr("149.112.112.112"),
}

// aclRule is one per-peer filter rule in declarative form: match on the
// peer's source address, optionally a destination range, and verdict.
// Keeping the shape declarative keeps profile construction testable
// without a netlink socket.
type aclRule struct {
	Source netip.Addr
	Dest   netip.Prefix // zero value matches any destination
	Accept bool
}

// profileRules expands an ACL profile into its ordered rule list for one
// peer address. Order matters: the first matching rule wins.
func profileRules(source netip.Addr, profile string, serverIP netip.Addr) ([]aclRule, error) {
	switch profile {
	case ProfileFull:
		return []aclRule{{Source: source, Accept: true}}, nil

	case ProfileInternetOnly:
		rules := []aclRule{
			// The server's own tunnel address stays reachable for DNS and
			// the dashboard.
			{Source: source, Dest: netip.PrefixFrom(serverIP, 32), Accept: true},
		}
		for _, net := range privateNetworks {
			rules = append(rules, aclRule{Source: source, Dest: net, Accept: false})
		}
		rules = append(rules, aclRule{Source: source, Accept: true})
		return rules, nil

	case ProfileIntranetOnly:
		var rules []aclRule
		for _, net := range privateNetworks {
			rules = append(rules, aclRule{Source: source, Dest: net, Accept: true})
		}
		rules = append(rules, aclRule{Source: source, Accept: false})
		return rules, nil

	default:
		return nil, fmt.Errorf("unknown acl profile %q", profile)
	}
}

// ruleTag is the UserData marker attached to every per-peer rule so later
// invocations can find and delete exactly that peer's rules.
func ruleTag(source netip.Addr) []byte {
	return []byte("peer:" + source.String())
}

// aclExprs lowers a declarative aclRule to nftables expressions.
func aclExprs(r aclRule) []expr.Any {
	exprs := matchSaddr(r.Source)
	if r.Dest.IsValid() {
		exprs = append(exprs, matchDaddrNet(r.Dest)...)
	}
	verdict := expr.VerdictDrop
	if r.Accept {
		verdict = expr.VerdictAccept
	}
	return append(exprs, &expr.Verdict{Kind: verdict})
}

// matchSaddr matches the IPv4 source address exactly.
func matchSaddr(addr netip.Addr) []expr.Any {
	a := addr.As4()
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       12, // IPv4 source address
			Len:          4,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: a[:]},
	}
}

// matchDaddrNet matches the IPv4 destination address against a prefix.
func matchDaddrNet(p netip.Prefix) []expr.Any {
	network := p.Masked().Addr().As4()
	mask := prefixMask(p.Bits())
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       16, // IPv4 destination address
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           mask,
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: network[:]},
	}
}

func prefixMask(bits int) []byte {
	mask := make([]byte, 4)
	for i := 0; i < bits; i++ {
		mask[i/8] |= 1 << (7 - i%8)
	}
	return mask
}

// matchIifname matches the input interface name.
func matchIifname(iface string) []expr.Any {
	name := make([]byte, 16) // IFNAMSIZ, null padded
	copy(name, iface)
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: name},
	}
}

// matchOifname matches the output interface name.
func matchOifname(iface string) []expr.Any {
	name := make([]byte, 16)
	copy(name, iface)
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: name},
	}
}

// matchL4Dport matches protocol (IPPROTO_UDP/IPPROTO_TCP) and destination port.
func matchL4Dport(proto byte, port uint16) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2, // destination port
			Len:          2,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
	}
}

// matchDaddr matches an exact IPv4 destination address.
func matchDaddr(addr netip.Addr) []expr.Any {
	a := addr.As4()
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       16,
			Len:          4,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: a[:]},
	}
}

// ctEstablishedAccept accepts established and related flows; without it
// return traffic for every allowed connection would hit the ACL chain.
func ctEstablishedAccept() []expr.Any {
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// rejectExpr is an ICMP port-unreachable reject, the closest analog to
// the REJECT target the profiles' semantics were designed around.
func rejectExpr() expr.Any {
	return &expr.Reject{Type: unix.NFT_REJECT_ICMPX_UNREACH, Code: unix.NFT_REJECT_ICMPX_PORT_UNREACH}
}

// mssClampExprs clamps the MSS of forwarded SYNs to the path MTU:
//
//	tcp flags & (syn|rst) == syn  tcp option maxseg size set rt mtu
//
// Without this, clients behind the tunnel negotiate segment sizes that
// silently black-hole on the encapsulated path.
func mssClampExprs() []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       13, // TCP flags
			Len:          1,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            1,
			Mask:           []byte{0x02 | 0x04}, // SYN|RST
			Xor:            []byte{0x00},
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{0x02}}, // SYN only
		&expr.Rt{Register: 1, Key: expr.RtTCPMSS},
		&expr.Exthdr{
			SourceRegister: 1,
			Type:           2, // TCP MSS option kind
			Offset:         2,
			Len:            2,
			Op:             expr.ExthdrOpTcpopt,
		},
	}
}

// dnatExprs rewrites the destination to addr:port (the DNS hijack).
func dnatExprs(addr netip.Addr, port uint16) []expr.Any {
	a := addr.As4()
	return []expr.Any{
		&expr.Immediate{Register: 1, Data: a[:]},
		&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(port)},
		&expr.NAT{
			Type:        expr.NATTypeDestNAT,
			Family:      unix.NFPROTO_IPV4,
			RegAddrMin:  1,
			RegProtoMin: 2,
		},
	}
}

// masqueradeExprs masquerades traffic from the tunnel subnet leaving via
// the uplink interface.
func masqueradeExprs(subnet netip.Prefix, uplink string) []expr.Any {
	network := subnet.Masked().Addr().As4()
	exprs := []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       12,
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           prefixMask(subnet.Bits()),
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: network[:]},
	}
	exprs = append(exprs, matchOifname(uplink)...)
	return append(exprs, &expr.Masq{})
}
