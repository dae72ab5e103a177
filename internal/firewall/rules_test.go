//go:build linux

package firewall

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/nftables/expr"
)

var (
	testServer = netip.MustParseAddr("10.50.0.1")
	testPeer   = netip.MustParseAddr("10.50.0.4")
)

func TestProfileRulesFull(t *testing.T) {
	t.Parallel()

	rules, err := profileRules(testPeer, ProfileFull, testServer)
	if err != nil {
		t.Fatalf("profileRules() error: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	r := rules[0]
	if !r.Accept || r.Dest.IsValid() || r.Source != testPeer {
		t.Errorf("full profile rule = %+v, want unconditional accept", r)
	}
}

func TestProfileRulesInternetOnly(t *testing.T) {
	t.Parallel()

	rules, err := profileRules(testPeer, ProfileInternetOnly, testServer)
	if err != nil {
		t.Fatalf("profileRules() error: %v", err)
	}
	// server accept + 3 private drops + trailing accept
	if len(rules) != 5 {
		t.Fatalf("got %d rules, want 5", len(rules))
	}

	first := rules[0]
	if !first.Accept || first.Dest != netip.PrefixFrom(testServer, 32) {
		t.Errorf("first rule = %+v, want accept to server /32", first)
	}

	wantDrops := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	for i, cidr := range wantDrops {
		r := rules[i+1]
		if r.Accept || r.Dest != netip.MustParsePrefix(cidr) {
			t.Errorf("rule %d = %+v, want drop to %s", i+1, r, cidr)
		}
		if r.Source != testPeer {
			t.Errorf("rule %d source = %s, want %s", i+1, r.Source, testPeer)
		}
	}

	last := rules[4]
	if !last.Accept || last.Dest.IsValid() {
		t.Errorf("trailing rule = %+v, want unconditional accept", last)
	}
}

func TestProfileRulesIntranetOnly(t *testing.T) {
	t.Parallel()

	rules, err := profileRules(testPeer, ProfileIntranetOnly, testServer)
	if err != nil {
		t.Fatalf("profileRules() error: %v", err)
	}
	if len(rules) != 4 {
		t.Fatalf("got %d rules, want 4", len(rules))
	}
	for i, r := range rules[:3] {
		if !r.Accept || !r.Dest.IsValid() {
			t.Errorf("rule %d = %+v, want accept to a private range", i, r)
		}
	}
	last := rules[3]
	if last.Accept || last.Dest.IsValid() {
		t.Errorf("trailing rule = %+v, want unconditional drop", last)
	}
}

func TestProfileRulesUnknown(t *testing.T) {
	t.Parallel()

	if _, err := profileRules(testPeer, "lan-party", testServer); err == nil {
		t.Error("unknown profile accepted")
	}
}

func TestRuleTagIsPerAddress(t *testing.T) {
	t.Parallel()

	a := ruleTag(netip.MustParseAddr("10.50.0.4"))
	b := ruleTag(netip.MustParseAddr("10.50.0.40"))
	if bytes.Equal(a, b) {
		t.Error("distinct addresses share a rule tag")
	}
	if !bytes.Equal(a, ruleTag(netip.MustParseAddr("10.50.0.4"))) {
		t.Error("tag not stable for the same address")
	}
}

func TestACLExprsVerdicts(t *testing.T) {
	t.Parallel()

	accept := aclExprs(aclRule{Source: testPeer, Accept: true})
	v, ok := accept[len(accept)-1].(*expr.Verdict)
	if !ok || v.Kind != expr.VerdictAccept {
		t.Errorf("accept rule final expr = %#v, want accept verdict", accept[len(accept)-1])
	}

	drop := aclExprs(aclRule{Source: testPeer, Dest: privateNetworks[0], Accept: false})
	v, ok = drop[len(drop)-1].(*expr.Verdict)
	if !ok || v.Kind != expr.VerdictDrop {
		t.Errorf("drop rule final expr = %#v, want drop verdict", drop[len(drop)-1])
	}
	// A destination-qualified rule carries more matches than a bare one.
	if len(drop) <= len(accept) {
		t.Errorf("dest-qualified rule has %d exprs, bare rule %d", len(drop), len(accept))
	}
}

func TestPrefixMask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bits int
		want []byte
	}{
		{8, []byte{0xff, 0x00, 0x00, 0x00}},
		{12, []byte{0xff, 0xf0, 0x00, 0x00}},
		{16, []byte{0xff, 0xff, 0x00, 0x00}},
		{24, []byte{0xff, 0xff, 0xff, 0x00}},
		{32, []byte{0xff, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		if got := prefixMask(tt.bits); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixMask(%d) = %v, want %v", tt.bits, got, tt.want)
		}
	}
}

func TestMatchIifnamePadding(t *testing.T) {
	t.Parallel()

	exprs := matchIifname("wg0")
	cmp, ok := exprs[1].(*expr.Cmp)
	if !ok {
		t.Fatalf("second expr is %#v, want Cmp", exprs[1])
	}
	if len(cmp.Data) != 16 {
		t.Errorf("ifname cmp data length = %d, want 16", len(cmp.Data))
	}
	if string(cmp.Data[:3]) != "wg0" || cmp.Data[3] != 0 {
		t.Errorf("ifname cmp data = %q, want null-padded wg0", cmp.Data)
	}
}
