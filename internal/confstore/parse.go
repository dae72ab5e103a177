package confstore

import (
	"fmt"
	"regexp"
	"strings"
)

// InterfaceHeader and PeerHeader are the section markers recognized in the
// tunnel configuration file.
const (
	InterfaceHeader = "[Interface]"
	PeerHeader      = "[Peer]"
)

var (
	publicKeyRe  = regexp.MustCompile(`(?m)^\s*PublicKey\s*=\s*(\S+)`)
	allowedIPsRe = regexp.MustCompile(`(?m)^\s*AllowedIPs\s*=\s*(\S+)`)
)

// PeerSection is one [Peer] block of the configuration file. Raw preserves
// the block's original text (including comments) so rewrites do not mangle
// operator formatting.
type PeerSection struct {
	Raw       string
	PublicKey string
	AllowedIP string
}

// ParseSections splits the configuration text into the interface block and
// its peer blocks, preserving each block's internal spacing. A missing
// interface block yields an empty string; callers that rewrite the file
// must treat that as a refusal condition rather than guess.
func ParseSections(text string) (interfaceBlock string, peers []PeerSection) {
	for _, block := range splitBlocks(text) {
		switch {
		case strings.HasPrefix(block, InterfaceHeader):
			interfaceBlock = block
		case strings.HasPrefix(block, PeerHeader):
			p := PeerSection{Raw: block}
			if m := publicKeyRe.FindStringSubmatch(block); m != nil {
				p.PublicKey = m[1]
			}
			if m := allowedIPsRe.FindStringSubmatch(block); m != nil {
				p.AllowedIP = m[1]
			}
			peers = append(peers, p)
		}
	}
	return interfaceBlock, peers
}

// splitBlocks cuts the text at every line that starts a recognized section
// header, keeping the header with its block.
func splitBlocks(text string) []string {
	lines := strings.Split(text, "\n")
	var blocks []string
	var cur []string

	flush := func() {
		if block := strings.TrimSpace(strings.Join(cur, "\n")); block != "" {
			blocks = append(blocks, block)
		}
		cur = cur[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == InterfaceHeader || trimmed == PeerHeader {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

// RenderPeerSection produces a canonical [Peer] block. The allowed address
// is always the peer's /32 tunnel address; keepalive is emitted only when
// positive. An optional comment line carries the peer's handle for
// operators reading the file by hand.
func RenderPeerSection(publicKey, allowedIP string, keepalive int, comment string) string {
	var b strings.Builder
	b.WriteString(PeerHeader)
	if comment != "" {
		fmt.Fprintf(&b, "\n# %s", comment)
	}
	fmt.Fprintf(&b, "\nPublicKey = %s", publicKey)
	fmt.Fprintf(&b, "\nAllowedIPs = %s", allowedIP)
	if keepalive > 0 {
		fmt.Fprintf(&b, "\nPersistentKeepalive = %d", keepalive)
	}
	return b.String()
}

// RenderConfig deterministically concatenates the interface block and peer
// sections, separated by blank lines and terminated with a newline.
func RenderConfig(interfaceBlock string, peers []PeerSection) string {
	parts := make([]string, 0, 1+len(peers))
	parts = append(parts, strings.TrimSpace(interfaceBlock))
	for _, p := range peers {
		parts = append(parts, strings.TrimSpace(p.Raw))
	}
	return strings.Join(parts, "\n\n") + "\n"
}
