// Package clientconf renders the tunnel configuration a peer imports
// into its WireGuard client, plus the QR form of the same artifact.
package clientconf

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// Client operating systems the renderer knows how to target.
const (
	OSLinux   = "linux"
	OSMacOS   = "macos"
	OSIOS     = "ios"
	OSAndroid = "android"
	OSWindows = "windows"
)

// KnownOS reports whether os is a supported client platform.
func KnownOS(os string) bool {
	switch os {
	case OSLinux, OSMacOS, OSIOS, OSAndroid, OSWindows:
		return true
	}
	return false
}

// Params carries everything the artifact embeds.
type Params struct {
	PrivateKey      string
	Address         netip.Addr
	ServerPublicKey string
	Endpoint        string
	DNS             string
	MTU             int
	Keepalive       int
	ClientOS        string
}

// Render produces the client-side tunnel file.
//
// Linux clients get DNS via PostUp shell hooks instead of the DNS=
// directive: resolvconf handling varies too much across distros to rely
// on. They also disable IPv6 while the tunnel is up, since the tunnel
// carries no v6 and a live v6 default route leaks traffic around it.
// Mobile and desktop clients use DNS= and route both families into the
// tunnel.
func Render(p Params) (string, error) {
	if !KnownOS(p.ClientOS) {
		return "", fmt.Errorf("unknown client os %q", p.ClientOS)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\nAddress = %s/32\n", p.PrivateKey, p.Address)

	var allowedIPs string
	if p.ClientOS == OSLinux {
		fmt.Fprintf(&b, "MTU = %d\n", p.MTU)
		b.WriteString("\n# DNS and IPv6 leak prevention\n")
		b.WriteString("PreUp = sysctl -w net.ipv6.conf.all.disable_ipv6=1\n")
		fmt.Fprintf(&b, "PostUp = cp /etc/resolv.conf /etc/resolv.conf.wg-backup && echo \"nameserver %s\" > /etc/resolv.conf\n", p.DNS)
		b.WriteString("PostDown = mv /etc/resolv.conf.wg-backup /etc/resolv.conf || true\n")
		b.WriteString("PostDown = sysctl -w net.ipv6.conf.all.disable_ipv6=0\n")
		allowedIPs = "0.0.0.0/0"
	} else {
		fmt.Fprintf(&b, "DNS = %s\n", p.DNS)
		fmt.Fprintf(&b, "MTU = %d\n", p.MTU)
		allowedIPs = "0.0.0.0/0, ::/0"
	}

	fmt.Fprintf(&b, "\n[Peer]\nPublicKey = %s\nEndpoint = %s\nAllowedIPs = %s\nPersistentKeepalive = %d\n",
		p.ServerPublicKey, p.Endpoint, allowedIPs, p.Keepalive)
	return b.String(), nil
}

// QRDataURI renders the artifact as a PNG QR code wrapped in a data URI,
// ready for an <img> tag. Mobile clients import the tunnel by scanning it.
func QRDataURI(conf string) (string, error) {
	png, err := qrcode.Encode(conf, qrcode.Medium, 512)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
