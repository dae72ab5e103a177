package clientconf

import (
	"net/netip"
	"strings"
	"testing"
)

func testParams(os string) Params {
	return Params{
		PrivateKey:      "client-priv",
		Address:         netip.MustParseAddr("10.50.0.7"),
		ServerPublicKey: "server-pub",
		Endpoint:        "vpn.example.com:51820",
		DNS:             "1.1.1.1",
		MTU:             1280,
		Keepalive:       25,
		ClientOS:        os,
	}
}

func TestRenderAndroid(t *testing.T) {
	t.Parallel()

	conf, err := Render(testParams(OSAndroid))
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	for _, want := range []string{
		"PrivateKey = client-priv",
		"Address = 10.50.0.7/32",
		"DNS = 1.1.1.1",
		"MTU = 1280",
		"PublicKey = server-pub",
		"Endpoint = vpn.example.com:51820",
		"AllowedIPs = 0.0.0.0/0, ::/0",
		"PersistentKeepalive = 25",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("rendered config missing %q:\n%s", want, conf)
		}
	}
	if strings.Contains(conf, "PostUp") {
		t.Error("non-linux config carries shell hooks")
	}
}

func TestRenderLinux(t *testing.T) {
	t.Parallel()

	conf, err := Render(testParams(OSLinux))
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	if strings.Contains(conf, "DNS = ") {
		t.Error("linux config uses the DNS= directive")
	}
	for _, want := range []string{
		"PreUp = sysctl -w net.ipv6.conf.all.disable_ipv6=1",
		`echo "nameserver 1.1.1.1" > /etc/resolv.conf`,
		"PostDown = mv /etc/resolv.conf.wg-backup /etc/resolv.conf || true",
		"AllowedIPs = 0.0.0.0/0\n",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("linux config missing %q:\n%s", want, conf)
		}
	}
	if strings.Contains(conf, "::/0") {
		t.Error("linux config routes v6 while disabling it")
	}
}

func TestRenderUnknownOS(t *testing.T) {
	t.Parallel()

	if _, err := Render(testParams("templeos")); err == nil {
		t.Error("unknown client os accepted")
	}
}

func TestQRDataURI(t *testing.T) {
	t.Parallel()

	conf, err := Render(testParams(OSIOS))
	if err != nil {
		t.Fatal(err)
	}
	uri, err := QRDataURI(conf)
	if err != nil {
		t.Fatalf("QRDataURI() error: %v", err)
	}
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Errorf("QR uri prefix = %q", uri[:min(len(uri), 30)])
	}
	if len(uri) < 100 {
		t.Error("QR payload suspiciously small")
	}
}
