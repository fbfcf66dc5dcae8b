package fingerprint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// Profile represents a recognized TLS fingerprint profile.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"     // standard go TLS
	ProfileRandom  Profile = "random" // randomized uTLS profile
)

// ParseProfile maps a config value onto a Profile. Empty selects ProfileGo.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return ProfileGo, nil
	case ProfileChrome, ProfileFirefox, ProfileSafari, ProfileGo, ProfileRandom:
		return p, nil
	}
	return "", fmt.Errorf("fingerprint: unknown profile %q", s)
}

// Options tune the transport beyond the profile.
type Options struct {
	// InsecureSkipVerify disables certificate verification (tests, self-signed registries).
	InsecureSkipVerify bool
	// Proxy is installed as the transport's proxy func. Only ProfileGo can
	// tunnel through a proxy; uTLS profiles dial the origin directly.
	Proxy func(*http.Request) (*url.URL, error)
}

// Transport returns an http.RoundTripper presenting the ClientHello of p.
// ProfileGo returns a plain cloned http.Transport. uTLS profiles are pinned to
// HTTP/1.1 in ALPN because the custom dialer bypasses the transport's h2 setup.
func Transport(p Profile, opts Options) (http.RoundTripper, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if p == ProfileGo {
		if opts.Proxy != nil {
			transport.Proxy = opts.Proxy
		}
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
		}
		return transport, nil
	}

	id, err := helloID(p)
	if err != nil {
		return nil, err
	}
	if opts.Proxy != nil {
		return nil, fmt.Errorf("fingerprint: profile %q cannot be used with a proxy", p)
	}
	transport.Proxy = nil

	transport.ForceAttemptHTTP2 = false
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := transport.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}

		uConn, err := newUConn(tcpConn, &utls.Config{
			ServerName:         host,
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in
		}, id)
		if err != nil {
			_ = tcpConn.Close()
			return nil, err
		}
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("fingerprint: utls handshake failed: %w", err)
		}
		return uConn, nil
	}

	return transport, nil
}

func helloID(p Profile) (utls.ClientHelloID, error) {
	switch p {
	case ProfileChrome:
		return utls.HelloChrome_Auto, nil
	case ProfileFirefox:
		return utls.HelloFirefox_Auto, nil
	case ProfileSafari:
		return utls.HelloIOS_Auto, nil
	case ProfileRandom:
		return utls.HelloRandomizedNoALPN, nil
	}
	return utls.ClientHelloID{}, fmt.Errorf("fingerprint: unknown profile %q", p)
}

// newUConn builds a uTLS client whose ALPN only offers http/1.1. Randomized
// IDs cannot be converted into a spec and are used as-is.
func newUConn(conn net.Conn, cfg *utls.Config, id utls.ClientHelloID) (*utls.UConn, error) {
	spec, err := utls.UTLSIdToSpec(id)
	if err != nil {
		return utls.UClient(conn, cfg, id), nil
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	uConn := utls.UClient(conn, cfg, utls.HelloCustom)
	if err := uConn.ApplyPreset(&spec); err != nil {
		return nil, fmt.Errorf("fingerprint: apply preset: %w", err)
	}
	return uConn, nil
}
