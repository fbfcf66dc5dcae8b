package analyzer

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// DefaultBrand is used when no brand can be derived from the registry URL.
const DefaultBrand = "adwmg"

// BrandFromURL derives a brand token from the registrable name of rawURL's
// host: "https://adwmg.com/sellers.json" gives "adwmg" and
// "https://cdn.foo.co.uk/x" gives "foo".
func BrandFromURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return DefaultBrand
	}
	host := strings.ToLower(u.Hostname())

	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		if name, _, ok := strings.Cut(etld1, "."); ok && name != "" {
			return name
		}
	}

	parts := strings.Split(host, ".")
	switch {
	case len(parts) >= 2:
		return parts[len(parts)-2]
	case parts[0] != "":
		return parts[0]
	}
	return DefaultBrand
}

var (
	schemePrefix = regexp.MustCompile(`^https?://`)
	repeatedDots = regexp.MustCompile(`\.+`)
	domainStop   = regexp.MustCompile(`[/?#\s,;=:]`)
)

// CleanDomain normalises user input such as "HTTPS://www.Example.com/ads.txt"
// down to a bare domain ("example.com").
func CleanDomain(input string) string {
	d := strings.ToLower(strings.TrimSpace(input))
	if d == "" {
		return ""
	}
	d = schemePrefix.ReplaceAllString(d, "")
	d = strings.TrimPrefix(d, "www.")
	d = repeatedDots.ReplaceAllString(d, ".")
	if loc := domainStop.FindStringIndex(d); loc != nil {
		d = d[:loc[0]]
	}
	return d
}

// Origin returns scheme://host for http(s) URLs, and false for anything else.
func Origin(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + u.Host, true
}
