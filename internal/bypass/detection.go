// Package bypass recognises responses that are not what was asked for: bot
// protection challenges in front of a manifest, and HTML pages served where a
// plain-text manifest should be.
package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Response is the subset of an HTTP response the detectors inspect.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Detector reports whether res is a challenge page and names its vendor.
type Detector func(res Response) (detected bool, source string)

// signature describes one vendor's challenge page.
type signature struct {
	source   string
	statuses []int
	server   string
	headers  []string
	body     [][]byte
	// bodyAll requires every body marker instead of any one of them.
	bodyAll bool
}

var signatures = []signature{
	{
		source:   "Cloudflare",
		statuses: []int{http.StatusForbidden, http.StatusServiceUnavailable},
		server:   "cloudflare",
		body: [][]byte{
			[]byte("cf-browser-verification"),
			[]byte("cf-turnstile"),
			[]byte("Attention Required! | Cloudflare"),
		},
	},
	{
		source:   "Akamai",
		statuses: []int{http.StatusForbidden},
		server:   "akamai",
		body:     [][]byte{[]byte("Reference #"), []byte("Access Denied")},
		bodyAll:  true,
	},
	{
		source:   "DataDome",
		statuses: []int{http.StatusForbidden},
		server:   "datadome",
		headers:  []string{"X-DataDome", "X-DataDome-Response"},
		body:     [][]byte{[]byte("geo.captcha-delivery.com")},
	},
	{
		source:   "PerimeterX",
		statuses: []int{http.StatusForbidden},
		headers:  []string{"X-Px-Captcha"},
		body:     [][]byte{[]byte("client.perimeterx.net"), []byte("px-captcha"), []byte("_pxBlock")},
	},
}

// DefaultDetectors returns one detector per known vendor signature.
func DefaultDetectors() []Detector {
	detectors := make([]Detector, 0, len(signatures))
	for _, sig := range signatures {
		detectors = append(detectors, sig.detect)
	}
	return detectors
}

// Detect runs res through detectors and returns the first vendor that
// matches, or "" when none do.
func Detect(res Response, detectors []Detector) string {
	for _, d := range detectors {
		if ok, src := d(res); ok {
			return src
		}
	}
	return ""
}

func (s signature) detect(res Response) (bool, string) {
	if !containsInt(s.statuses, res.StatusCode) {
		return false, ""
	}
	if s.server != "" && strings.Contains(strings.ToLower(res.Header.Get("Server")), s.server) {
		return true, s.source
	}
	for _, h := range s.headers {
		if res.Header.Get(h) != "" {
			return true, s.source
		}
	}
	if len(s.body) == 0 {
		return false, ""
	}
	matched := 0
	for _, marker := range s.body {
		if bytes.Contains(res.Body, marker) {
			matched++
		}
	}
	if (s.bodyAll && matched == len(s.body)) || (!s.bodyAll && matched > 0) {
		return true, s.source
	}
	return false, ""
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
