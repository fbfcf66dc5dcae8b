// Package analyzer counts and extracts brand entries from ads.txt style
// manifests. Every function here is pure and total.
package analyzer

import (
	"regexp"
	"strings"
)

// RegexpPrefix marks a brand token as a regular expression.
const RegexpPrefix = "re:"

// Brand matches manifest lines belonging to one ad-tech entity.
type Brand struct {
	token string
	lower string
	re    *regexp.Regexp
}

// NewBrand builds a case-insensitive matcher. A token prefixed with "re:" is
// compiled as a regular expression; if it does not compile it is matched as
// a literal substring instead. An empty token matches nothing.
func NewBrand(token string) Brand {
	token = strings.TrimSpace(token)
	if expr, ok := strings.CutPrefix(token, RegexpPrefix); ok {
		if re, err := regexp.Compile("(?i)" + expr); err == nil && expr != "" {
			return Brand{token: token, re: re}
		}
		token = expr
	}
	return Brand{token: token, lower: strings.ToLower(token)}
}

// String returns the token the brand was built from.
func (b Brand) String() string { return b.token }

// Matches reports whether line belongs to the brand.
func (b Brand) Matches(line string) bool {
	if b.re != nil {
		return b.re.MatchString(line)
	}
	if b.lower == "" {
		return false
	}
	return strings.Contains(strings.ToLower(line), b.lower)
}

// CountBrandLines returns how many lines of text match brand.
func CountBrandLines(text string, brand Brand) int {
	if text == "" {
		return 0
	}
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if brand.Matches(line) {
			n++
		}
	}
	return n
}

// MatchingLines returns the lines of text that match brand, without their
// line terminators.
func MatchingLines(text string, brand Brand) []string {
	if text == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if brand.Matches(line) {
			out = append(out, strings.TrimRight(line, "\r"))
		}
	}
	return out
}

// ExtractSellerIDs collects the seller account field of every brand line.
// The second comma-separated field is reduced to its digits; lines with fewer
// than two fields or without digits in that field are skipped.
func ExtractSellerIDs(text string, brand Brand) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, line := range MatchingLines(text, brand) {
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		if id := DigitsOnly(strings.TrimSpace(fields[1])); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// DigitsOnly strips every non-ASCII-digit character from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// CountLines returns the number of non-blank lines in text.
func CountLines(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
