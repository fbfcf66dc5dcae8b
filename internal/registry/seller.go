package registry

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/adscan/internal/analyzer"
	"github.com/goccy/go-json"
)

// ErrMalformed marks a registry document that is valid JSON but does not
// carry a sellers list.
var ErrMalformed = errors.New("registry: malformed document")

// Seller is one entry of a sellers.json registry.
type Seller struct {
	Domain     string `json:"domain"`
	SellerID   string `json:"seller_id"`
	SellerType string `json:"seller_type"`
	Name       string `json:"name,omitempty"`
}

// String renders the seller as "domain (seller_id) — seller_type".
func (s Seller) String() string {
	return fmt.Sprintf("%s (%s) — %s", s.Domain, s.SellerID, s.SellerType)
}

// Key is the digits-only seller id used for matching manifest entries.
func (s Seller) Key() string {
	return analyzer.DigitsOnly(s.SellerID)
}

// UnmarshalJSON accepts seller_id as either a string or a number, which both
// show up in published registries.
func (s *Seller) UnmarshalJSON(data []byte) error {
	var raw struct {
		Domain     string          `json:"domain"`
		SellerID   json.RawMessage `json:"seller_id"`
		SellerType string          `json:"seller_type"`
		Name       string          `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	id := string(bytes.TrimSpace(raw.SellerID))
	switch {
	case id == "" || id == "null":
		id = ""
	case strings.HasPrefix(id, `"`):
		unquoted, err := strconv.Unquote(id)
		if err != nil {
			return fmt.Errorf("seller_id: %w", err)
		}
		id = unquoted
	}

	*s = Seller{
		Domain:     raw.Domain,
		SellerID:   strings.TrimSpace(id),
		SellerType: raw.SellerType,
		Name:       raw.Name,
	}
	return nil
}

// Snapshot is the cached registry. Sellers is shared between readers and
// must not be modified.
type Snapshot struct {
	Sellers   []Seller  `json:"sellers"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Age is how old the snapshot is at now. A snapshot that was never fetched
// has no meaningful age and reports ok=false.
func (s Snapshot) Age(now time.Time) (age time.Duration, ok bool) {
	if s.FetchedAt.IsZero() {
		return 0, false
	}
	return now.Sub(s.FetchedAt), true
}

// parseDocument extracts the sellers list from a registry document. Invalid
// JSON is an error; a valid document without a sellers array yields an empty
// list together with ErrMalformed so callers can log it.
func parseDocument(body []byte) ([]Seller, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("registry: invalid JSON document")
	}

	var doc struct {
		Sellers json.RawMessage `json:"sellers"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return []Seller{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(doc.Sellers, &entries); err != nil || entries == nil {
		return []Seller{}, fmt.Errorf("%w: sellers is not a list", ErrMalformed)
	}

	sellers := make([]Seller, 0, len(entries))
	skipped := 0
	for _, e := range entries {
		var s Seller
		if err := json.Unmarshal(e, &s); err != nil {
			skipped++
			continue
		}
		sellers = append(sellers, s)
	}
	if skipped > 0 {
		return sellers, fmt.Errorf("%w: skipped %d invalid entries", ErrMalformed, skipped)
	}
	return sellers, nil
}
