// Package bridge is the message boundary between the scanner core and a
// presentation adapter. Messages mirror the extension's runtime messages and
// can be delivered in-process through Handle or as JSON over HTTP.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"

	"github.com/FranksOps/adscan/internal/registry"
	"github.com/FranksOps/adscan/internal/scan"
	"github.com/goccy/go-json"
)

// Message types.
const (
	TypeGetSellersCache = "getSellersCache"
	TypeRefreshSellers  = "refreshSellers"
	TypeSetSellersURL   = "setSellersUrl"
	TypeScanResult      = "scanResult"
	TypeSetBadge        = "setBadge"
	TypeGetBadge        = "getBadge"
	TypeTabActivated    = "tabActivated"
	TypeTabUpdated      = "tabUpdated"
	TypeTabRemoved      = "tabRemoved"
)

const maxMessageBytes = 1 << 20

var errUnknownType = errors.New("bridge: unknown message type")

// Message is a request from the presentation side. TabID is the sender tab
// for scanResult and the subject tab for lifecycle events.
type Message struct {
	Type   string   `json:"type"`
	TabID  *int     `json:"tabId,omitempty"`
	Count  *float64 `json:"count,omitempty"`
	URL    string   `json:"url,omitempty"`
	Status string   `json:"status,omitempty"`
}

// Response is the reply to a Message. Fields not relevant to the message type
// are left empty.
type Response struct {
	OK      bool              `json:"ok"`
	Sellers []registry.Seller `json:"sellers,omitempty"`
	// TS is the registry fetch time in Unix milliseconds, 0 when never fetched.
	TS    int64  `json:"ts,omitempty"`
	TabID int    `json:"tabId,omitempty"`
	Count int    `json:"count,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Registry is the part of the registry cache the bridge uses.
type Registry interface {
	Get(ctx context.Context) registry.Snapshot
	Refresh(ctx context.Context, force bool) ([]registry.Seller, error)
	SetURL(ctx context.Context, raw string) error
}

// Scheduler is the part of the scan scheduler the bridge drives.
type Scheduler interface {
	OnTabActivated(tabID int)
	OnTabUpdated(tabID int, change scan.Change)
	OnTabRemoved(tabID int)
	ReportResult(tabID, count int)
	PublishCount(count int)
}

// Handler dispatches messages to the registry and scheduler.
type Handler struct {
	registry  Registry
	scheduler Scheduler
	tabs      *Tabs
	badge     *Badge
	logger    *slog.Logger
}

// NewHandler wires a handler. badge may be nil when the scheduler pushes to a
// different sink; getBadge then reports nothing.
func NewHandler(reg Registry, sched Scheduler, tabs *Tabs, badge *Badge, logger *slog.Logger) *Handler {
	if tabs == nil {
		tabs = NewTabs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:  reg,
		scheduler: sched,
		tabs:      tabs,
		badge:     badge,
		logger:    logger,
	}
}

// Handle processes one message. Failures are reported in the response, never
// as a panic or a dropped reply.
func (h *Handler) Handle(ctx context.Context, msg Message) Response {
	switch msg.Type {
	case TypeGetSellersCache:
		snap := h.registry.Get(ctx)
		resp := Response{OK: true, Sellers: snap.Sellers}
		if !snap.FetchedAt.IsZero() {
			resp.TS = snap.FetchedAt.UnixMilli()
		}
		return resp

	case TypeRefreshSellers:
		sellers, err := h.registry.Refresh(ctx, true)
		if err != nil {
			h.logger.Warn("forced registry refresh failed", "err", err)
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Sellers: sellers}

	case TypeSetSellersURL:
		if err := h.registry.SetURL(ctx, msg.URL); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case TypeScanResult:
		// Results without a sender tab are acknowledged and dropped.
		if msg.TabID != nil {
			h.scheduler.ReportResult(*msg.TabID, count(msg.Count))
		}
		return Response{OK: true}

	case TypeSetBadge:
		h.scheduler.PublishCount(count(msg.Count))
		return Response{OK: true}

	case TypeGetBadge:
		if h.badge == nil {
			return Response{OK: true}
		}
		tabID, n := h.badge.Current()
		return Response{OK: true, TabID: tabID, Count: n, Text: scan.BadgeText(n)}

	case TypeTabActivated, TypeTabUpdated, TypeTabRemoved:
		if msg.TabID == nil {
			return Response{Error: fmt.Sprintf("bridge: %s requires tabId", msg.Type)}
		}
		h.tabEvent(msg.Type, *msg.TabID, msg)
		return Response{OK: true}
	}

	return Response{Error: fmt.Errorf("%w: %q", errUnknownType, msg.Type).Error()}
}

func (h *Handler) tabEvent(typ string, tabID int, msg Message) {
	switch typ {
	case TypeTabActivated:
		if msg.URL != "" {
			h.tabs.Set(tabID, msg.URL)
		}
		h.tabs.Activate(tabID)
		h.scheduler.OnTabActivated(tabID)

	case TypeTabUpdated:
		var change scan.Change
		if msg.URL != "" {
			change.URLChanged = h.tabs.Set(tabID, msg.URL)
		}
		change.LoadingStarted = msg.Status == "loading"
		h.scheduler.OnTabUpdated(tabID, change)

	case TypeTabRemoved:
		h.scheduler.OnTabRemoved(tabID)
		h.tabs.Remove(tabID)
	}
}

// count clamps a presentation-supplied number to a non-negative int.
func count(v *float64) int {
	if v == nil || math.IsNaN(*v) || *v <= 0 {
		return 0
	}
	if *v >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(*v)
}

// ServeHTTP accepts a JSON Message on POST and replies with a JSON Response.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "reading message: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "decoding message: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := h.Handle(r.Context(), msg)
	h.logger.Debug("message handled", "type", msg.Type, "ok", resp.OK)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("writing response", "err", err)
	}
}

// Mux returns a ServeMux with the handler mounted at /message.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/message", h)
	return mux
}
