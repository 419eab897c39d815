// Package api exposes the indexed CDP records over HTTP/JSON and pushes
// position updates over WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/atmx/cdp-indexer/internal/model"
	"github.com/atmx/cdp-indexer/internal/store"
)

// Handler serves read-only queries over the store.
type Handler struct {
	store  store.Store
	logger *slog.Logger
}

// NewHandler creates a query handler.
func NewHandler(st store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, logger: logger}
}

// Register mounts the query routes on r. hub may be nil.
func (h *Handler) Register(r chi.Router, hub *WSHub) {
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}
	r.Get("/cdps", h.ListCdps)
	r.Get("/cdps/{cdpID}", h.GetCdp)
	r.Get("/cdps/{cdpID}/actions", h.ListCdpActions)
	r.Get("/actions/{actionID}", h.GetAction)
	r.Get("/stats", h.GetStats)
	r.Get("/owners", h.ListOwners)
	r.Get("/prices/{asset}/{block}", h.GetPrice)
}

// ListCdps handles GET /api/v1/cdps
// Returns all positions, optionally filtered by ?owner=<address>.
func (h *Handler) ListCdps(w http.ResponseWriter, r *http.Request) {
	var owner *common.Address
	if raw := r.URL.Query().Get("owner"); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, "owner must be a hex address", http.StatusBadRequest)
			return
		}
		addr := common.HexToAddress(raw)
		owner = &addr
	}

	cdps, err := h.store.ListCdps(r.Context(), owner)
	if err != nil {
		h.internal(w, "failed to list cdps", err)
		return
	}
	if cdps == nil {
		cdps = []model.Cdp{}
	}
	writeJSON(w, cdps)
}

// GetCdp handles GET /api/v1/cdps/{cdpID}
func (h *Handler) GetCdp(w http.ResponseWriter, r *http.Request) {
	cdp, err := h.store.GetCdp(r.Context(), chi.URLParam(r, "cdpID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "cdp not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internal(w, "failed to load cdp", err)
		return
	}
	writeJSON(w, cdp)
}

// ListCdpActions handles GET /api/v1/cdps/{cdpID}/actions
// Returns the position's actions in chain order.
func (h *Handler) ListCdpActions(w http.ResponseWriter, r *http.Request) {
	cdpID := chi.URLParam(r, "cdpID")

	if _, err := h.store.GetCdp(r.Context(), cdpID); errors.Is(err, store.ErrNotFound) {
		writeError(w, "cdp not found", http.StatusNotFound)
		return
	} else if err != nil {
		h.internal(w, "failed to load cdp", err)
		return
	}

	actions, err := h.store.ListActionsByCdp(r.Context(), cdpID)
	if err != nil {
		h.internal(w, "failed to list actions", err)
		return
	}
	if actions == nil {
		actions = []model.Action{}
	}
	writeJSON(w, actions)
}

// GetAction handles GET /api/v1/actions/{actionID}
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.store.GetAction(r.Context(), chi.URLParam(r, "actionID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "action not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internal(w, "failed to load action", err)
		return
	}
	writeJSON(w, action)
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		h.internal(w, "failed to load stats", err)
		return
	}
	writeJSON(w, stats)
}

// ListOwners handles GET /api/v1/owners
// Returns every address that has opened a position, in ascending hex order.
func (h *Handler) ListOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := h.store.ListOwners(r.Context())
	if err != nil {
		h.internal(w, "failed to list owners", err)
		return
	}
	if owners == nil {
		owners = []common.Address{}
	}
	writeJSON(w, owners)
}

// GetPrice handles GET /api/v1/prices/{asset}/{block}
// Only prices already read during indexing are served.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := model.Asset(strings.ToUpper(chi.URLParam(r, "asset")))
	if !asset.Valid() {
		writeError(w, "asset must be ETH or MKR", http.StatusBadRequest)
		return
	}
	block, err := strconv.ParseUint(chi.URLParam(r, "block"), 10, 64)
	if err != nil {
		writeError(w, "block must be a non-negative integer", http.StatusBadRequest)
		return
	}

	snap, err := h.store.GetPriceSnapshot(r.Context(), asset, block)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "price not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internal(w, "failed to load price", err)
		return
	}
	writeJSON(w, snap)
}

func (h *Handler) internal(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, "err", err)
	writeError(w, message, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
