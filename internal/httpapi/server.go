// Package httpapi is the bot's external surface (part of C6): the
// messaging-channel webhook, manual overrides, zone ingestion, and the
// read-only status/metrics endpoints named in SPEC_FULL.md §6 and §10.
//
// Grounded on the teacher's main.go, which wires a bare
// http.ServeMux with /healthz and /metrics; this module keeps that
// shape and adds the domain routes as plain HandlerFuncs, matching the
// teacher's preference for stdlib net/http over a router framework.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chidi150c/signaldca/internal/messaging"
	"github.com/chidi150c/signaldca/internal/orchestrator"
	"github.com/chidi150c/signaldca/internal/store"
	"github.com/chidi150c/signaldca/internal/trade"
	"github.com/chidi150c/signaldca/internal/zone"
)

// deliverer is implemented by messaging.Client types whose transport is
// pushed into from outside (HTTPWebhookClient) rather than dialing out
// themselves. Checked with a type assertion so a future dial-out channel
// (Telegram, Slack) can satisfy messaging.Client without needing it.
type deliverer interface {
	Deliver(ctx context.Context, text string)
}

// Server bundles the dependencies every handler needs.
type Server struct {
	orch      *orchestrator.Orchestrator
	trades    *trade.Manager
	zones     *zone.Manager
	st        store.Store
	msgClient messaging.Client
}

// New builds the mux described in SPEC_FULL.md §6.
func New(orch *orchestrator.Orchestrator, trades *trade.Manager, zones *zone.Manager, st store.Store, msgClient messaging.Client) *http.ServeMux {
	s := &Server{orch: orch, trades: trades, zones: zones, st: st, msgClient: msgClient}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/close/", s.handleClose)
	mux.HandleFunc("/flush", s.handleFlush)
	mux.HandleFunc("/signal/trend-switch", s.handleTrendSwitch)
	mux.HandleFunc("/zones/push", s.handleZonesPush)
	mux.HandleFunc("/zones/", s.handleZoneGet)
	mux.HandleFunc("/zones", s.handleZonesList)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/trades", s.handleTrades)
	mux.HandleFunc("/equity", s.handleEquity)
	mux.HandleFunc("/recovery/reset", s.handleRecoveryReset)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleWebhook is the HTTP transport behind messaging.HTTPWebhookClient:
// the raw message body is pushed through the registered Client's Deliver
// method, which hands it to the same dispatch chain the native
// messaging-channel listener uses, per SPEC_FULL.md §6. Falls back to
// calling the orchestrator directly only if the wired Client isn't a
// push-style deliverer.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if d, ok := s.msgClient.(deliverer); ok {
		d.Deliver(r.Context(), string(body))
	} else {
		s.orch.HandleText(r.Context(), string(body))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleClose implements POST /close/{symbol}: a manual out-of-band exit,
// routed through the same handler as a channel close signal.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sym := r.URL.Path[len("/close/"):]
	if sym == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}
	s.orch.HandleText(r.Context(), "close "+sym)
	writeJSON(w, http.StatusOK, map[string]string{"status": "close requested", "symbol": sym})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.orch.Flush()
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

type trendSwitchRequest struct {
	Symbol    string `json:"symbol"`
	Direction string `json:"direction"`
}

func (s *Server) handleTrendSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req trendSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.orch.HandleTrendSwitch(r.Context(), req.Symbol, req.Direction)
	writeJSON(w, http.StatusOK, map[string]string{"status": "trend switch applied"})
}

type zonePushRequest struct {
	Symbol string  `json:"symbol"`
	S1     float64 `json:"s1"`
	S2     float64 `json:"s2"`
	S3     float64 `json:"s3"`
	R1     float64 `json:"r1"`
	R2     float64 `json:"r2"`
	R3     float64 `json:"r3"`
}

// handleZonesPush implements SPEC_FULL.md §6's external zone-source
// ingestion path: an external scanner pushes support/resistance levels
// that take priority over the bot's own derived swing zones.
func (s *Server) handleZonesPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req zonePushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	z := zone.CoinZones{
		Symbol: req.Symbol,
		S1:     req.S1, S2: req.S2, S3: req.S3,
		R1: req.R1, R2: req.R2, R3: req.R3,
		UpdatedAt: time.Now().UTC(),
		Source:    zone.SourceExternal,
	}
	if _, err := s.zones.Update(z); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "zone updated"})
}

func (s *Server) handleZoneGet(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Path[len("/zones/"):]
	if sym == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}
	z, ok := s.zones.Get(sym)
	if !ok {
		http.Error(w, "no zone for symbol", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (s *Server) handleZonesList(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]zone.CoinZones)
	for _, symbol := range s.orch.TrackedSymbols() {
		if z, ok := s.zones.Get(symbol); ok {
			out[symbol] = z
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type statusResponse struct {
	Uptime      string `json:"uptime"`
	ActiveCount int    `json:"active_trades"`
	Wins        int    `json:"wins"`
	Losses      int    `json:"losses"`
	Breakeven   int    `json:"breakeven"`
	TotalPnL    string `json:"total_pnl"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	wins, losses, breakeven, totalPnL := s.trades.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:      time.Since(s.orch.StartTime()).String(),
		ActiveCount: s.trades.ActiveCount(),
		Wins:        wins,
		Losses:      losses,
		Breakeven:   breakeven,
		TotalPnL:    totalPnL.String(),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.trades.ActiveTrades())
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	eq := s.orch.Equity(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"equity": eq.String()})
}

// handleRecoveryReset re-runs the startup reconciliation pass on demand,
// for operators recovering from a stuck or desynced trade without a full
// process restart.
func (s *Server) handleRecoveryReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.orch.RunRecovery(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "recovery re-run"})
}
