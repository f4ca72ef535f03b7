// Package admin implements the admin surface named in spec §6: a JSON API
// over RuleStore CRUD and TrafficLog query/count/purge, plus the
// GET /proxy-admin HTML status page, grounded on
// original_source/app/handler.py's _handle_admin_request.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/proxyforge/interceptproxy/internal/model"
	"github.com/proxyforge/interceptproxy/internal/rules"
	"github.com/proxyforge/interceptproxy/internal/trafficlog"
)

// Server is the admin HTTP surface. It has no connection to the proxy's
// data path beyond the RuleStore/TrafficLog it was constructed with.
type Server struct {
	rules      rules.Store
	trafficLog trafficlog.Log
	log        *zap.Logger
	startedAt  time.Time
}

// New constructs a Server; Router builds its chi router.
func New(store rules.Store, tl trafficlog.Log, log *zap.Logger) *Server {
	return &Server{rules: store, trafficLog: tl, log: log, startedAt: time.Now()}
}

// Router builds the chi.Router serving the admin API and status page.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/proxy-admin", s.handleStatusPage)

	r.Route("/api/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleAddRule)
		r.Put("/{id}", s.handleUpdateRule)
		r.Delete("/{id}", s.handleDeleteRule)
	})

	r.Route("/api/traffic", func(r chi.Router) {
		r.Get("/", s.handleQueryTraffic)
		r.Get("/count", s.handleCountTraffic)
		r.Post("/purge", s.handlePurgeTraffic)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("admin response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type ruleRequest struct {
	Pattern          string     `json:"pattern"`
	Scope            model.Scope `json:"scope"`
	Subnet           string     `json:"subnet,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	AddedBy          string     `json:"added_by,omitempty"`
	ExpiresInSeconds *int64     `json:"expires_in_seconds,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	active, err := s.rules.ListActive(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	rule, err := s.rules.Add(r.Context(), rules.AddInput{
		Pattern:          req.Pattern,
		Scope:            req.Scope,
		Subnet:           req.Subnet,
		Reason:           req.Reason,
		AddedBy:          req.AddedBy,
		ExpiresInSeconds: req.ExpiresInSeconds,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Pattern          *string      `json:"pattern"`
		Scope            *model.Scope `json:"scope"`
		Subnet           *string      `json:"subnet"`
		Reason           *string      `json:"reason"`
		AddedBy          *string      `json:"added_by"`
		ExpiresInSeconds *int64       `json:"expires_in_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	rule, ok, err := s.rules.Update(r.Context(), id, rules.UpdateInput{
		Pattern:          req.Pattern,
		Scope:            req.Scope,
		Subnet:           req.Subnet,
		Reason:           req.Reason,
		AddedBy:          req.AddedBy,
		ExpiresInSeconds: req.ExpiresInSeconds,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "rule not found: "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.rules.Delete(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueryTraffic(w http.ResponseWriter, r *http.Request) {
	filter := model.TrafficFilter{Search: r.URL.Query().Get("search")}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	records, err := s.trafficLog.Query(r.Context(), filter, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCountTraffic(w http.ResponseWriter, r *http.Request) {
	filter := model.TrafficFilter{Search: r.URL.Query().Get("search")}
	n, err := s.trafficLog.Count(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handlePurgeTraffic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OlderThanDays int `json:"older_than_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	n, err := s.trafficLog.PurgeOlderThan(r.Context(), req.OlderThanDays)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// handleStatusPage renders spec §6's GET /proxy-admin HTML status page.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	active, err := s.rules.ListActive(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, err := s.trafficLog.Count(r.Context(), model.TrafficFilter{})
	if err != nil {
		count = -1
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><head><title>Proxy Status</title></head><body>")
	fmt.Fprintf(w, "<h1>Proxy Status</h1>")
	fmt.Fprintf(w, "<p>Uptime: %s</p>", time.Since(s.startedAt).Round(time.Second))
	fmt.Fprintf(w, "<p>Goroutines: %d</p>", runtime.NumGoroutine())
	fmt.Fprintf(w, "<p>Traffic records: %d</p>", count)
	fmt.Fprintf(w, "<h2>Active block rules (%d)</h2><ul>", len(active))
	for _, rule := range active {
		fmt.Fprintf(w, "<li>%s (%s) — %s</li>", html.EscapeString(rule.Pattern), html.EscapeString(string(rule.Scope)), html.EscapeString(rule.Reason))
	}
	fmt.Fprintf(w, "</ul></body></html>")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
