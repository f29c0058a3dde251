package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/logging"
	"github.com/egressd/egressd/internal/proxy"
)

// Server is the operator-facing HTTP surface: health, metrics, rule
// CRUD and runtime stats. It binds to a loopback address by default and
// carries no authentication of its own.
type Server struct {
	proxy *proxy.Proxy
	srv   *http.Server

	mu    sync.Mutex
	rules config.AllowlistConfig
}

// New builds the admin server with the currently installed allowlist.
func New(cfg *config.Config, p *proxy.Proxy) *Server {
	s := &Server{proxy: p, rules: cfg.Allowlist}

	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.Handler(http.MethodGet, "/metrics",
		promhttp.HandlerFor(p.Metrics().Registry(), promhttp.HandlerOpts{}))
	router.GET("/rules", s.getRules)
	router.PUT("/rules", s.putRules)
	router.GET("/stats", s.stats)

	s.srv = &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the admin API.
func (s *Server) ListenAndServe() error {
	logging.Info("admin listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// getRules returns the active allowlist as YAML, the same shape the
// config file uses.
func (s *Server) getRules(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	rules := s.rules
	s.mu.Unlock()

	out, err := yaml.Marshal(rules)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(out)
}

// putRules replaces the allowlist atomically. A compile error leaves
// the previous rule set active.
func (s *Server) putRules(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var rules config.AllowlistConfig
	if err := yaml.Unmarshal(body, &rules); err != nil {
		http.Error(w, "parse allowlist: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.proxy.UpdateAllowlist(rules); err != nil {
		http.Error(w, "compile allowlist: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()

	logging.Info("allowlist replaced", zap.Int("rules", len(rules.Rules)))
	w.WriteHeader(http.StatusNoContent)
}

// stats exposes the runtime counters of the moving parts.
func (s *Server) stats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	out := map[string]interface{}{
		"pool": map[string]interface{}{
			"http":  s.proxy.Pool().HTTPStats(),
			"https": s.proxy.Pool().HTTPSStats(),
		},
		"circuits":        s.proxy.Breakers().Snapshots(),
		"audit":           s.proxy.Audit().Stats(),
		"rate_limit_keys": s.proxy.Limiter().Size(),
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}
