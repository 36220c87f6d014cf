package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xypriss/xypriss/xjson"
)

// adminMux serves the built-in administrative endpoints mounted under
// Config.AdminPrefix (spec §9): route/cache/pool/cluster metrics and
// plugin stats. File-watcher and TypeScript-check status are out of
// scope (spec §1) and have no handler here.
type adminMux struct {
	s   *Server
	mux *http.ServeMux
}

func newAdminMux(s *Server) *adminMux {
	m := http.NewServeMux()
	prefix := s.cfg.AdminPrefix

	m.HandleFunc(prefix+"/status", s.handleAdminStatus)
	m.HandleFunc(prefix+"/routes", s.handleAdminRoutes)
	m.HandleFunc(prefix+"/cluster", s.handleAdminCluster)
	m.HandleFunc(prefix+"/plugins", s.handleAdminPlugins)
	m.Handle(prefix+"/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	return &adminMux{s: s, mux: m}
}

func (a *adminMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":        "online",
		"router_stats":  s.cfg.Router.Stats(),
		"cache_enabled": s.cfg.Cache != nil,
		"pool_enabled":  s.cfg.Pool != nil,
	}
	if s.cfg.Cache != nil {
		status["cache_health"] = s.cfg.Cache.Health()
	}
	if s.cfg.Pool != nil {
		status["pool_stats"] = s.cfg.Pool.Stats()
	}
	_ = xjson.Stream(w, status, xjson.DefaultOptions())
}

func (s *Server) handleAdminRoutes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.cfg.Router.Visualize()))
}

func (s *Server) handleAdminCluster(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cluster == nil {
		http.Error(w, "cluster supervision is not enabled on this process", http.StatusNotFound)
		return
	}
	out := map[string]any{
		"pids":    s.cfg.Cluster.PIDs(),
		"metrics": s.cfg.Cluster.RouteMetrics(),
	}
	_ = xjson.Stream(w, out, xjson.DefaultOptions())
}

func (s *Server) handleAdminPlugins(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Plugins == nil {
		_ = xjson.Stream(w, map[string]any{"plugins": []any{}}, xjson.DefaultOptions())
		return
	}
	_ = xjson.Stream(w, map[string]any{"plugins": s.cfg.Plugins.Stats()}, xjson.DefaultOptions())
}
