package handler

import (
	"net/http"
)

func (api *API) RegisterConfigApi() {
	api.mux.HandleFunc("/api/config", api.handleConfig)
}

func (api *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if api.src.Config == nil {
		sendError(w, http.StatusServiceUnavailable, "Configuration not available")
		return
	}
	cfg := api.src.Config()

	stats := TargetStatistics{
		ManualDomains:   len(cfg.Targets.SNIDomains) + len(cfg.Targets.Domains),
		ManualIPs:       len(cfg.Targets.IPs),
		GeodatAvailable: api.src.Geodata != nil && api.src.Geodata.IsConfigured(),
	}
	if api.src.Targets != nil {
		stats.TotalDomains, stats.TotalIPs = api.src.Targets().Counts()
	}
	if api.src.Geodata != nil {
		stats.CategoryBreakdown = api.src.Geodata.Breakdown()
	}

	sendResponse(w, http.StatusOK, ConfigResponse{Config: cfg, TargetStats: stats})
}
