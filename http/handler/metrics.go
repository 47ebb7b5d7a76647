package handler

import (
	"net/http"
)

func (api *API) RegisterMetricsApi() {
	api.mux.Handle("/metrics", api.src.Metrics.Handler())
	api.mux.HandleFunc("/api/metrics", api.getMetrics)
}

func (api *API) getMetrics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	sendResponse(w, http.StatusOK, api.src.Metrics.GetSnapshot())
}
