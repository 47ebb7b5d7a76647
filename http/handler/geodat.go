package handler

import (
	"net/http"

	"github.com/pulsarf/waterfall/geodat"
)

func (api *API) RegisterGeodatApi() {
	api.mux.HandleFunc("/api/geodat/tags", api.handleGeodatTags)
	api.mux.HandleFunc("/api/geodat/breakdown", api.handleGeodatBreakdown)
}

// handleGeodatTags lists the categories of the geosite file, or the geoip
// file with ?kind=geoip.
func (api *API) handleGeodatTags(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if api.src.Config == nil {
		sendError(w, http.StatusServiceUnavailable, "Configuration not available")
		return
	}
	geo := api.src.Config().System.Geo

	kind := r.URL.Query().Get("kind")
	path := geo.GeoSitePath
	switch kind {
	case "", "geosite":
		kind = "geosite"
	case "geoip":
		path = geo.GeoIpPath
	default:
		sendError(w, http.StatusBadRequest, "kind must be geosite or geoip")
		return
	}
	if path == "" {
		sendError(w, http.StatusNotFound, kind+" file not configured")
		return
	}

	tags, err := geodat.ListTags(path)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendResponse(w, http.StatusOK, GeodatTagsResponse{Kind: kind, Path: path, Tags: tags})
}

func (api *API) handleGeodatBreakdown(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	breakdown := map[string]int{}
	if api.src.Geodata != nil {
		breakdown = api.src.Geodata.Breakdown()
	}
	sendResponse(w, http.StatusOK, breakdown)
}
