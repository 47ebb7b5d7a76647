package handler

import (
	"encoding/json"
	"net/http"

	"github.com/pulsarf/waterfall/capture"
	"github.com/pulsarf/waterfall/config"
	"github.com/pulsarf/waterfall/desync"
	"github.com/pulsarf/waterfall/geodat"
	"github.com/pulsarf/waterfall/log"
	"github.com/pulsarf/waterfall/metrics"
	"github.com/pulsarf/waterfall/sni"
)

// Sources are the live views the API reads from. The func fields follow
// reloads; any of them may be nil.
type Sources struct {
	Config  func() *config.Config
	Engine  func() *desync.Engine
	Targets func() *sni.Targets
	Metrics *metrics.MetricsCollector
	Store   *capture.Store
	Geodata *geodat.GeodataManager
}

type API struct {
	src Sources
	mux *http.ServeMux
}

func NewAPIHandler(src Sources) *API {
	if src.Metrics == nil {
		src.Metrics = metrics.GetMetricsCollector()
	}
	return &API{src: src}
}

func (api *API) RegisterEndpoints(mux *http.ServeMux) {
	api.mux = mux

	api.RegisterHealthApi()
	api.RegisterConfigApi()
	api.RegisterMetricsApi()
	api.RegisterStrategiesApi()
	api.RegisterCaptureApi()
	api.RegisterGeodatApi()
}

func (api *API) RegisterHealthApi() {
	api.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		sendResponse(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})
}

func setJsonHeader(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
}

func sendResponse(w http.ResponseWriter, status int, body interface{}) {
	setJsonHeader(w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Tracef("Failed to encode response: %v", err)
	}
}

func sendError(w http.ResponseWriter, status int, msg string) {
	sendResponse(w, status, map[string]interface{}{
		"success": false,
		"message": msg,
	})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}
