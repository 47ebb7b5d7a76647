package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pulsarf/waterfall/capture"
	"github.com/pulsarf/waterfall/log"
)

const defaultArmTTL = 5 * time.Minute

func (api *API) RegisterCaptureApi() {
	api.mux.HandleFunc("/api/captures", api.handleCaptures)
	api.mux.HandleFunc("/api/captures/arm", api.handleArmCapture)
	api.mux.HandleFunc("/api/captures/clear", api.handleClearCaptures)
	api.mux.HandleFunc("/api/captures/download", api.handleDownloadCapture)
}

func (api *API) store(w http.ResponseWriter) *capture.Store {
	if api.src.Store == nil {
		sendError(w, http.StatusServiceUnavailable, "Capture directory not configured")
	}
	return api.src.Store
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "https://")
	return strings.Split(d, "/")[0]
}

func (api *API) handleCaptures(w http.ResponseWriter, r *http.Request) {
	store := api.store(w)
	if store == nil {
		return
	}
	switch r.Method {
	case http.MethodGet:
		sendResponse(w, http.StatusOK, store.List())
	case http.MethodDelete:
		domain := normalizeDomain(r.URL.Query().Get("domain"))
		if domain == "" {
			sendError(w, http.StatusBadRequest, "Domain required")
			return
		}
		if err := store.Delete(domain); err != nil {
			sendError(w, http.StatusNotFound, err.Error())
			return
		}
		sendResponse(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Capture deleted",
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleArmCapture makes the next first payload for a domain be stored.
func (api *API) handleArmCapture(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	store := api.store(w)
	if store == nil {
		return
	}
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	req.Domain = normalizeDomain(req.Domain)
	if req.Domain == "" {
		sendError(w, http.StatusBadRequest, "Domain required")
		return
	}
	ttl := defaultArmTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	if err := store.Arm(req.Domain, ttl); err != nil {
		if strings.Contains(err.Error(), "already captured") {
			sendResponse(w, http.StatusOK, map[string]interface{}{
				"success":          true,
				"message":          fmt.Sprintf("Payload for %s already captured", req.Domain),
				"already_captured": true,
			})
			return
		}
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	sendResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Waiting %s for a %s payload", ttl, req.Domain),
	})
}

func (api *API) handleClearCaptures(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	store := api.store(w)
	if store == nil {
		return
	}
	if err := store.Clear(); err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "All captures cleared",
	})
}

func (api *API) handleDownloadCapture(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	store := api.store(w)
	if store == nil {
		return
	}
	domain := normalizeDomain(r.URL.Query().Get("domain"))
	c, ok := store.Get(domain)
	if !ok {
		sendError(w, http.StatusNotFound, "Capture not found")
		return
	}
	data, err := store.Payload(domain)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", c.File))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Write(data)
	log.Tracef("Served capture file: %s", c.File)
}
