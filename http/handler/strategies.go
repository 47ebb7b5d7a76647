package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pulsarf/waterfall/strategy"
)

func (api *API) RegisterStrategiesApi() {
	api.mux.HandleFunc("/api/strategies", api.getStrategies)
	api.mux.HandleFunc("/api/strategies/check", api.checkStrategies)
}

func (api *API) getStrategies(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	resp := StrategiesResponse{Strategies: []StrategyView{}, Methods: strategy.Methods()}
	if api.src.Config != nil {
		resp.Signature = api.src.Config().Signature
	}
	if api.src.Engine != nil {
		if e := api.src.Engine(); e != nil {
			for i, s := range e.Strategies() {
				v := StrategyView{
					Index:    i,
					Spec:     s.String(),
					Method:   s.Method.String(),
					Offset:   s.BaseIndex,
					AddSNI:   s.AddSNI,
					AddHost:  s.AddHost,
					Protocol: s.Protocol.String(),
					SNI:      s.SNI,
				}
				if s.Port != nil {
					v.Ports = s.Port.String()
				}
				resp.Strategies = append(resp.Strategies, v)
			}
		}
	}
	sendResponse(w, http.StatusOK, resp)
}

// checkStrategies parses a strategy list without applying it.
func (api *API) checkStrategies(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	specs, err := strategy.ParseList(req.Strategies)
	if err != nil {
		sendResponse(w, http.StatusOK, CheckResponse{Message: err.Error()})
		return
	}
	built := make([]strategy.Strategy, len(specs))
	for i, spec := range specs {
		built[i] = strategy.Build(spec, nil)
	}
	if err := strategy.Verify(req.Signature, built); err != nil {
		resp := CheckResponse{Message: err.Error(), Specs: specs}
		var ve *strategy.VerifyError
		if errors.As(err, &ve) {
			resp.Index = &ve.Index
		}
		sendResponse(w, http.StatusOK, resp)
		return
	}
	sendResponse(w, http.StatusOK, CheckResponse{Success: true, Specs: specs})
}
