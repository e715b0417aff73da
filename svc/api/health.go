package api

import (
	"context"
	"keydrop/svc/util"
	"net/http"
	"time"
)

const checkTimeout = 500 * time.Millisecond

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Checks: make(map[string]string, len(s.checks))}
	for _, c := range s.checks {
		if c.Pinger == nil {
			resp.Checks[c.Name] = "unavailable"
			if !c.Optional {
				resp.Ready = false
			}
			continue
		}
		checkCtx, checkCancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Pinger.Ping(checkCtx)
		checkCancel()
		if err != nil {
			util.Error().Err(err).Str("check", c.Name).Msg("readiness check failed")
			resp.Checks[c.Name] = "down"
			resp.Ready = false
			continue
		}
		resp.Checks[c.Name] = "up"
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
