package event

import (
	"encoding/json"
	"net/http"
)

// Check is one dependency check for /healthz and /readyz.
type Check struct {
	Name string
	OK   func() bool
}

type healthHandler struct {
	checks []Check
}

// NewHealthHandler always answers 200 with ok, degraded or down.
func NewHealthHandler(checks ...Check) http.Handler {
	return &healthHandler{checks: checks}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Status string          `json:"status"`
		Checks map[string]bool `json:"checks"`
	}
	st := status{Checks: make(map[string]bool, len(h.checks))}
	okCount := 0
	for _, c := range h.checks {
		ok := c.OK != nil && c.OK()
		st.Checks[c.Name] = ok
		if ok {
			okCount++
		}
	}

	switch {
	case okCount == len(h.checks):
		st.Status = "ok"
	case okCount > 0:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// readyHandler answers 200 only when every check passes.
type readyHandler struct {
	checks []Check
}

func NewReadyHandler(checks ...Check) http.Handler {
	return &readyHandler{checks: checks}
}

func (h *readyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	ready := true
	for _, c := range h.checks {
		if c.OK == nil || !c.OK() {
			ready = false
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	type resp struct {
		Ready bool `json:"ready"`
	}
	_ = json.NewEncoder(w).Encode(resp{Ready: ready})
}
