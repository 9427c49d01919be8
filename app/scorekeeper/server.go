package scorekeeper

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/canopy-network/scorekeeper/pkg/utils"
)

// SetupServer serves health, metrics and job state. There is no other API.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3002")
	a.Server = &http.Server{Addr: addr, Handler: a.Router()}
}

func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods(http.MethodGet)
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods(http.MethodGet)
	r.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/jobs", http.HandlerFunc(a.handleJobs)).Methods(http.MethodGet)

	return r
}

func (a *App) handleJobs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Scheduler.Jobs()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
