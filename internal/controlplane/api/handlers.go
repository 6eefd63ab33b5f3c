package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/frankensim/frankenrouter/internal/logger"
)

type healthResponse struct {
	Status string `json:"status"`
	UUID   string `json:"uuid"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func handleHealth(ctrl RouterControl) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", UUID: ctrl.UUID()})
	}
}

func handleClients(ctrl RouterControl) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Clients())
	}
}

func handleSetUpstream(ctrl RouterControl) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid form data"})
			return
		}
		host := req.PostFormValue("host")
		port, err := strconv.Atoi(req.PostFormValue("port"))
		if host == "" || err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "host and port are required"})
			return
		}

		if err := ctrl.SetUpstream(host, port); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode API response", "error", err)
	}
}
