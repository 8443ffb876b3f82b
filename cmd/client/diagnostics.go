package main

import (
	"encoding/json"
	"net/http"

	"github.com/ClareAI/astra-voice-client/internal/core/event"
	"github.com/ClareAI/astra-voice-client/internal/session"
	"github.com/gorilla/mux"
)

// newDiagnosticsRouter exposes session introspection and the user commands
// over a local HTTP surface.
func newDiagnosticsRouter(orchestrator *session.Orchestrator, bus *event.Bus) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{
			"session_id":      orchestrator.SessionID(),
			"conversation_id": orchestrator.ConversationID(),
			"state":           string(orchestrator.State()),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/stats/quality", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, orchestrator.Quality())
	}).Methods(http.MethodGet)

	r.HandleFunc("/stats/audio", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, orchestrator.AudioStats())
	}).Methods(http.MethodGet)

	r.HandleFunc("/stats/events", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, bus.GetStats())
	}).Methods(http.MethodGet)

	r.HandleFunc("/controls/toggle-recording", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"result": orchestrator.ToggleRecording()})
	}).Methods(http.MethodPost)

	r.HandleFunc("/controls/interrupt", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"result": orchestrator.TriggerInterruption()})
	}).Methods(http.MethodPost)

	r.HandleFunc("/controls/emergency-mic", func(w http.ResponseWriter, _ *http.Request) {
		orchestrator.EmergencyActivateMicrophone()
		writeJSON(w, map[string]string{"result": "microphone activated"})
	}).Methods(http.MethodPost)

	return r
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
