// Package hostlink is the host side of the relay: it registers with the
// broker, holds the control connection, answers proxied requests against a
// local session API, and pushes session output upstream.
package hostlink

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/rbarinov/echoshell-sub000/internal/session"
)

// newAPI builds the local session API served to proxied requests. It never
// listens on a socket; requests arrive through the control connection.
func newAPI(engine *session.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", listSessions(engine))
		r.Post("/", createSession(engine))
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", getSession(engine))
			r.Delete("/", destroySession(engine))
			r.Post("/command", executeCommand(engine))
			r.Get("/buffer", sessionBuffer(engine))
		})
	})

	return r
}

type createSessionRequest struct {
	Kind    string `json:"kind"`
	WorkDir string `json:"work_dir,omitempty"`
}

func createSession(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
		kind, ok := session.ParseKind(req.Kind)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown session kind")
			return
		}
		info, err := engine.Create(kind, req.WorkDir)
		if err != nil {
			if errors.Is(err, session.ErrBadWorkDir) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			log.Error().Err(err).Str("kind", req.Kind).Msg("session create failed")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, info)
	}
}

func listSessions(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": engine.List()})
	}
}

func getSession(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := engine.Get(chi.URLParam(r, "sessionID"))
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

type commandRequest struct {
	Text string `json:"text"`
}

func executeCommand(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			writeError(w, http.StatusBadRequest, "missing command text")
			return
		}
		if err := engine.Execute(chi.URLParam(r, "sessionID"), req.Text); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func destroySession(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Destroy(chi.URLParam(r, "sessionID")); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
	}
}

func sessionBuffer(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lines, err := engine.Buffer(chi.URLParam(r, "sessionID"))
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session busy")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
