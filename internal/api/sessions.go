package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/visualcore/backend/internal/core"
	"github.com/visualcore/backend/internal/session"
	"github.com/visualcore/backend/internal/workflow"
)

type runRequest struct {
	Workflow   json.RawMessage `json:"workflow"`
	OwnerID    string          `json:"owner_id"`
	Headless   *bool           `json:"headless,omitempty"`
	UseCookies *bool           `json:"use_cookies,omitempty"`
}

type runResponse struct {
	SessionID  string `json:"session_id"`
	StreamURL  string `json:"stream_url"`
	ControlURL string `json:"control_url"`
	StatusURL  string `json:"status_url"`
}

// statusResponse is a StatusView plus the fields viewers dial with.
type statusResponse struct {
	session.StatusView
	StreamURL string `json:"stream_url"`
	Quality   string `json:"quality"`
}

func (s *Server) statusFor(sess *session.Session) statusResponse {
	return statusResponse{
		StatusView: sess.StatusView(),
		StreamURL:  s.publicURL("/workflows/visual/"+sess.ID.String()+"/stream", true),
		Quality:    "rrweb-dom",
	}
}

// handleRun starts a session. A null or absent workflow runs interactive:
// the browser streams and takes control input until cancelled or swept.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body is not valid JSON")
		return
	}

	var def *workflow.Definition
	if len(req.Workflow) > 0 && string(req.Workflow) != "null" {
		parsed, err := workflow.ParseDefinition(req.Workflow)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		def = parsed
	}

	sess, err := s.manager.Start(session.StartOptions{
		OwnerID:    req.OwnerID,
		Definition: def,
		Headless:   req.Headless,
		UseCookies: req.UseCookies,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id := sess.ID.String()
	writeJSON(w, http.StatusCreated, runResponse{
		SessionID:  id,
		StreamURL:  s.publicURL("/workflows/visual/"+id+"/stream", true),
		ControlURL: s.publicURL("/workflows/visual/"+id+"/control", true),
		StatusURL:  s.publicURL("/workflows/visual/"+id+"/status", false),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := core.NormalizeSessionID(mux.Vars(r)["session_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}
	sess := s.manager.Lookup(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "no active session under this id")
		return
	}
	writeJSON(w, http.StatusOK, s.statusFor(sess))
}

// handleListSessions reports every live session on this instance with its
// streamer stats. ?scope=cluster adds the directory's cross-pod view.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	local := s.manager.Registry().List()
	sessions := make([]statusResponse, 0, len(local))
	for _, sess := range local {
		sessions = append(sessions, s.statusFor(sess))
	}

	resp := map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	}
	if r.URL.Query().Get("scope") == "cluster" && s.dir != nil {
		resp["cluster"] = s.dir.List(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel requests teardown. Shutdown is asynchronous; the session
// finalizes (including auto-save) before it leaves the registry.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := core.NormalizeSessionID(mux.Vars(r)["session_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}
	sess := s.manager.Lookup(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "no active session under this id")
		return
	}
	sess.End("cancelled")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id.String(),
		"status":     "cancelling",
	})
}
