package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kiln-ai/kiln/internal/auth"
	"github.com/kiln-ai/kiln/internal/config"
	"github.com/kiln-ai/kiln/internal/permission"
	"github.com/kiln-ai/kiln/internal/session"
	"github.com/kiln-ai/kiln/pkg/types"
)

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Get("/path", s.getPath)
	r.Get("/agent", s.listAgents)
	r.Get("/event", s.events)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.deleteSession)
			r.Get("/children", s.listChildren)
			r.Post("/abort", s.abortSession)
			r.Get("/message", s.listMessages)
			r.Get("/message/{mid}", s.getMessage)
			r.Delete("/message/{mid}/part/{pid}", s.deletePart)
			r.Patch("/message/{mid}/part/{pid}", s.updatePart)
			r.Post("/message", s.prompt)
			r.Post("/prompt_async", s.promptAsync)
		})
	})

	r.Get("/permission", s.listPermissions)
	r.Post("/permission/{id}/reply", s.replyPermission)

	r.Post("/question/{id}/reply", s.replyQuestion)
	r.Post("/question/{id}/reject", s.rejectQuestion)

	r.Put("/auth/{providerID}", s.setAuth)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getPath(w http.ResponseWriter, r *http.Request) {
	paths := config.GetPaths()
	writeJSON(w, http.StatusOK, map[string]string{
		"data":      paths.Data,
		"config":    paths.Config,
		"storage":   s.runtime.StorageDir,
		"directory": s.runtime.Directory,
		"worktree":  worktree(s.runtime.Directory),
	})
}

// worktree resolves the VCS root of the working directory, falling back to
// the directory itself outside a repository.
func worktree(directory string) string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = directory
	output, err := cmd.Output()
	if err != nil {
		return directory
	}
	if root := strings.TrimSpace(string(output)); root != "" {
		return root
	}
	return directory
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Agents.List())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	query := session.ListQuery{
		Search: r.URL.Query().Get("search"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "invalid limit")
			return
		}
		query.Limit = limit
	}
	if v := r.URL.Query().Get("roots"); v != "" {
		query.Roots = v == "true" || v == "1"
	}

	sessions, err := s.runtime.Sessions.List(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title      string                 `json:"title"`
		ParentID   string                 `json:"parentID"`
		Permission []types.PermissionRule `json:"permission"`
	}
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	sess, err := s.runtime.Sessions.Create(r.Context(), session.CreateInput{
		Title:      body.Title,
		ParentID:   body.ParentID,
		Permission: body.Permission,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.runtime.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title *string `json:"title"`
	}
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	sess, err := s.runtime.Sessions.Update(r.Context(), chi.URLParam(r, "id"), session.UpdateInput{
		Title: body.Title,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	// Stop any running turn and discard its pending asks before the rows go.
	s.runtime.Engine.Abort(sessionID)
	s.runtime.Permissions.Withdraw(sessionID)

	if err := s.runtime.Sessions.Delete(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeTrue(w, http.StatusOK)
}

func (s *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.runtime.Sessions.Children(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, children)
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	s.runtime.Engine.Abort(chi.URLParam(r, "id"))
	writeTrue(w, http.StatusOK)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	// 404 for unknown sessions rather than an empty list.
	if _, err := s.runtime.Sessions.Get(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}

	msgs, err := s.runtime.Messages.List(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.runtime.Messages.Get(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) deletePart(w http.ResponseWriter, r *http.Request) {
	err := s.runtime.Messages.RemovePart(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "mid"), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeTrue(w, http.StatusOK)
}

func (s *Server) updatePart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	part, err := types.UnmarshalPart(body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	// The URL is authoritative for identity.
	if part.PartID() != chi.URLParam(r, "pid") ||
		part.PartMessageID() != chi.URLParam(r, "mid") ||
		part.PartSessionID() != chi.URLParam(r, "id") {
		writeBadRequest(w, "part identity does not match URL")
		return
	}
	if _, err := s.runtime.Messages.GetPart(r.Context(), part.PartMessageID(), part.PartID()); err != nil {
		writeError(w, err)
		return
	}

	if err := s.runtime.Messages.UpdatePart(r.Context(), part); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, part)
}

// promptBody is the wire shape of a prompt.
type promptBody struct {
	Parts     []session.PromptPart `json:"parts"`
	Model     *types.ModelRef      `json:"model"`
	Agent     string               `json:"agent"`
	System    string               `json:"system"`
	Tools     map[string]bool      `json:"tools"`
	Variant   string               `json:"variant"`
	NoReply   bool                 `json:"noReply"`
	MessageID string               `json:"messageID"`
}

func (s *Server) promptInput(sessionID string, body promptBody) session.PromptInput {
	model := s.runtime.DefaultModel()
	if body.Model != nil {
		model = *body.Model
	}
	return session.PromptInput{
		SessionID: sessionID,
		MessageID: body.MessageID,
		Agent:     body.Agent,
		Model:     model,
		System:    body.System,
		Tools:     body.Tools,
		Parts:     body.Parts,
		Variant:   body.Variant,
	}
}

func (s *Server) prompt(w http.ResponseWriter, r *http.Request) {
	var body promptBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	input := s.promptInput(chi.URLParam(r, "id"), body)

	if body.NoReply {
		user, err := s.runtime.Engine.Append(r.Context(), input)
		if err != nil {
			writeError(w, err)
			return
		}
		msg, err := s.runtime.Messages.Get(r.Context(), input.SessionID, user.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
		return
	}

	assistant, err := s.runtime.Engine.Prompt(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.runtime.Messages.Get(r.Context(), input.SessionID, assistant.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) promptAsync(w http.ResponseWriter, r *http.Request) {
	var body promptBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	input := s.promptInput(chi.URLParam(r, "id"), body)

	if body.NoReply {
		if _, err := s.runtime.Engine.Append(r.Context(), input); err != nil {
			writeError(w, err)
			return
		}
		writeTrue(w, http.StatusAccepted)
		return
	}

	if _, err := s.runtime.Engine.PromptAsync(r.Context(), input); err != nil {
		writeError(w, err)
		return
	}
	writeTrue(w, http.StatusAccepted)
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Permissions.List())
}

func (s *Server) replyPermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reply   string `json:"reply"`
		Message string `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	reply := permission.ReplyKind(body.Reply)
	switch reply {
	case permission.ReplyOnce, permission.ReplyAlways, permission.ReplyReject:
	default:
		writeBadRequest(w, "reply must be once, always or reject")
		return
	}

	if err := s.runtime.Permissions.Reply(chi.URLParam(r, "id"), reply, body.Message); err != nil {
		writeError(w, types.NewNotFoundError(err.Error()))
		return
	}
	writeTrue(w, http.StatusOK)
}

func (s *Server) replyQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answers [][]string `json:"answers"`
	}
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := s.runtime.Questions.Reply(chi.URLParam(r, "id"), body.Answers); err != nil {
		writeError(w, types.NewNotFoundError(err.Error()))
		return
	}
	writeTrue(w, http.StatusOK)
}

func (s *Server) rejectQuestion(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Questions.Reject(chi.URLParam(r, "id")); err != nil {
		writeError(w, types.NewNotFoundError(err.Error()))
		return
	}
	writeTrue(w, http.StatusOK)
}

func (s *Server) setAuth(w http.ResponseWriter, r *http.Request) {
	var cred auth.Credential
	if err := decode(r, &cred); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := s.runtime.Auth.Set(r.Context(), chi.URLParam(r, "providerID"), cred); err != nil {
		writeError(w, err)
		return
	}
	writeTrue(w, http.StatusOK)
}

// decode reads a JSON body, tolerating an empty one.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}
