package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

// apiCreator is recorded as the creator of tasks added over the API when
// the request carries no authenticated user.
const apiCreator = "api"

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks     TaskService
	Agents    AgentLister
	States    ProjectStates // optional
	Transport comms.Transport
	Logger    *slog.Logger
	Version   string
	StartAt   time.Time
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("GET /api/agents/{id}/next", h.nextTask)

	mux.HandleFunc("GET /api/projects", h.listProjects)
	mux.HandleFunc("POST /api/projects", h.createProject)
	mux.HandleFunc("GET /api/projects/{id}", h.getProject)
	mux.HandleFunc("DELETE /api/projects/{id}", h.deleteProject)
	mux.HandleFunc("GET /api/projects/{id}/tasks", h.listTasks)
	mux.HandleFunc("POST /api/projects/{id}/tasks", h.addTask)

	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/assign", h.assignTask)

	mux.HandleFunc("GET /api/messages", h.listMessages)
	mux.HandleFunc("POST /api/messages", h.postMessage)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeTaskError maps task manager errors to HTTP status codes.
func (h *Handlers) writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.Logger.Error("api request failed", slog.Any("err", err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// decodeBody decodes an optional JSON body into v. An empty body is not an
// error.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Agents.Infos()
	if agents == nil {
		agents = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, info := range h.Agents.Infos() {
		if info.ID == id {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, http.StatusNotFound, "agent not found")
}

func (h *Handlers) nextTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.NextTaskForUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Project handlers ---

// projectView is a project together with the orchestrator's view of it.
type projectView struct {
	*task.Project
	State string `json:"state,omitempty"`
}

func (h *Handlers) view(p *task.Project) projectView {
	v := projectView{Project: p}
	if h.States != nil {
		v.State = string(h.States.State(p.ID))
	}
	return v
}

func (h *Handlers) listProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.ProjectFilter{
		Tag:          q.Get("tag"),
		ParentTaskID: q.Get("parent_task_id"),
	}
	if s := q.Get("status"); s != "" {
		st := task.ProjectStatus(s)
		filter.Status = &st
	}
	projects, err := h.Tasks.FindProjects(r.Context(), filter)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, h.view(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type createProjectRequest struct {
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

func (h *Handlers) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	p, err := h.Tasks.CreateProject(r.Context(), taskmgr.ProjectSpec{
		Name:     req.Name,
		Metadata: task.ProjectMetadata{Tags: req.Tags},
	})
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(p))
}

func (h *Handlers) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.Tasks.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(p))
}

func (h *Handlers) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		h.writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.ProjectTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	if s := r.URL.Query().Get("status"); s != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == s {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type addTaskRequest struct {
	Type        task.Type       `json:"type"`
	Description string          `json:"description"`
	Assignee    string          `json:"assignee,omitempty"`
	DependsOn   string          `json:"depends_on,omitempty"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
	Recurrence  task.Recurrence `json:"recurrence,omitempty"`
}

func (h *Handlers) addTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == task.TypeStep {
		writeError(w, http.StatusBadRequest, "step tasks are created by the planner")
		return
	}
	if req.Type != "" && !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown task type "+strconv.Quote(string(req.Type)))
		return
	}
	if req.Recurrence != task.RecurNone {
		if _, ok := req.Recurrence.Next(time.Now()); !ok {
			writeError(w, http.StatusBadRequest, "unknown recurrence "+strconv.Quote(string(req.Recurrence)))
			return
		}
	}
	creator := Subject(r.Context())
	if creator == "" {
		creator = apiCreator
	}
	t, err := h.Tasks.AddTask(r.Context(), r.PathValue("id"), taskmgr.TaskParams{
		Type:        req.Type,
		Description: req.Description,
		Creator:     creator,
		Assignee:    req.Assignee,
		DependsOn:   req.DependsOn,
		DueDate:     req.DueDate,
		Recurrence:  req.Recurrence,
	})
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type completeRequest struct {
	// Message is kept as the task's response and rolls up into the parent
	// task when the project was delegated.
	Message string `json:"message,omitempty"`
}

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id := r.PathValue("id")
	if req.Message != "" {
		patch := taskmgr.TaskPatch{Scratch: map[string]string{task.ScratchResponse: req.Message}}
		if _, err := h.Tasks.UpdateTask(r.Context(), id, patch); err != nil {
			h.writeTaskError(w, err)
			return
		}
	}
	t, err := h.Tasks.CompleteTask(r.Context(), id)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type assignRequest struct {
	Assignee string `json:"assignee"`
}

func (h *Handlers) assignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Tasks.AssignTask(r.Context(), r.PathValue("id"), req.Assignee)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Message handlers ---

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channelID := q.Get("channel_id")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	limit := 50
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	msgs, err := h.Transport.History(channelID, q.Get("thread_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*comms.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type postMessageRequest struct {
	ChannelID   string   `json:"channel_id"`
	ThreadID    string   `json:"thread_id,omitempty"`
	To          string   `json:"to,omitempty"`
	Content     string   `json:"content"`
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
}

// postMessage posts a user message into a channel, or into a thread when
// thread_id is set. The agents subscribed to the channel pick it up.
func (h *Handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ChannelID == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "channel_id and content are required")
		return
	}
	from := Subject(r.Context())
	if from == "" {
		from = "user"
	}
	msg := &comms.Message{
		Type:        comms.TypeUser,
		From:        from,
		To:          req.To,
		ChannelID:   req.ChannelID,
		Content:     req.Content,
		ArtifactIDs: req.ArtifactIDs,
	}

	var (
		sent *comms.Message
		err  error
	)
	if req.ThreadID != "" {
		parent := &comms.Message{ID: req.ThreadID, ChannelID: req.ChannelID, ThreadID: req.ThreadID}
		sent, err = h.Transport.Reply(r.Context(), parent, msg)
	} else {
		sent, err = h.Transport.Post(r.Context(), msg)
	}
	if sent == nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.Logger.Warn("message delivered with subscriber errors", "message", sent.ID, slog.Any("err", err))
	}
	writeJSON(w, http.StatusAccepted, sent)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if !h.StartAt.IsZero() {
		resp["uptime"] = time.Since(h.StartAt).Round(time.Second).String()
	}
	if h.Agents != nil {
		resp["agents"] = len(h.Agents.Infos())
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
