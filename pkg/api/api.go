package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/astromechza/linesync/pkg/archive"
	"github.com/astromechza/linesync/pkg/lines"
	"github.com/astromechza/linesync/pkg/liveness"
	"github.com/astromechza/linesync/pkg/state"
	"github.com/astromechza/linesync/pkg/viz"
)

const maxRenderSize = 4096

// ArchiveReader exposes the history of cleared canvases.
type ArchiveReader interface {
	List(ctx context.Context, limit int) ([]archive.Entry, error)
	Get(ctx context.Context, id int64) (lines.Collection, error)
}

type Server struct {
	Engine   *state.Engine
	Liveness liveness.Tracker
	// Archive and Notifications are optional.
	Archive       ArchiveReader
	Notifications http.Handler

	RenderWidth  int
	RenderHeight int
}

type PullRequest struct {
	CanvasRect *lines.Rect `json:"canvas_rect,omitempty"`
}

type RegisterResponse struct {
	state.ClientInfo
	Created bool `json:"created"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, logRequests, s.touchLiveness)
	r.NotFoundHandler = requestID(logRequests(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusNotFound, errorResponse{Error: "no such route"})
	})))
	r.MethodNotAllowedHandler = requestID(logRequests(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})))

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/hello/{name}").HandlerFunc(s.greet)
	r.Methods(http.MethodPost).Path("/register").HandlerFunc(s.register)
	r.Methods(http.MethodGet).Path("/lines").HandlerFunc(s.getLines)
	r.Methods(http.MethodPost).Path("/lines").HandlerFunc(s.pushLines)
	r.Methods(http.MethodPost).Path("/pull").HandlerFunc(s.pullLines)
	r.Methods(http.MethodPost).Path("/remove_lines").HandlerFunc(s.removeLines)
	r.Methods(http.MethodPost).Path("/clear").HandlerFunc(s.clearLines)
	r.Methods(http.MethodGet).Path("/num_connections").HandlerFunc(s.numConnections)
	r.Methods(http.MethodGet).Path("/lines.png").HandlerFunc(s.renderLines)
	if s.Archive != nil {
		r.Methods(http.MethodGet).Path("/archive").HandlerFunc(s.listArchive)
		r.Methods(http.MethodGet).Path("/archive/{id:[0-9]+}").HandlerFunc(s.getArchive)
	}
	if s.Notifications != nil {
		r.Methods(http.MethodGet).Path("/ws").Handler(s.Notifications)
	}
	return r
}

func writeJSON(writer http.ResponseWriter, status int, body interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

// writeError maps engine errors onto status codes. Unknown clients get 412 so they know to register again.
func writeError(writer http.ResponseWriter, request *http.Request, err error) {
	switch {
	case errors.Is(err, state.ErrInvalidPayload):
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, state.ErrUnknownClient):
		writeJSON(writer, http.StatusPreconditionFailed, errorResponse{Error: err.Error()})
	case errors.Is(err, archive.ErrNotFound):
		writeJSON(writer, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		slog.Error("request failed", "method", request.Method, "url", request.URL, "err", err)
		writeJSON(writer, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// clientOf reads the caller identity. A missing header is treated like an unknown client.
func clientOf(request *http.Request) (state.ClientID, error) {
	raw := request.Header.Get(HeaderClientID)
	if raw == "" {
		return state.NoClient, fmt.Errorf("%w: missing %s header", state.ErrUnknownClient, HeaderClientID)
	}
	id, err := state.ParseClientID(raw)
	if err != nil {
		return state.NoClient, fmt.Errorf("%w: %w", state.ErrInvalidPayload, err)
	}
	return id, nil
}

func (s *Server) healthz(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, s.Engine.Stats())
}

func (s *Server) greet(writer http.ResponseWriter, request *http.Request) {
	_, _ = fmt.Fprintf(writer, "Hello %s!", mux.Vars(request)["name"])
}

func (s *Server) register(writer http.ResponseWriter, request *http.Request) {
	info, created := s.Engine.Register(request.Context(), peerOf(request))
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(writer, status, RegisterResponse{ClientInfo: info, Created: created})
}

func (s *Server) getLines(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, s.Engine.Lines())
}

func (s *Server) pushLines(writer http.ResponseWriter, request *http.Request) {
	client, err := clientOf(request)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	var inputs state.PushRequest
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		writeError(writer, request, fmt.Errorf("%w: failed to decode body: %w", state.ErrInvalidPayload, err))
		return
	}
	res, err := s.Engine.Push(request.Context(), client, inputs)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, res)
}

func (s *Server) pullLines(writer http.ResponseWriter, request *http.Request) {
	client, err := clientOf(request)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	var inputs PullRequest
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		writeError(writer, request, fmt.Errorf("%w: failed to decode body: %w", state.ErrInvalidPayload, err))
		return
	}
	rect := lines.UnitRect
	if inputs.CanvasRect != nil {
		rect = *inputs.CanvasRect
	}
	res, err := s.Engine.Pull(request.Context(), client, rect)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, res)
}

func (s *Server) removeLines(writer http.ResponseWriter, request *http.Request) {
	client, err := clientOf(request)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	var ids lines.IDSet
	if err := json.NewDecoder(request.Body).Decode(&ids); err != nil {
		writeError(writer, request, fmt.Errorf("%w: failed to decode body: %w", state.ErrInvalidPayload, err))
		return
	}
	res, err := s.Engine.Delete(request.Context(), client, ids)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, res)
}

func (s *Server) clearLines(writer http.ResponseWriter, request *http.Request) {
	client := state.NoClient
	if request.Header.Get(HeaderClientID) != "" {
		id, err := clientOf(request)
		if err != nil {
			writeError(writer, request, err)
			return
		}
		client = id
	}
	res, err := s.Engine.Clear(request.Context(), client)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, res)
}

func (s *Server) numConnections(writer http.ResponseWriter, request *http.Request) {
	n := 0
	if s.Liveness != nil {
		var err error
		if n, err = s.Liveness.Count(request.Context()); err != nil {
			writeError(writer, request, err)
			return
		}
	}
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(writer, n)
}

func (s *Server) renderLines(writer http.ResponseWriter, request *http.Request) {
	width, height := s.RenderWidth, s.RenderHeight
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 768
	}
	for key, target := range map[string]*int{"w": &width, "h": &height} {
		raw := request.URL.Query().Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxRenderSize {
			writeJSON(writer, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid %s: %q", key, raw)})
			return
		}
		*target = v
	}

	writer.Header().Set("Content-Type", "image/png")
	if err := viz.EncodePNG(writer, s.Engine.Lines(), width, height); err != nil {
		slog.Error("failed to render", "err", err)
	}
}

func (s *Server) listArchive(writer http.ResponseWriter, request *http.Request) {
	limit := 0
	if raw := request.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeJSON(writer, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit: %q", raw)})
			return
		}
		limit = v
	}
	entries, err := s.Archive.List(request.Context(), limit)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, entries)
}

func (s *Server) getArchive(writer http.ResponseWriter, request *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(request)["id"], 10, 64)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "malformed id"})
		return
	}
	c, err := s.Archive.Get(request.Context(), id)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, c)
}
