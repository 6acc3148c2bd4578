package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"

	"github.com/astromechza/linesync/pkg/state"
)

const (
	HeaderClientID  = "X-Client-Id"
	HeaderPeerName  = "X-Peer-Name"
	HeaderRequestID = "X-Request-Id"
)

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		id := request.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			request.Header.Set(HeaderRequestID, id)
		}
		writer.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(writer, request)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(next, writer, request)
		slog.Info("handled",
			"method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code,
			"bytes", m.Written, "request", request.Header.Get(HeaderRequestID))
	})
}

func (s *Server) touchLiveness(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if s.Liveness != nil {
			if err := s.Liveness.Touch(request.Context(), remoteIP(request)); err != nil {
				slog.Warn("failed to record liveness", "err", err)
			}
		}
		next.ServeHTTP(writer, request)
	})
}

// remoteIP prefers proxy headers over the socket address.
func remoteIP(request *http.Request) string {
	if ip := strings.TrimSpace(request.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := request.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}

// peerOf builds the registry key for a request. Several clients behind one address can tell themselves apart
// with the X-Peer-Name header.
func peerOf(request *http.Request) state.Peer {
	peer := remoteIP(request)
	if name := strings.TrimSpace(request.Header.Get(HeaderPeerName)); name != "" {
		peer += "/" + name
	}
	return state.Peer(peer)
}
