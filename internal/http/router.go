package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router uses the standard library http.ServeMux so no third-party routing
// dependency is pulled in.
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterEngagementRoutes registers the engagement API surface.
func (r *Router) RegisterEngagementRoutes(h *EngagementHandler) {
	// session lifecycle
	r.Handle("/api/v1/engagement/sessions", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.StartSession(w, req)
	})
	r.Handle("/api/v1/engagement/sessions/end", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.EndSession(w, req)
	})

	// signal ingestion
	r.Handle("/api/v1/engagement/signals", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.IngestSignal(w, req)
	})

	// report/{class_id}/{session_id}
	r.Handle("/api/v1/engagement/report/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		classID, sessionID, ok := splitTwo(req.URL.Path, "/api/v1/engagement/report/")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetReport(w, req, classID, sessionID)
	})

	// export/{class_id}/{session_id}
	r.Handle("/api/v1/engagement/export/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		classID, sessionID, ok := splitTwo(req.URL.Path, "/api/v1/engagement/export/")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ExportReport(w, req, classID, sessionID)
	})

	// live/{class_id}
	r.Handle("/api/v1/engagement/live/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		classID := strings.TrimPrefix(req.URL.Path, "/api/v1/engagement/live/")
		if classID == "" || strings.Contains(classID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetLive(w, req, classID)
	})

	// history/{participant_id}
	r.Handle("/api/v1/engagement/history/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		participantID := strings.TrimPrefix(req.URL.Path, "/api/v1/engagement/history/")
		if participantID == "" || strings.Contains(participantID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetHistory(w, req, participantID)
	})
}

// RegisterWSRoutes registers the real-time observer endpoint.
func (r *Router) RegisterWSRoutes(h *WSHandler) {
	r.Handle("/api/v1/engagement/ws/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		classID := strings.TrimPrefix(req.URL.Path, "/api/v1/engagement/ws/")
		if classID == "" || strings.Contains(classID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Serve(w, req, classID)
	})
}

// splitTwo parses "<prefix>{a}/{b}" path segments.
func splitTwo(path, prefix string) (string, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
