package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/SimplyPrint/nfc-pcsc/internal/core"
	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
	"github.com/SimplyPrint/nfc-pcsc/internal/settings"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	if Version != "" {
		return
	}
	Version = "dev"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			BuildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision != "" {
		GitCommit = revision
		if len(revision) > 7 {
			revision = revision[:7]
		}
		Version = "dev-" + revision
		if modified {
			Version += "-dirty"
		}
	}
}

// Server exposes an NFC manager over HTTP and WebSocket.
type Server struct {
	nfc *core.NFC
	hub *Hub
}

// NewServer returns a server for nfc. Its hub receives every NFC event until
// Close.
func NewServer(nfc *core.NFC) *Server {
	s := &Server{nfc: nfc, hub: NewHub()}
	s.hub.readers = s.readerViews
	s.hub.onClose = nfc.Subscribe(s.hub.Publish)
	go s.hub.Run()
	return s
}

// Close stops the event hub and disconnects WebSocket clients.
func (s *Server) Close() {
	s.hub.Close()
}

// Handler returns the HTTP mux for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/readers", corsMiddleware(s.handleListReaders))
	mux.HandleFunc("/v1/readers/", corsMiddleware(s.handleReaderRoutes))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(s.handleSettings))
	mux.HandleFunc("/v1/ws", s.hub.ServeWS)
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				logging.CapturePanic(rec, stack, context)
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // header already sent
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorView{Message: msg})
}

// respondReaderError maps reader errors to HTTP statuses: invalid input is a
// client error, a missing card or connection a conflict, anything else a
// failure of the card or reader.
func respondReaderError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var e *nfcerror.Error
	if errors.As(err, &e) {
		switch e.CodeName() {
		case nfcerror.CodeInvalidArgument, nfcerror.CodeInvalidKey, nfcerror.CodeInvalidKeyNumber,
			nfcerror.CodeInvalidDataLength, nfcerror.CodeInvalidMode, nfcerror.CodePayloadTooLong:
			status = http.StatusBadRequest
		case nfcerror.CodeCardNotConnected, nfcerror.CodeNotConnected, nfcerror.CodeReaderClosed:
			status = http.StatusConflict
		}
	}
	respondJSON(w, status, newErrorView(err))
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

func (s *Server) readerViews() []ReaderView {
	readers := s.nfc.Readers()
	views := make([]ReaderView, 0, len(readers))
	for i, r := range readers {
		views = append(views, newReaderView(i, r))
	}
	return views
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, s.readerViews())
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"readerCount": len(s.nfc.Readers()),
		"wsClients":   s.hub.ClientCount(),
	})
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// default 100, max 1000
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = min(l, 1000)
			}
		}

		minLevel := logging.LevelDebug
		if levelStr := query.Get("level"); levelStr != "" {
			l, err := logging.ParseLevel(levelStr)
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			minLevel = l
		}

		entries := logging.Entries(limit, minLevel)
		if cat := query.Get("category"); cat != "" {
			filtered := entries[:0:0]
			for _, e := range entries {
				if string(e.Category) == cat {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
		})

	case http.MethodDelete:
		logging.Default().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		methodNotAllowed(w)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()

	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondError(w, http.StatusNotFound, "crash log not found: "+err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list crash logs: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

type settingsView struct {
	CrashReporting bool   `json:"crashReporting"`
	AutoProcessing *bool  `json:"autoProcessing"`
	AID            string `json:"aid"`
}

func currentSettings() settingsView {
	s := settings.Get()
	return settingsView{CrashReporting: s.CrashReporting, AutoProcessing: s.AutoProcessing, AID: s.AID}
}

// handleSettings reads and updates user settings. Auto-processing and AID
// changes are applied to every attached reader immediately.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, currentSettings())

	case http.MethodPost:
		var req struct {
			CrashReporting *bool   `json:"crashReporting"`
			AutoProcessing *bool   `json:"autoProcessing"`
			AID            *string `json:"aid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		var aid core.AidSource
		if req.AID != nil && strings.TrimSpace(*req.AID) != "" {
			parsed, err := core.HexAID(*req.AID)
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			aid = parsed
		}

		if req.CrashReporting != nil {
			if err := settings.SetCrashReporting(*req.CrashReporting); err != nil {
				respondError(w, http.StatusInternalServerError, "failed to save settings: "+err.Error())
				return
			}
		}
		if req.AutoProcessing != nil {
			if err := settings.SetAutoProcessing(*req.AutoProcessing); err != nil {
				respondError(w, http.StatusInternalServerError, "failed to save settings: "+err.Error())
				return
			}
			s.nfc.SetAutoProcessing(*req.AutoProcessing)
		}
		if req.AID != nil {
			if err := settings.SetAID(*req.AID); err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.nfc.SetAID(aid)
		}

		logging.Info(logging.CatSystem, "Settings updated", map[string]any{
			"crashReporting": req.CrashReporting != nil,
			"autoProcessing": req.AutoProcessing != nil,
			"aid":            req.AID != nil,
		})
		respondJSON(w, http.StatusOK, currentSettings())

	default:
		methodNotAllowed(w)
	}
}
