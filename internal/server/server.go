package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/audiolibrelab/voicenote/internal/audio"
	"github.com/audiolibrelab/voicenote/internal/auth"
	"github.com/audiolibrelab/voicenote/internal/config"
	"github.com/audiolibrelab/voicenote/internal/library"
	"github.com/audiolibrelab/voicenote/internal/service"
	"github.com/audiolibrelab/voicenote/internal/store"
	"github.com/audiolibrelab/voicenote/internal/waveform"
)

// peaksCacheEntries bounds the decoded-peaks cache. Entries are keyed by
// owner, recording ID and column count.
const peaksCacheEntries = 128

// Server represents the web server for controlling VoiceNote
type Server struct {
	service service.Service
	auth    *auth.Authenticator
	cfg     *config.Config
	addr    string

	peaks *lru.Cache[string, peaksEntry]
}

type peaksEntry struct {
	duration float64
	columns  []waveform.Peak
}

// CaptureStatusResponse represents the JSON response for the capture status endpoint
type CaptureStatusResponse struct {
	Status  string               `json:"status"`
	Message string               `json:"message,omitempty"`
	Info    *service.CaptureInfo `json:"info,omitempty"`
}

// RecordingsResponse represents the JSON response for the recordings list
type RecordingsResponse struct {
	Recordings []store.Recording `json:"recordings"`
	TotalCount int               `json:"total_count"`
}

// PeaksResponse represents the JSON response for a decoded recording waveform
type PeaksResponse struct {
	ID       string          `json:"id"`
	Duration float64         `json:"duration"`
	Columns  []waveform.Peak `json:"columns"`
}

// DevicesResponse lists the audio devices known to the backend
type DevicesResponse struct {
	Capture  []audio.DeviceInfo `json:"capture"`
	Playback []audio.DeviceInfo `json:"playback"`
}

// DeleteResponse reports the outcome of a recording deletion
type DeleteResponse struct {
	Success       bool   `json:"success"`
	ObjectRemoved bool   `json:"object_removed"`
	ObjectError   string `json:"object_error,omitempty"`
}

// SignUpRequest carries new account credentials
type SignUpRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInRequest carries account credentials
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SaveRequest names the pending take before it is persisted
type SaveRequest struct {
	Title string `json:"title"`
}

// PlayRequest selects a playback source: a recording ID or "preview"
type PlayRequest struct {
	ID string `json:"id"`
}

// SeekRequest positions playback as a fraction of the bound source
type SeekRequest struct {
	Fraction float64 `json:"fraction"`
}

// ClickRequest is a click on the rendered waveform, in pixels
type ClickRequest struct {
	X float64 `json:"x"`
}

// New creates a new web server instance
func New(cfg *config.Config, svc service.Service, authenticator *auth.Authenticator) (*Server, error) {
	peaks, err := lru.New[string, peaksEntry](peaksCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create peaks cache: %w", err)
	}

	return &Server{
		service: svc,
		auth:    authenticator,
		cfg:     cfg,
		addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		peaks:   peaks,
	}, nil
}

// Handler builds the route table. Split from Start so tests can drive the
// server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/auth/signup", s.handleSignUp)
	mux.HandleFunc("/api/auth/signin", s.handleSignIn)
	mux.HandleFunc("/api/auth/signout", s.requireAuth(s.handleSignOut))

	mux.HandleFunc("/api/capture/start", s.requireAuth(s.handleCaptureStart))
	mux.HandleFunc("/api/capture/stop", s.requireAuth(s.handleCaptureStop))
	mux.HandleFunc("/api/capture/discard", s.requireAuth(s.handleCaptureDiscard))
	mux.HandleFunc("/api/capture/status", s.requireAuth(s.handleCaptureStatus))
	mux.HandleFunc("/api/capture/waveform", s.requireAuth(s.handleCaptureWaveform))
	mux.HandleFunc("/api/capture/waveform/click", s.requireAuth(s.handleWaveformClick))

	mux.HandleFunc("/api/playback/play", s.requireAuth(s.handlePlaybackPlay))
	mux.HandleFunc("/api/playback/pause", s.requireAuth(s.handlePlaybackPause))
	mux.HandleFunc("/api/playback/seek", s.requireAuth(s.handlePlaybackSeek))
	mux.HandleFunc("/api/playback/status", s.requireAuth(s.handlePlaybackStatus))

	mux.HandleFunc("/api/recordings", s.requireAuth(s.handleRecordings))
	mux.HandleFunc("/api/recordings/", s.requireAuth(s.handleRecordingByID))

	mux.HandleFunc("/api/devices", s.requireAuth(s.handleDevices))

	// Object URLs are fetched by bare audio elements that cannot carry an
	// Authorization header; keys contain an unguessable UUID.
	mux.HandleFunc("/api/objects/", s.handleObject)

	return mux
}

// Start starts the web server
func (s *Server) Start() error {
	localIP := getLocalIP()

	slog.Info("Starting VoiceNote Web Server",
		"addr", s.addr,
		"local_url", fmt.Sprintf("http://%s:%d", localIP, s.cfg.Server.Port),
		"localhost_url", fmt.Sprintf("http://localhost:%d", s.cfg.Server.Port))

	return http.ListenAndServe(s.addr, s.Handler())
}

// requireAuth wraps a handler with bearer-token verification. The verified
// session identifies the owner for every library operation.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, *auth.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.sendErrorResponse(w, http.StatusUnauthorized, "Authentication required", "path", r.URL.Path)
			return
		}

		sess, err := s.auth.Verify(strings.TrimSpace(token))
		if err != nil {
			s.sendErrorResponse(w, http.StatusUnauthorized, "Invalid or expired token", "path", r.URL.Path)
			return
		}
		next(w, r, sess)
	}
}

// handleIndex serves the main web UI
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Try to read the HTML file directly
	htmlPath := "web/static/index.html"
	htmlContent, err := os.ReadFile(htmlPath)
	if err != nil {
		// Fallback to inline HTML if file not found
		htmlContent = []byte(getDefaultHTML())
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(htmlContent)
}

// getDefaultHTML provides a fallback HTML interface
func getDefaultHTML() string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>VoiceNote</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
</head>
<body>
    <div class="container">
        <h1>VoiceNote</h1>
        <p>The web UI could not be read from disk, but the server is working.</p>
        <h2>API Endpoints:</h2>
        <ul>
            <li>POST /api/auth/signup - Create an account</li>
            <li>POST /api/auth/signin - Sign in</li>
            <li>POST /api/capture/start - Start recording</li>
            <li>POST /api/capture/stop - Stop recording</li>
            <li>GET /api/capture/status - Capture status</li>
            <li>GET /api/recordings - List recordings</li>
            <li>POST /api/recordings - Save the pending take</li>
        </ul>
    </div>
</body>
</html>`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSignUp creates an account and returns its first session token
func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	var req SignUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "signup")
		return
	}

	sess, err := s.auth.SignUp(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, auth.ErrEmailTaken) && !errors.Is(err, auth.ErrInvalidInput) {
			status = http.StatusInternalServerError
		}
		s.sendErrorResponse(w, status, fmt.Sprintf("Sign-up failed: %v", err), "email", req.Email)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

// handleSignIn verifies credentials and returns a session token
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	var req SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "signin")
		return
	}

	sess, err := s.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.sendErrorResponse(w, http.StatusUnauthorized, "Invalid email or password", "operation", "signin")
			return
		}
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Sign-in failed: %v", err), "operation", "signin")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	if err := s.auth.SignOut(r.Context(), sess.Token); err != nil {
		s.sendErrorResponse(w, http.StatusUnauthorized,
			fmt.Sprintf("Sign-out failed: %v", err), "operation", "signout")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Signed out",
	})
}

// handleCaptureStart begins a capture (IDLE -> REQUESTING)
func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	if err := s.service.StartCapture(); err != nil {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Failed to start capture: %v", err),
			"operation", "capture_start")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Capture started",
	})
}

// handleCaptureStop ends the capture and leaves the take pending
func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	if err := s.service.StopCapture(); err != nil {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Failed to stop capture: %v", err),
			"operation", "capture_stop")
		return
	}

	status, info := s.service.GetCaptureStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CaptureStatusResponse{
		Status:  string(status),
		Message: s.captureStatusMessage(status),
		Info:    info,
	})
}

// handleCaptureDiscard throws the pending take away
func (s *Server) handleCaptureDiscard(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	if err := s.service.DiscardCapture(); err != nil {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Failed to discard capture: %v", err),
			"operation", "capture_discard")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Take discarded",
	})
}

// handleCaptureStatus returns the current capture status and session info
func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	status, info := s.service.GetCaptureStatus()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CaptureStatusResponse{
		Status:  string(status),
		Message: s.captureStatusMessage(status),
		Info:    info,
	})
}

// handleCaptureWaveform returns the current drawable trace. width and height
// query parameters resize the viewport before rendering.
func (s *Server) handleCaptureWaveform(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	q := r.URL.Query()
	if q.Get("width") != "" || q.Get("height") != "" {
		width, werr := strconv.Atoi(q.Get("width"))
		height, herr := strconv.Atoi(q.Get("height"))
		if werr != nil || herr != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "width and height must be supplied together as integers", "operation", "waveform")
			return
		}
		if err := s.service.ResizeWaveform(width, height); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Failed to resize waveform: %v", err), "operation", "waveform")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(s.service.WaveformFrame())
}

// handleWaveformClick converts a click on the decoded trace into a seek
func (s *Server) handleWaveformClick(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	var req ClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "waveform_click")
		return
	}

	if err := s.service.ClickWaveform(req.X); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Failed to seek from waveform: %v", err),
			"operation", "waveform_click", "x", req.X)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.service.GetPlaybackStatus())
}

// handlePlaybackPlay binds and starts a source: a saved recording by ID, or
// "preview" for the pending take
func (s *Server) handlePlaybackPlay(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	var req PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "playback_play")
		return
	}
	if req.ID == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Playback source ID is required", "operation", "playback_play")
		return
	}

	var err error
	if req.ID == service.PreviewID {
		err = s.service.PlayPreview()
	} else {
		err = s.service.PlayRecording(r.Context(), sess.UserID, req.ID)
	}
	if err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to start playback: %v", err),
			"operation", "playback_play", "source_id", req.ID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.service.GetPlaybackStatus())
}

func (s *Server) handlePlaybackPause(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	if err := s.service.PausePlayback(); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to pause playback: %v", err),
			"operation", "playback_pause")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.service.GetPlaybackStatus())
}

func (s *Server) handlePlaybackSeek(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "playback_seek")
		return
	}

	if err := s.service.SeekPlayback(req.Fraction); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Failed to seek: %v", err),
			"operation", "playback_seek", "fraction", req.Fraction)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.service.GetPlaybackStatus())
}

func (s *Server) handlePlaybackStatus(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.service.GetPlaybackStatus())
}

// handleRecordings lists the owner's recordings (GET) or saves the pending
// take under a title (POST)
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	switch r.Method {
	case http.MethodGet:
		recs, err := s.service.ListRecordings(r.Context(), sess.UserID)
		if err != nil {
			s.sendErrorResponse(w, statusForError(err),
				fmt.Sprintf("Failed to list recordings: %v", err),
				"operation", "recordings_list")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RecordingsResponse{Recordings: recs, TotalCount: len(recs)})

	case http.MethodPost:
		var req SaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "recordings_save")
			return
		}

		recs, err := s.service.SaveRecording(r.Context(), sess.UserID, req.Title)
		if err != nil {
			s.sendErrorResponse(w, statusForError(err),
				fmt.Sprintf("Failed to save recording: %v", err),
				"operation", "recordings_save", "title", req.Title)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RecordingsResponse{Recordings: recs, TotalCount: len(recs)})

	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
	}
}

// handleRecordingByID dispatches /api/recordings/{id}, optionally with a
// /stream or /waveform suffix
func (s *Server) handleRecordingByID(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	path := strings.TrimPrefix(r.URL.Path, "/api/recordings/")
	rawID, sub, _ := strings.Cut(path, "/")

	id, err := url.QueryUnescape(rawID)
	if err != nil || id == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Recording ID required", "path", r.URL.Path)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.getRecording(w, r, sess, id)
	case sub == "" && r.Method == http.MethodDelete:
		s.deleteRecording(w, r, sess, id)
	case sub == "stream":
		s.streamRecording(w, r, sess, id)
	case sub == "waveform":
		s.recordingWaveform(w, r, sess, id)
	default:
		s.sendErrorResponse(w, http.StatusNotFound, "Unknown recording endpoint", "path", r.URL.Path)
	}
}

func (s *Server) getRecording(w http.ResponseWriter, r *http.Request, sess *auth.Session, id string) {
	rec, err := s.service.GetRecording(r.Context(), sess.UserID, id)
	if err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to fetch recording: %v", err),
			"operation", "recording_get", "recording_id", id)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) deleteRecording(w http.ResponseWriter, r *http.Request, sess *auth.Session, id string) {
	result, err := s.service.DeleteRecording(r.Context(), sess.UserID, id)
	if err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to delete recording: %v", err),
			"operation", "recording_delete", "recording_id", id)
		return
	}

	s.purgePeaks(sess.UserID, id)

	resp := DeleteResponse{Success: true, ObjectRemoved: result.ObjectRemoved}
	if result.ObjectErr != nil {
		resp.ObjectError = result.ObjectErr.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// streamRecording serves the recording's WAV bytes with range support
func (s *Server) streamRecording(w http.ResponseWriter, r *http.Request, sess *auth.Session, id string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec, data, err := s.service.FetchRecordingAudio(r.Context(), sess.UserID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Recording not found", http.StatusNotFound)
			return
		}
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to fetch recording audio: %v", err),
			"operation", "recording_stream", "recording_id", id)
		return
	}

	// Rows are immutable after create, so aggressive caching is safe.
	w.Header().Set("Content-Type", audio.MIMETypeWAV)
	w.Header().Set("Cache-Control", "private, max-age=31536000")
	http.ServeContent(w, r, rec.Title+".wav", rec.CreatedAt, bytes.NewReader(data))
}

// recordingWaveform returns the decoded amplitude trace of a saved recording,
// reduced to per-column min/max peaks and cached
func (s *Server) recordingWaveform(w http.ResponseWriter, r *http.Request, sess *auth.Session, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	columns := 800
	if v := r.URL.Query().Get("columns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 16 || n > 4096 {
			s.sendErrorResponse(w, http.StatusBadRequest, "columns must be an integer between 16 and 4096", "operation", "recording_waveform")
			return
		}
		columns = n
	}

	key := fmt.Sprintf("%s/%s/%d", sess.UserID, id, columns)
	entry, ok := s.peaks.Get(key)
	if !ok {
		rec, data, err := s.service.FetchRecordingAudio(r.Context(), sess.UserID, id)
		if err != nil {
			s.sendErrorResponse(w, statusForError(err),
				fmt.Sprintf("Failed to fetch recording audio: %v", err),
				"operation", "recording_waveform", "recording_id", id)
			return
		}
		pcm, _, err := audio.DecodeWAV(data)
		if err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to decode recording: %v", err),
				"operation", "recording_waveform", "recording_id", id)
			return
		}
		entry = peaksEntry{duration: rec.Duration, columns: waveform.BuildPeaks(pcm, columns)}
		s.peaks.Add(key, entry)
		slog.Debug("Decoded peaks cached", "recording_id", id, "columns", columns)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PeaksResponse{ID: id, Duration: entry.duration, Columns: entry.columns})
}

// purgePeaks drops every cached column count for one recording
func (s *Server) purgePeaks(owner, id string) {
	prefix := fmt.Sprintf("%s/%s/", owner, id)
	for _, key := range s.peaks.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.peaks.Remove(key)
		}
	}
}

// handleDevices lists capture and playback devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	capture, err := s.service.ListCaptureDevices()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list capture devices: %v", err),
			"operation", "devices")
		return
	}
	playback, err := s.service.ListPlaybackDevices()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list playback devices: %v", err),
			"operation", "devices")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DevicesResponse{Capture: capture, Playback: playback})
}

// handleObject serves filesystem-backed object URLs
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.cfg.Storage.Backend != "filesystem" {
		http.Error(w, "Objects are not served by this backend", http.StatusNotFound)
		return
	}

	// Extract the object key from the URL path
	rawKey := strings.TrimPrefix(r.URL.Path, "/api/objects/")
	if rawKey == "" {
		http.Error(w, "Object key required", http.StatusBadRequest)
		return
	}
	key, err := url.QueryUnescape(rawKey)
	if err != nil {
		http.Error(w, "Invalid object key encoding", http.StatusBadRequest)
		return
	}

	filePath := filepath.Join(s.cfg.Storage.Root, filepath.FromSlash(key))

	// Security check: ensure the file is within the storage root
	cleanPath, err := filepath.Abs(filePath)
	if err != nil {
		http.Error(w, "Invalid object path", http.StatusBadRequest)
		return
	}
	cleanRoot, err := filepath.Abs(s.cfg.Storage.Root)
	if err != nil {
		http.Error(w, "Invalid storage root", http.StatusInternalServerError)
		return
	}
	if !strings.HasPrefix(cleanPath, cleanRoot+string(os.PathSeparator)) {
		http.Error(w, "Access denied", http.StatusForbidden)
		return
	}

	// Check if file exists
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.Error(w, "Object not found", http.StatusNotFound)
		return
	}

	// Determine content type
	ext := strings.ToLower(filepath.Ext(filePath))
	contentType := mime.TypeByExtension(ext)
	if ext == ".wav" {
		contentType = audio.MIMETypeWAV
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Set headers for audio streaming
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "public, max-age=31536000")

	// Serve the file
	http.ServeFile(w, r, filePath)
}

// captureStatusMessage builds the human-readable line shown next to the
// capture status
func (s *Server) captureStatusMessage(status service.CaptureStatus) string {
	switch status {
	case service.StatusRequesting:
		return "Waiting for microphone access"
	case service.StatusRecording:
		return "Recording in progress"
	case service.StatusStopped:
		return "Take finished - save or discard it"
	case service.StatusFailed:
		// Get detailed error information from service
		if errorDetails := s.service.GetLastError(); errorDetails != "" {
			return errorDetails
		}
		return "An error occurred during capture"
	default:
		return ""
	}
}

// statusForError maps library and store failures onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, library.ErrEmptyTitle):
		return http.StatusBadRequest
	case errors.Is(err, library.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, library.ErrPersistence):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	// Send JSON error response
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
