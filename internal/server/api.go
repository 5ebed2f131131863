package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
	"github.com/yok-tottii/EzS2T-Mix/internal/devices"
	"github.com/yok-tottii/EzS2T-Mix/internal/hotkey"
	"github.com/yok-tottii/EzS2T-Mix/internal/meter"
	"github.com/yok-tottii/EzS2T-Mix/internal/mixer"
	"github.com/yok-tottii/EzS2T-Mix/internal/permissions"
	"github.com/yok-tottii/EzS2T-Mix/internal/recording"
)

// Recorder is the part of the recording controller the API drives.
type Recorder interface {
	Start(ctx context.Context, rc config.RecordingConfig) error
	Stop(ctx context.Context) (mixer.Result, error)
	State() recording.State
	Session() (recording.Session, bool)
	SelectMicrophone(ctx context.Context, uid string) (devices.Descriptor, error)
}

// DeviceLister lists hardware devices.
type DeviceLister interface {
	ListInputDevices() []devices.Descriptor
	ListOutputDevices() []devices.Descriptor
	Invalidate()
}

// PermissionStatus reports granted permissions by name.
type PermissionStatus interface {
	CheckAllPermissions() map[string]bool
}

// HandlerConfig wires the API to the running application.
type HandlerConfig struct {
	Config      *config.Config
	ConfigPath  string
	Recorder    Recorder
	Devices     DeviceLister
	Permissions PermissionStatus
	ModelsDir   string
	// OnHotkeyChanged re-registers the global hotkey after a change.
	OnHotkeyChanged func() error
}

// Handler serves the /api endpoints.
type Handler struct {
	cfg HandlerConfig
	log slog.Logger

	mu    sync.Mutex
	level meter.Meter
	subs  map[chan meter.Meter]struct{}
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig, log slog.Logger) *Handler {
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = config.GetConfigPath()
	}
	return &Handler{cfg: cfg, log: log}
}

// Routes returns a mux with all API routes registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers all API routes on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/settings", h.handleSettings)
	mux.HandleFunc("/api/hotkey/validate", h.handleHotkeyValidate)
	mux.HandleFunc("/api/hotkey/register", h.handleHotkeyRegister)
	mux.HandleFunc("/api/devices", h.handleDevices)
	mux.HandleFunc("/api/devices/input", h.handleSelectInput)
	mux.HandleFunc("/api/recording", h.handleRecording)
	mux.HandleFunc("/api/recording/start", h.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", h.handleRecordingStop)
	mux.HandleFunc("/api/meter", h.handleMeter)
	mux.HandleFunc("/api/meter/stream", h.handleMeterStream)
	mux.HandleFunc("/api/models", h.handleModels)
	mux.HandleFunc("/api/models/validate", h.handleModelsValidate)
	mux.HandleFunc("/api/permissions", h.handlePermissions)
}

// PublishLevel records the latest meter reading for GET /api/meter and
// pushes it to open meter streams. Slow streams only see the newest value.
func (h *Handler) PublishLevel(m meter.Meter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.level = m
	for ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- m
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handler) save() error {
	if err := h.cfg.Config.Save(h.cfg.ConfigPath); err != nil {
		return err
	}
	h.log.Debugf("Saved settings to %s", h.cfg.ConfigPath)
	return nil
}

// handleSettings handles GET and PUT /api/settings
func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.cfg.Config.Clone())
	case http.MethodPut:
		h.putSettings(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// putSettings applies a partial update. The update is checked on a copy so
// a rejected request leaves the live configuration untouched.
func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	trial := h.cfg.Config.Clone()
	if err := trial.Update(updates); err != nil {
		http.Error(w, fmt.Sprintf("Failed to update config: %v", err), http.StatusBadRequest)
		return
	}
	if err := trial.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("Invalid config: %v", err), http.StatusBadRequest)
		return
	}

	if err := h.cfg.Config.Update(updates); err != nil {
		http.Error(w, fmt.Sprintf("Failed to update config: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.save(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to save config: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleHotkeyValidate handles POST /api/hotkey/validate
func (h *Handler) handleHotkeyValidate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var request config.HotkeyConfig
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp := map[string]interface{}{
		"label":     hotkey.FormatHotkey(request),
		"valid":     true,
		"conflicts": []string{},
	}
	if _, err := hotkey.ParseKey(request.Key); err != nil {
		resp["valid"] = false
		resp["message"] = err.Error()
	}
	names := []string{}
	for _, c := range hotkey.CheckConflicts(request) {
		names = append(names, c.Name)
	}
	resp["conflicts"] = names

	writeJSON(w, http.StatusOK, resp)
}

// handleHotkeyRegister handles POST /api/hotkey/register
func (h *Handler) handleHotkeyRegister(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var request config.HotkeyConfig
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if request.Key == "" {
		http.Error(w, "Key cannot be empty", http.StatusBadRequest)
		return
	}
	if _, err := hotkey.ParseKey(request.Key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !request.Ctrl && !request.Shift && !request.Alt && !request.Cmd {
		http.Error(w, "At least one modifier key (Ctrl/Shift/Alt/Cmd) is required", http.StatusBadRequest)
		return
	}

	h.cfg.Config.SetHotkey(request)
	if err := h.save(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to save config: %v", err), http.StatusInternalServerError)
		return
	}

	if h.cfg.OnHotkeyChanged != nil {
		if err := h.cfg.OnHotkeyChanged(); err != nil {
			h.log.Warnf("Hotkey saved but reload failed: %v", err)
			writeJSON(w, http.StatusOK, map[string]string{
				"status":  "partial",
				"message": fmt.Sprintf("Hotkey saved but reload failed: %v. Please restart the application.", err),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Hotkey registered as " + hotkey.FormatHotkey(request),
	})
}

// handleDevices handles GET /api/devices. ?refresh=1 drops the device
// cache first.
func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if r.URL.Query().Get("refresh") != "" {
		h.cfg.Devices.Invalidate()
	}

	selected := h.cfg.Config.RecordingSettings().SelectedMicrophoneID
	inputs := h.cfg.Devices.ListInputDevices()
	outputs := h.cfg.Devices.ListOutputDevices()
	if inputs == nil {
		inputs = []devices.Descriptor{}
	}
	if outputs == nil {
		outputs = []devices.Descriptor{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"inputs":           inputs,
		"outputs":          outputs,
		"selectedInputUID": selected,
	})
}

// handleSelectInput handles PUT /api/devices/input with {"uid": "..."}.
// An empty uid returns to the system default.
func (h *Handler) handleSelectInput(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut) {
		return
	}

	var request struct {
		UID string `json:"uid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	d, err := h.cfg.Recorder.SelectMicrophone(r.Context(), request.UID)
	switch {
	case errors.Is(err, recording.ErrUnknownDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	h.cfg.Config.SelectMicrophone(request.UID)
	if err := h.save(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to save config: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"device": d})
}

type recordingStatus struct {
	State   string             `json:"state"`
	Session *recording.Session `json:"session"`
}

func (h *Handler) status() recordingStatus {
	st := recordingStatus{State: h.cfg.Recorder.State().String()}
	if s, ok := h.cfg.Recorder.Session(); ok {
		st.Session = &s
	}
	return st
}

// handleRecording handles GET /api/recording
func (h *Handler) handleRecording(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, permissions.ErrMicrophoneDenied):
		return http.StatusForbidden
	case errors.Is(err, mixer.ErrNoSource), errors.Is(err, recording.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleRecordingStart handles POST /api/recording/start. Starting while a
// session is active reports the running session.
func (h *Handler) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	if err := h.cfg.Recorder.Start(r.Context(), h.cfg.Config.RecordingSettings()); err != nil {
		h.log.Warnf("Recording start via API failed: %v", err)
		http.Error(w, err.Error(), startStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

type resultResponse struct {
	Path          string  `json:"path"`
	SampleRate    float64 `json:"sampleRate"`
	Channels      int     `json:"channels"`
	Frames        int64   `json:"frames"`
	DurationMs    int64   `json:"durationMs"`
	SystemAudio   bool    `json:"systemAudio"`
	TapStrategy   string  `json:"tapStrategy,omitempty"`
	DroppedWrites int     `json:"droppedWrites"`
}

// handleRecordingStop handles POST /api/recording/stop
func (h *Handler) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	res, err := h.cfg.Recorder.Stop(r.Context())
	if err != nil && res.Path == "" {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{"status": "stopped"}
	if res.Path != "" {
		resp["result"] = resultResponse{
			Path:          res.Path,
			SampleRate:    res.Format.SampleRate,
			Channels:      res.Format.Channels,
			Frames:        res.Frames,
			DurationMs:    res.Duration.Milliseconds(),
			SystemAudio:   res.SystemAudio,
			TapStrategy:   res.TapStrategy,
			DroppedWrites: res.DroppedWrites,
		}
	}
	if err != nil {
		resp["status"] = "stopped_with_errors"
		resp["message"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMeter handles GET /api/meter
func (h *Handler) handleMeter(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	h.mu.Lock()
	m := h.level
	h.mu.Unlock()
	if h.cfg.Recorder.State() != recording.Recording {
		m = meter.Meter{}
	}
	writeJSON(w, http.StatusOK, m)
}

// Model represents a whisper model file
type Model struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        string `json:"size"`
	Recommended bool   `json:"recommended"`
}

// handleModels handles GET /api/models
func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": scanModels(h.cfg.ModelsDir)})
}

func scanModels(dir string) []Model {
	models := []Model{}
	if dir == "" {
		return models
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return models
	}

	recommended := strings.TrimSuffix(config.GetRecommendedModelName(), filepath.Ext(config.GetRecommendedModelName()))
	for _, entry := range entries {
		if entry.IsDir() || !config.IsValidModelExtension(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		models = append(models, Model{
			Name:        entry.Name(),
			Path:        filepath.Join(dir, entry.Name()),
			Size:        formatSize(info.Size()),
			Recommended: base == recommended,
		})
	}
	return models
}

// formatSize formats bytes to human-readable size
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// handleModelsValidate handles POST /api/models/validate
func (h *Handler) handleModelsValidate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var request struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	candidate := config.DefaultConfig()
	candidate.ModelPath = request.Path
	if err := candidate.ValidateModelPath(); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "message": err.Error()})
		return
	}

	path, _ := candidate.GetModelPath()
	info, err := os.Stat(path)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"message": "Model file is valid",
		"path":    path,
		"name":    filepath.Base(path),
		"size":    formatSize(info.Size()),
	})
}

// handlePermissions handles GET /api/permissions
func (h *Handler) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	perms := map[string]bool{}
	if h.cfg.Permissions != nil {
		perms = h.cfg.Permissions.CheckAllPermissions()
	}
	resp := make(map[string]interface{}, len(perms))
	for name, granted := range perms {
		resp[name] = map[string]bool{"granted": granted}
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestTimeout bounds recorder calls made on behalf of API clients.
const requestTimeout = 30 * time.Second

// WithTimeout wraps h so every request context carries requestTimeout.
func WithTimeout(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
