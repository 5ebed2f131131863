package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
	"github.com/yok-tottii/EzS2T-Mix/internal/devices"
	"github.com/yok-tottii/EzS2T-Mix/internal/hal/haltest"
	"github.com/yok-tottii/EzS2T-Mix/internal/meter"
	"github.com/yok-tottii/EzS2T-Mix/internal/permissions"
	"github.com/yok-tottii/EzS2T-Mix/internal/recording"
)

type fixedPermissions map[string]bool

func (p fixedPermissions) CheckAllPermissions() map[string]bool { return p }

type fixture struct {
	sys        *haltest.System
	cfg        *config.Config
	configPath string
	rec        *recording.Controller
	handler    *Handler
	mux        http.Handler
	rebinds    int
}

func newFixture(t *testing.T, opts ...recording.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		sys:        haltest.New(),
		cfg:        config.DefaultConfig(),
		configPath: filepath.Join(dir, "config.json"),
	}

	reg := devices.New(f.sys, slog.Disabled)
	rc := recording.DefaultConfig()
	rc.TempDir = dir
	f.rec = recording.New(f.sys, reg, rc, slog.Disabled, opts...)
	t.Cleanup(f.rec.Close)

	f.handler = NewHandler(HandlerConfig{
		Config:      f.cfg,
		ConfigPath:  f.configPath,
		Recorder:    f.rec,
		Devices:     reg,
		Permissions: fixedPermissions{"microphone": true, "accessibility": false},
		ModelsDir:   filepath.Join(dir, "models"),
		OnHotkeyChanged: func() error {
			f.rebinds++
			return nil
		},
	}, slog.Disabled)
	f.mux = WithTimeout(f.handler.Routes())
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGetSettings(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "auto", body["language"])
	rc := body["recording"].(map[string]interface{})
	assert.Equal(t, false, rc["enable_system_audio_mixing"])
}

func TestPutSettings(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/settings", map[string]interface{}{
		"language":  "en",
		"recording": map[string]interface{}{"enable_system_audio_mixing": true, "mixed_channels": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.True(t, f.cfg.RecordingSettings().EnableSystemAudioMixing)
	saved, err := config.Load(f.configPath)
	require.NoError(t, err)
	assert.Equal(t, "en", saved.Language)
	assert.Equal(t, 2, saved.Recording.MixedChannels)
}

func TestPutSettingsRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/settings", map[string]interface{}{"max_record_time": 0, "language": "fr"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "auto", f.cfg.Clone().Language, "rejected update must not leak")
	_, err := os.Stat(f.configPath)
	assert.True(t, os.IsNotExist(err))

	rec = f.do(t, http.MethodPut, "/api/settings", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/settings", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHotkeyValidate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/hotkey/validate", config.HotkeyConfig{Cmd: true, Key: "Space"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "⌘Space", body["label"])
	assert.Contains(t, body["conflicts"], "Spotlight")

	rec = f.do(t, http.MethodPost, "/api/hotkey/validate", config.HotkeyConfig{Ctrl: true, Key: "F19"})
	body = decode(t, rec)
	assert.Equal(t, false, body["valid"])
	assert.Empty(t, body["conflicts"])
}

func TestHotkeyRegister(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/hotkey/register", config.HotkeyConfig{Ctrl: true, Shift: true, Key: "R"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", decode(t, rec)["status"])
	assert.Equal(t, 1, f.rebinds)

	hc, _ := f.cfg.HotkeySettings()
	assert.Equal(t, "R", hc.Key)

	tests := []struct {
		name string
		hc   config.HotkeyConfig
	}{
		{"empty key", config.HotkeyConfig{Ctrl: true}},
		{"unknown key", config.HotkeyConfig{Ctrl: true, Key: "Hyper"}},
		{"no modifier", config.HotkeyConfig{Key: "R"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/hotkey/register", tt.hc)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, 1, f.rebinds)
}

func TestHotkeyRegisterReloadFailure(t *testing.T) {
	f := newFixture(t)
	f.handler.cfg.OnHotkeyChanged = func() error { return errors.New("in use") }

	rec := f.do(t, http.MethodPost, "/api/hotkey/register", config.HotkeyConfig{Alt: true, Key: "D"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "partial", body["status"])
	assert.Contains(t, body["message"], "in use")
}

func TestDevices(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/devices?refresh=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["inputs"], 2)
	assert.Len(t, body["outputs"], 2)
	assert.Nil(t, body["selectedInputUID"])
}

func TestSelectInput(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/devices/input", map[string]string{"uid": "USBHeadset-0001"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	device := decode(t, rec)["device"].(map[string]interface{})
	assert.Equal(t, "USB Headset", device["name"])
	assert.EqualValues(t, 3, f.sys.DefaultInput())

	saved, err := config.Load(f.configPath)
	require.NoError(t, err)
	require.NotNil(t, saved.Recording.SelectedMicrophoneID)
	assert.Equal(t, "USBHeadset-0001", *saved.Recording.SelectedMicrophoneID)

	rec = f.do(t, http.MethodPut, "/api/devices/input", map[string]string{"uid": "BuiltInSpeakerDevice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/devices/input", map[string]string{"uid": ""})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.cfg.RecordingSettings().SelectedMicrophoneID)
}

func TestRecordingStartStop(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/recording", nil)
	body := decode(t, rec)
	assert.Equal(t, "Idle", body["state"])
	assert.Nil(t, body["session"])

	rec = f.do(t, http.MethodPost, "/api/recording/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, "Recording", body["state"])
	session := body["session"].(map[string]interface{})
	assert.Equal(t, "simple", session["mode"])
	assert.True(t, strings.HasSuffix(session["outputPath"].(string), ".wav"))

	f.handler.PublishLevel(meter.Meter{AveragePower: 0.3, PeakPower: 0.6})
	rec = f.do(t, http.MethodGet, "/api/meter", nil)
	assert.Equal(t, 0.3, decode(t, rec)["averagePower"])

	rec = f.do(t, http.MethodPost, "/api/recording/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, "stopped", body["status"])
	result := body["result"].(map[string]interface{})
	assert.Equal(t, session["outputPath"], result["path"])
	assert.EqualValues(t, 16000, result["sampleRate"])

	rec = f.do(t, http.MethodGet, "/api/meter", nil)
	assert.Equal(t, 0.0, decode(t, rec)["averagePower"], "idle meter reads zero")

	rec = f.do(t, http.MethodPost, "/api/recording/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode(t, rec)["result"])
}

func TestRecordingStartErrors(t *testing.T) {
	f := newFixture(t, recording.WithPermissionGate(func() error { return permissions.ErrMicrophoneDenied }))
	rec := f.do(t, http.MethodPost, "/api/recording/start", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f = newFixture(t)
	f.sys.FailInput = haltest.ErrInjected
	rec = f.do(t, http.MethodPost, "/api/recording/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/recording/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestModels(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/models", nil)
	assert.Empty(t, decode(t, rec)["models"])

	dir := f.handler.cfg.ModelsDir
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.GetRecommendedModelName()), make([]byte, 2048), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	rec = f.do(t, http.MethodGet, "/api/models", nil)
	models := decode(t, rec)["models"].([]interface{})
	require.Len(t, models, 1)
	m := models[0].(map[string]interface{})
	assert.Equal(t, true, m["recommended"])
	assert.Equal(t, "2.0 KB", m["size"])

	rec = f.do(t, http.MethodPost, "/api/models/validate", map[string]string{"path": m["path"].(string)})
	assert.Equal(t, true, decode(t, rec)["valid"])

	rec = f.do(t, http.MethodPost, "/api/models/validate", map[string]string{"path": filepath.Join(dir, "notes.txt")})
	assert.Equal(t, false, decode(t, rec)["valid"])
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/permissions", nil)
	body := decode(t, rec)
	assert.Equal(t, map[string]interface{}{"granted": true}, body["microphone"])
	assert.Equal(t, map[string]interface{}{"granted": false}, body["accessibility"])
}
