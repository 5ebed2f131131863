package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Recording modes
const (
	ModePressToHold = "press-to-hold"
	ModeToggle      = "toggle"
)

// Config holds application configuration
type Config struct {
	Hotkey         HotkeyConfig      `json:"hotkey"`
	RecordingMode  string            `json:"recording_mode"` // "press-to-hold" or "toggle"
	ModelPath      string            `json:"model_path"`
	Language       string            `json:"language"`         // "auto" for automatic detection, or a language code
	MaxRecordTime  int               `json:"max_record_time"`  // seconds
	PasteSplitSize int               `json:"paste_split_size"` // characters
	Recording      RecordingConfig   `json:"recording"`
	Enhancement    EnhancementConfig `json:"enhancement"`
	LogLevel       string            `json:"log_level"`
	ServerPort     int               `json:"server_port"`
	mu             sync.RWMutex
}

// HotkeyConfig holds hotkey configuration
type HotkeyConfig struct {
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`
	Cmd   bool   `json:"cmd"`
	Key   string `json:"key"` // e.g., "Space"
}

// RecordingConfig is read once when a recording starts.
type RecordingConfig struct {
	EnableSystemAudioMixing bool    `json:"enable_system_audio_mixing"`
	MicrophoneGain          float64 `json:"microphone_gain"`
	SystemAudioGain         float64 `json:"system_audio_gain"`
	// SelectedMicrophoneID is a device UID; nil means the system default.
	SelectedMicrophoneID *string `json:"selected_microphone_id,omitempty"`
	// MixedChannels is the channel count of mixed recordings (1 or 2).
	MixedChannels int `json:"mixed_channels"`
}

// EnhancementConfig configures the optional LLM clean-up pass.
type EnhancementConfig struct {
	Enabled     bool    `json:"enabled"`
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	APIKeyEnv   string  `json:"api_key_env"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
}

// IsValidModelExtension checks if the file has a valid Whisper model extension
// Supports both .bin (current official format) and .gguf (future format)
func IsValidModelExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".bin" || ext == ".gguf"
}

// GetRecommendedModelName returns the recommended model filename
func GetRecommendedModelName() string {
	return "ggml-large-v3-turbo-q5_0.bin"
}

// DefaultPrompt is the enhancement system prompt used when none is configured.
const DefaultPrompt = "You clean up dictated text. Fix punctuation, casing and obvious " +
	"recognition mistakes. Keep the wording and language. Reply with the text only."

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Hotkey: HotkeyConfig{
			Ctrl: true,
			Alt:  true,
			Key:  "Space",
		},
		RecordingMode:  ModePressToHold,
		Language:       "auto",
		MaxRecordTime:  60,
		PasteSplitSize: 500,
		Recording: RecordingConfig{
			MicrophoneGain:  1.0,
			SystemAudioGain: 1.0,
			MixedChannels:   1,
		},
		Enhancement: EnhancementConfig{
			BaseURL:     "https://api.openai.com/v1/",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			Prompt:      DefaultPrompt,
			Temperature: 0.2,
		},
		LogLevel:   "info",
		ServerPort: 18765,
	}
}

// Load loads configuration from the specified path. Fields missing from
// the file keep their default values.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Hotkey.Key == "" {
		config.Hotkey.Key = "Space"
	}
	if config.Recording.MixedChannels == 0 {
		config.Recording.MixedChannels = 1
	}

	return config, nil
}

// Save saves configuration to the specified path
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write through a temp file so the watcher never sees a half-written file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	return nil
}

// GetConfigDir returns the application support directory
func GetConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, "Library", "Application Support", "EzS2T-Mix")
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// RecordingSettings returns a snapshot of the recording configuration.
func (c *Config) RecordingSettings() RecordingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rc := c.Recording
	if rc.SelectedMicrophoneID != nil {
		id := *rc.SelectedMicrophoneID
		rc.SelectedMicrophoneID = &id
	}
	return rc
}

// EnhancementSettings returns a snapshot of the enhancement configuration.
func (c *Config) EnhancementSettings() EnhancementConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Enhancement
}

// HotkeySettings returns the configured binding.
func (c *Config) HotkeySettings() (HotkeyConfig, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Hotkey, c.RecordingMode
}

// SetHotkey replaces the binding. An empty key selects Space.
func (c *Config) SetHotkey(hc HotkeyConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc.Key == "" {
		hc.Key = "Space"
	}
	c.Hotkey = hc
}

// SelectMicrophone stores uid as the preferred microphone; "" clears it.
func (c *Config) SelectMicrophone(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uid == "" {
		c.Recording.SelectedMicrophoneID = nil
		return
	}
	c.Recording.SelectedMicrophoneID = &uid
}

// SetSystemAudioMixing toggles system audio capture.
func (c *Config) SetSystemAudioMixing(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Recording.EnableSystemAudioMixing = enabled
}

// Update updates configuration fields from a decoded JSON object
func (c *Config) Update(updates map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range updates {
		switch key {
		case "recording_mode":
			if v, ok := value.(string); ok {
				if v != ModePressToHold && v != ModeToggle {
					return fmt.Errorf("invalid recording_mode: %s", v)
				}
				c.RecordingMode = v
			}
		case "model_path":
			if v, ok := value.(string); ok {
				c.ModelPath = v
			}
		case "language":
			if v, ok := value.(string); ok {
				c.Language = v
			}
		case "max_record_time":
			if v, ok := value.(float64); ok {
				c.MaxRecordTime = int(v)
			}
		case "paste_split_size":
			if v, ok := value.(float64); ok {
				c.PasteSplitSize = int(v)
			}
		case "log_level":
			if v, ok := value.(string); ok {
				c.LogLevel = v
			}
		case "hotkey":
			if v, ok := value.(map[string]interface{}); ok {
				if ctrl, ok := v["ctrl"].(bool); ok {
					c.Hotkey.Ctrl = ctrl
				}
				if shift, ok := v["shift"].(bool); ok {
					c.Hotkey.Shift = shift
				}
				if alt, ok := v["alt"].(bool); ok {
					c.Hotkey.Alt = alt
				}
				if cmd, ok := v["cmd"].(bool); ok {
					c.Hotkey.Cmd = cmd
				}
				if key, ok := v["key"].(string); ok {
					c.Hotkey.Key = key
				}
			}
		case "recording":
			if v, ok := value.(map[string]interface{}); ok {
				if err := c.updateRecording(v); err != nil {
					return err
				}
			}
		case "enhancement":
			if v, ok := value.(map[string]interface{}); ok {
				c.updateEnhancement(v)
			}
		}
	}

	return nil
}

func (c *Config) updateRecording(v map[string]interface{}) error {
	if b, ok := v["enable_system_audio_mixing"].(bool); ok {
		c.Recording.EnableSystemAudioMixing = b
	}
	for _, field := range []struct {
		name string
		dst  *float64
	}{
		{"microphone_gain", &c.Recording.MicrophoneGain},
		{"system_audio_gain", &c.Recording.SystemAudioGain},
	} {
		if g, ok := v[field.name].(float64); ok {
			if g < 0 || g > MaxGain {
				return fmt.Errorf("invalid %s: %v", field.name, g)
			}
			*field.dst = g
		}
	}
	if raw, present := v["selected_microphone_id"]; present {
		switch id := raw.(type) {
		case nil:
			c.Recording.SelectedMicrophoneID = nil
		case string:
			if id == "" {
				c.Recording.SelectedMicrophoneID = nil
			} else {
				c.Recording.SelectedMicrophoneID = &id
			}
		}
	}
	if ch, ok := v["mixed_channels"].(float64); ok {
		if ch != 1 && ch != 2 {
			return fmt.Errorf("invalid mixed_channels: %v", ch)
		}
		c.Recording.MixedChannels = int(ch)
	}
	return nil
}

func (c *Config) updateEnhancement(v map[string]interface{}) {
	if b, ok := v["enabled"].(bool); ok {
		c.Enhancement.Enabled = b
	}
	if s, ok := v["base_url"].(string); ok {
		c.Enhancement.BaseURL = s
	}
	if s, ok := v["model"].(string); ok {
		c.Enhancement.Model = s
	}
	if s, ok := v["api_key_env"].(string); ok {
		c.Enhancement.APIKeyEnv = s
	}
	if s, ok := v["prompt"].(string); ok {
		c.Enhancement.Prompt = s
	}
	if f, ok := v["temperature"].(float64); ok {
		c.Enhancement.Temperature = f
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Hotkey:         c.Hotkey,
		RecordingMode:  c.RecordingMode,
		ModelPath:      c.ModelPath,
		Language:       c.Language,
		MaxRecordTime:  c.MaxRecordTime,
		PasteSplitSize: c.PasteSplitSize,
		Recording:      c.Recording,
		Enhancement:    c.Enhancement,
		LogLevel:       c.LogLevel,
		ServerPort:     c.ServerPort,
	}
	if c.Recording.SelectedMicrophoneID != nil {
		id := *c.Recording.SelectedMicrophoneID
		clone.Recording.SelectedMicrophoneID = &id
	}
	return clone
}

// Set replaces every field of c with a copy of n's.
func (c *Config) Set(n *Config) {
	fresh := n.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Hotkey = fresh.Hotkey
	c.RecordingMode = fresh.RecordingMode
	c.ModelPath = fresh.ModelPath
	c.Language = fresh.Language
	c.MaxRecordTime = fresh.MaxRecordTime
	c.PasteSplitSize = fresh.PasteSplitSize
	c.Recording = fresh.Recording
	c.Enhancement = fresh.Enhancement
	c.LogLevel = fresh.LogLevel
	c.ServerPort = fresh.ServerPort
}

// ExpandPath expands ~ to home directory in file paths
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	return absPath, nil
}

// GetModelPath returns the expanded model path
func (c *Config) GetModelPath() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ExpandPath(c.ModelPath)
}

// ValidateModelPath validates the model file path
func (c *Config) ValidateModelPath() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.ModelPath == "" {
		return fmt.Errorf("model path is not set")
	}

	expandedPath, err := ExpandPath(c.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to expand model path: %w", err)
	}

	info, err := os.Stat(expandedPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", expandedPath)
	}
	if err != nil {
		return fmt.Errorf("failed to check model file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path is a directory, not a file: %s", expandedPath)
	}
	if !IsValidModelExtension(expandedPath) {
		return fmt.Errorf("model file must have .bin or .gguf extension: %s", expandedPath)
	}

	return nil
}

// MaxGain bounds the per-source linear gain.
const MaxGain = 4.0

// Validate validates all configuration fields
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.RecordingMode != ModePressToHold && c.RecordingMode != ModeToggle {
		return fmt.Errorf("invalid recording_mode: %s (must be 'press-to-hold' or 'toggle')", c.RecordingMode)
	}

	// Any non-empty value is accepted; whisper.cpp knows 100+ languages.
	if c.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if c.MaxRecordTime <= 0 || c.MaxRecordTime > 300 {
		return fmt.Errorf("invalid max_record_time: %d (must be between 1 and 300 seconds)", c.MaxRecordTime)
	}

	if c.PasteSplitSize <= 0 || c.PasteSplitSize > 10000 {
		return fmt.Errorf("invalid paste_split_size: %d (must be between 1 and 10000 characters)", c.PasteSplitSize)
	}

	r := c.Recording
	if r.MicrophoneGain < 0 || r.MicrophoneGain > MaxGain {
		return fmt.Errorf("invalid microphone_gain: %v (must be between 0 and %v)", r.MicrophoneGain, MaxGain)
	}
	if r.SystemAudioGain < 0 || r.SystemAudioGain > MaxGain {
		return fmt.Errorf("invalid system_audio_gain: %v (must be between 0 and %v)", r.SystemAudioGain, MaxGain)
	}
	if r.MixedChannels != 1 && r.MixedChannels != 2 {
		return fmt.Errorf("invalid mixed_channels: %d (must be 1 or 2)", r.MixedChannels)
	}

	if c.Enhancement.Enabled && c.Enhancement.Model == "" {
		return fmt.Errorf("enhancement is enabled but no model is set")
	}

	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}

	return nil
}
