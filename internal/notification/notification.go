package notification

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/decred/slog"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	TypeInfo    NotificationType = "info"
	TypeWarning NotificationType = "warning"
	TypeError   NotificationType = "error"
	TypeSuccess NotificationType = "success"
)

// ErrUnsupported is returned where no notification center is available.
var ErrUnsupported = errors.New("notifications are not supported on this platform")

// Notification represents a desktop notification
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
}

// Runner executes an external command.
type Runner func(name string, args ...string) error

func execRunner(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// NotificationManager handles sending notifications to the user
type NotificationManager struct {
	appName string
	log     slog.Logger
	run     Runner
}

// NewNotificationManager creates a notification manager that posts through
// osascript.
func NewNotificationManager(appName string, log slog.Logger) *NotificationManager {
	return NewNotificationManagerWith(appName, log, execRunner)
}

// NewNotificationManagerWith uses run to execute osascript.
func NewNotificationManagerWith(appName string, log slog.Logger, run Runner) *NotificationManager {
	return &NotificationManager{appName: appName, log: log, run: run}
}

// Send posts a notification via the macOS notification center. Errors and
// warnings are logged as well.
func (nm *NotificationManager) Send(n *Notification) error {
	if n == nil {
		return fmt.Errorf("notification cannot be nil")
	}

	switch n.Type {
	case TypeError:
		nm.log.Errorf("%s: %s", n.Title, n.Message)
	case TypeWarning:
		nm.log.Warnf("%s: %s", n.Title, n.Message)
	default:
		nm.log.Debugf("%s: %s", n.Title, n.Message)
	}

	if runtime.GOOS != "darwin" {
		return ErrUnsupported
	}

	script := fmt.Sprintf(`display notification "%s" with title "%s"`,
		escapeAppleScript(n.Message), escapeAppleScript(n.Title))
	if err := nm.run("osascript", "-e", script); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// escapeAppleScript escapes a value for use inside an AppleScript string
// literal. Backslashes go first.
func escapeAppleScript(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return r.Replace(s)
}

func (nm *NotificationManager) send(t NotificationType, message string) error {
	return nm.Send(&Notification{Title: nm.appName, Message: message, Type: t})
}

// SendInfo sends an informational notification
func (nm *NotificationManager) SendInfo(title, message string) error {
	return nm.Send(&Notification{Title: title, Message: message, Type: TypeInfo})
}

// SendError sends an error notification
func (nm *NotificationManager) SendError(title, message string) error {
	return nm.Send(&Notification{Title: title, Message: message, Type: TypeError})
}

func withReason(message, reason string) string {
	if reason == "" {
		return message
	}
	return message + ": " + reason
}

func (nm *NotificationManager) MicrophonePermissionDenied() error {
	return nm.send(TypeError, "Microphone access was denied. Allow it in System Settings.")
}

func (nm *NotificationManager) AccessibilityPermissionDenied() error {
	return nm.send(TypeError, "Accessibility access was denied. Allow it in System Settings to paste text.")
}

func (nm *NotificationManager) RecordingFailed(reason string) error {
	return nm.send(TypeError, withReason("Recording failed", reason))
}

func (nm *NotificationManager) TranscriptionFailed(reason string) error {
	return nm.send(TypeError, withReason("Transcription failed", reason))
}

// RecordingTimeExceeded reports an automatic stop at the length limit.
func (nm *NotificationManager) RecordingTimeExceeded(limit time.Duration) error {
	return nm.send(TypeWarning, fmt.Sprintf("Recording reached %s and was stopped automatically.", limit))
}

// SystemAudioUnavailable reports a session that fell back to the
// microphone only.
func (nm *NotificationManager) SystemAudioUnavailable() error {
	return nm.send(TypeWarning, "System audio could not be captured. Recording the microphone only.")
}

func (nm *NotificationManager) DeviceNotFound(name string) error {
	return nm.send(TypeWarning, withReason("Selected microphone is not connected, using the system default", name))
}

func (nm *NotificationManager) ModelNotFound(modelPath string) error {
	return nm.send(TypeError, fmt.Sprintf("Model file not found: %s", modelPath))
}

func (nm *NotificationManager) PasteComplete() error {
	return nm.send(TypeSuccess, "Text pasted")
}
