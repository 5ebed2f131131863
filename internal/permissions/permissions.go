// Package permissions checks the system permissions recording and text
// injection depend on.
package permissions

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PermissionStatus represents the status of a system permission
type PermissionStatus int

const (
	// PermissionNotDetermined means the user hasn't been asked yet
	PermissionNotDetermined PermissionStatus = 0
	// PermissionRestricted means the permission is restricted by parental controls
	PermissionRestricted PermissionStatus = 1
	// PermissionDenied means the user has explicitly denied the permission
	PermissionDenied PermissionStatus = 2
	// PermissionAuthorized means the user has authorized the permission
	PermissionAuthorized PermissionStatus = 3
)

var (
	// ErrMicrophoneDenied refuses a recording start.
	ErrMicrophoneDenied = errors.New("microphone access not granted")
	// ErrAccessibilityDenied refuses text injection.
	ErrAccessibilityDenied = errors.New("accessibility access not granted")
)

const (
	microphoneSettingsURL    = "x-apple.systempreferences:com.apple.preference.security?Privacy_Microphone"
	accessibilitySettingsURL = "x-apple.systempreferences:com.apple.preference.security?Privacy_Accessibility"
)

// StatusReader reads permission state from the operating system.
type StatusReader interface {
	Microphone() PermissionStatus
	Accessibility() PermissionStatus
}

// PermissionChecker provides methods for checking system permissions
type PermissionChecker struct {
	status StatusReader
	open   func(url string) error
}

// NewPermissionChecker creates a checker backed by the operating system.
func NewPermissionChecker() *PermissionChecker {
	return NewPermissionCheckerWith(systemStatus{})
}

// NewPermissionCheckerWith creates a checker backed by p.
func NewPermissionCheckerWith(p StatusReader) *PermissionChecker {
	return &PermissionChecker{status: p, open: openURL}
}

func openURL(url string) error {
	return exec.Command("open", url).Run()
}

// CheckMicrophonePermission returns the microphone permission status
func (pc *PermissionChecker) CheckMicrophonePermission() PermissionStatus {
	return pc.status.Microphone()
}

// CheckAccessibilityPermission returns the accessibility permission status
func (pc *PermissionChecker) CheckAccessibilityPermission() PermissionStatus {
	return pc.status.Accessibility()
}

// IsMicrophoneAuthorized returns whether microphone permission is granted
func (pc *PermissionChecker) IsMicrophoneAuthorized() bool {
	return pc.CheckMicrophonePermission() == PermissionAuthorized
}

// IsAccessibilityAuthorized returns whether accessibility permission is granted
func (pc *PermissionChecker) IsAccessibilityAuthorized() bool {
	return pc.CheckAccessibilityPermission() == PermissionAuthorized
}

// RequireMicrophone gates a recording start. An undetermined status passes:
// opening the input stream is what triggers the system prompt.
func (pc *PermissionChecker) RequireMicrophone() error {
	switch st := pc.CheckMicrophonePermission(); st {
	case PermissionAuthorized, PermissionNotDetermined:
		return nil
	default:
		return fmt.Errorf("%w (%s)", ErrMicrophoneDenied, st)
	}
}

// RequireAccessibility gates synthetic key events.
func (pc *PermissionChecker) RequireAccessibility() error {
	if !pc.IsAccessibilityAuthorized() {
		return ErrAccessibilityDenied
	}
	return nil
}

// RequestMicrophonePermission opens system settings for microphone permission
func (pc *PermissionChecker) RequestMicrophonePermission() error {
	return pc.open(microphoneSettingsURL)
}

// RequestAccessibilityPermission opens system settings for accessibility permission
func (pc *PermissionChecker) RequestAccessibilityPermission() error {
	return pc.open(accessibilitySettingsURL)
}

// PermissionStatus string representation
func (ps PermissionStatus) String() string {
	switch ps {
	case PermissionNotDetermined:
		return "NotDetermined"
	case PermissionRestricted:
		return "Restricted"
	case PermissionDenied:
		return "Denied"
	case PermissionAuthorized:
		return "Authorized"
	default:
		return "Unknown"
	}
}

// CheckAllPermissions checks both microphone and accessibility permissions
func (pc *PermissionChecker) CheckAllPermissions() map[string]bool {
	return map[string]bool{
		"microphone":    pc.IsMicrophoneAuthorized(),
		"accessibility": pc.IsAccessibilityAuthorized(),
	}
}

// AreAllPermissionsGranted returns whether all required permissions are granted
func (pc *PermissionChecker) AreAllPermissionsGranted() bool {
	for _, granted := range pc.CheckAllPermissions() {
		if !granted {
			return false
		}
	}
	return true
}

// GetPermissionStatusMessage returns a human-readable message for a permission status
func GetPermissionStatusMessage(status PermissionStatus) string {
	switch status {
	case PermissionNotDetermined:
		return "Permission not yet determined"
	case PermissionRestricted:
		return "Permission restricted by parental controls"
	case PermissionDenied:
		return "Permission denied"
	case PermissionAuthorized:
		return "Permission authorized"
	default:
		return "Unknown permission status"
	}
}

// GetMissingPermissionsMessage returns a message listing missing permissions
func (pc *PermissionChecker) GetMissingPermissionsMessage() string {
	var missing []string
	if !pc.IsMicrophoneAuthorized() {
		missing = append(missing, "Microphone")
	}
	if !pc.IsAccessibilityAuthorized() {
		missing = append(missing, "Accessibility")
	}
	if len(missing) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("The following permissions are required:\n")
	for _, perm := range missing {
		b.WriteString("  • " + perm + "\n")
	}
	return b.String()
}
