//go:build !darwin

package permissions

// Other platforms have no per-app audio or accessibility consent.
type systemStatus struct{}

func (systemStatus) Microphone() PermissionStatus    { return PermissionAuthorized }
func (systemStatus) Accessibility() PermissionStatus { return PermissionAuthorized }
