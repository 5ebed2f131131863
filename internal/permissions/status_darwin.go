package permissions

/*
#cgo CFLAGS: -x objective-c -fmodules
#cgo LDFLAGS: -framework AVFoundation -framework ApplicationServices

#import <AVFoundation/AVFoundation.h>
#import <ApplicationServices/ApplicationServices.h>

int check_microphone_permission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

int check_accessibility_permission() {
    Boolean isAccessibilityEnabled = AXIsProcessTrusted();
    return isAccessibilityEnabled ? 1 : 0;
}
*/
import "C"

type systemStatus struct{}

func (systemStatus) Microphone() PermissionStatus {
	return PermissionStatus(C.check_microphone_permission())
}

func (systemStatus) Accessibility() PermissionStatus {
	if C.check_accessibility_permission() == 1 {
		return PermissionAuthorized
	}
	return PermissionDenied
}
