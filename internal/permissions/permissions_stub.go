//go:build !darwin

package permissions

// Microphone always reports Authorized; other platforms gate access when the
// device is opened.
func Microphone() (Status, error) {
	return Authorized, nil
}

// RequestMicrophone is a no-op on non-macOS platforms.
func RequestMicrophone() error {
	return nil
}
