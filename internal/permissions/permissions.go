// Package permissions checks whether the process may use the microphone.
package permissions

// Status is the platform's microphone authorization state.
type Status int

// Values match AVAuthorizationStatus.
const (
	NotDetermined Status = iota
	Restricted
	Denied
	Authorized
)

func (s Status) String() string {
	switch s {
	case NotDetermined:
		return "not-determined"
	case Restricted:
		return "restricted"
	case Denied:
		return "denied"
	case Authorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Granted reports whether capture may proceed. NotDetermined counts as
// granted because opening the device triggers the system prompt.
func (s Status) Granted() bool {
	return s == Authorized || s == NotDetermined
}

// System checks the real platform permission.
type System struct{}

func (System) Microphone() (Status, error) { return Microphone() }
func (System) RequestMicrophone() error    { return RequestMicrophone() }
