package audio

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Backend names accepted in configuration.
const (
	BackendAuto      = "auto"
	BackendPortAudio = "portaudio"
	BackendMalgo     = "malgo"
)

// CaptureBackend describes one capture implementation. It is resolved once
// when a recording starts and then passed around by value.
type CaptureBackend struct {
	Name        string
	NewSource   func(log zerolog.Logger) Source
	ListDevices func() ([]AudioDevice, error)
}

// Valid reports whether the backend can create sources.
func (b CaptureBackend) Valid() bool {
	return b.NewSource != nil
}

var (
	portAudioBackend = CaptureBackend{
		Name:        BackendPortAudio,
		NewSource:   NewPortAudioSource,
		ListDevices: listPortAudioDevices,
	}
	malgoBackend = CaptureBackend{
		Name:        BackendMalgo,
		NewSource:   NewMalgoSource,
		ListDevices: listMalgoDevices,
	}

	// probes are package variables so tests can stub them out.
	probePortAudioFn = probePortAudio
	probeMalgoFn     = probeMalgo
)

// ResolveBackend returns the named backend. "auto" (or empty) prefers
// PortAudio and falls back to miniaudio when PortAudio has no input device.
func ResolveBackend(name string) (CaptureBackend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendPortAudio:
		return portAudioBackend, nil
	case BackendMalgo:
		return malgoBackend, nil
	case "", BackendAuto:
		paErr := probePortAudioFn()
		if paErr == nil {
			return portAudioBackend, nil
		}
		maErr := probeMalgoFn()
		if maErr == nil {
			return malgoBackend, nil
		}
		return CaptureBackend{}, fmt.Errorf("%w: no capture backend available (portaudio: %v; malgo: %v)",
			ErrDeviceUnavailable, paErr, maErr)
	default:
		return CaptureBackend{}, fmt.Errorf("unknown audio backend %q", name)
	}
}
