package audio

import (
	"errors"
	"testing"
)

func stubProbes(t *testing.T, pa, ma error) {
	t.Helper()
	origPA, origMA := probePortAudioFn, probeMalgoFn
	probePortAudioFn = func() error { return pa }
	probeMalgoFn = func() error { return ma }
	t.Cleanup(func() {
		probePortAudioFn, probeMalgoFn = origPA, origMA
	})
}

func TestResolveBackend(t *testing.T) {
	probeErr := errors.New("no device")

	tests := []struct {
		name    string
		backend string
		pa, ma  error
		want    string
		wantErr bool
	}{
		{name: "explicit portaudio", backend: "portaudio", pa: probeErr, want: BackendPortAudio},
		{name: "explicit malgo", backend: "MALGO", want: BackendMalgo},
		{name: "auto prefers portaudio", backend: "auto", want: BackendPortAudio},
		{name: "empty means auto", backend: "", want: BackendPortAudio},
		{name: "auto falls back to malgo", backend: "auto", pa: probeErr, want: BackendMalgo},
		{name: "auto with nothing available", backend: "auto", pa: probeErr, ma: probeErr, wantErr: true},
		{name: "unknown", backend: "alsa", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubProbes(t, tt.pa, tt.ma)
			got, err := ResolveBackend(tt.backend)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got backend %q", got.Name)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Name != tt.want || !got.Valid() {
				t.Errorf("expected valid backend %q, got %q", tt.want, got.Name)
			}
		})
	}
}

func TestResolveBackendUnavailableIsDeviceError(t *testing.T) {
	stubProbes(t, errors.New("pa"), errors.New("ma"))
	_, err := ResolveBackend(BackendAuto)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}
