package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petems/micrec/internal/config"
	"github.com/petems/micrec/internal/encoder"
	"github.com/petems/micrec/internal/observe"
	"github.com/petems/micrec/internal/recorder"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the microphone until Ctrl+C or the time limit",
	Example: `  micrec record
  micrec record --format mp3 --time-limit 30s -o memo.mp3
  micrec record --format ogg --channels 2 --sample-rate 48000`,
	RunE: runRecord,
}

func init() {
	addRecordFlags(recordCmd)
}

func addRecordFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("format", "", "output format: wav, mp3 or ogg")
	f.Duration("time-limit", 0, "stop automatically after this long")
	f.Int("sample-rate", 0, "capture sample rate (0 uses the device rate)")
	f.Int("channels", 0, "number of channels, 1 or 2")
	f.Bool("worker", true, "encode on a background worker")
	f.Duration("progress", time.Second, "progress report interval (0 disables)")
	f.StringP("output", "o", "", "output file (default <output_dir>/micrec-<time>.<ext>)")
	f.String("backend", "", "audio backend: auto, portaudio or malgo")
	f.String("device", "", "capture device ID (see 'micrec devices')")
}

// recorderOptions overlays the flags that were set on the configured
// recorder settings.
func recorderOptions(cmd *cobra.Command, base config.Recorder) (config.Recorder, error) {
	rc := base
	f := cmd.Flags()

	if f.Changed("format") {
		rc.Format, _ = f.GetString("format")
	}
	if f.Changed("time-limit") {
		d, _ := f.GetDuration("time-limit")
		rc.TimeLimit = &d
	}
	if f.Changed("sample-rate") {
		rc.SampleRate, _ = f.GetInt("sample-rate")
	}
	if f.Changed("channels") {
		rc.Channels, _ = f.GetInt("channels")
	}
	if f.Changed("worker") {
		rc.UseWorkerOffload, _ = f.GetBool("worker")
	}
	if f.Changed("progress") || rc.ProgressInterval == 0 {
		rc.ProgressInterval, _ = f.GetDuration("progress")
	}

	if err := rc.Validate(); err != nil {
		return config.Recorder{}, err
	}
	return rc, nil
}

// outputPath returns the explicit path or a timestamped name in dir.
func outputPath(explicit, dir string, kind encoder.Kind, now time.Time) string {
	if explicit != "" {
		return explicit
	}
	name := fmt.Sprintf("micrec-%s.%s", now.Format("20060102-150405"), kind.Extension())
	return filepath.Join(dir, name)
}

func runRecord(cmd *cobra.Command, args []string) error {
	rc, err := recorderOptions(cmd, cfg.Recorder)
	if err != nil {
		return err
	}
	kind, err := rc.Kind()
	if err != nil {
		return err
	}

	backendName := cfg.Audio.Backend
	if cmd.Flags().Changed("backend") {
		backendName, _ = cmd.Flags().GetString("backend")
	}
	deviceID := cfg.Audio.DeviceID
	if cmd.Flags().Changed("device") {
		deviceID, _ = cmd.Flags().GetString("device")
	}
	explicit, _ := cmd.Flags().GetString("output")
	out := outputPath(explicit, cfg.OutputDir, kind, time.Now())

	metrics, err := observe.NewMetrics(telemetry.MeterProvider())
	if err != nil {
		return err
	}

	session := recorder.New(recorder.Config{
		Metrics:     metrics,
		BackendName: backendName,
		DeviceID:    deviceID,
		Logger:      log,
		Callbacks: recorder.Callbacks{
			OnProgress: func(elapsedMs int64) {
				fmt.Fprintf(os.Stderr, "\rRecording... %s", time.Duration(elapsedMs)*time.Millisecond)
			},
			OnEncoderReady: func(k encoder.Kind) {
				log.Debug().Str("format", string(k)).Msg("Encoder ready")
			},
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx, rc); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Recording, press Ctrl+C to stop")

	var result encoder.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := session.Wait(context.Background())
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			// Interrupted: flush what was captured.
			_, err := session.Finish(context.Background())
			if errors.Is(err, recorder.ErrNotRecording) {
				return nil
			}
			return err
		case <-session.Done():
			return nil
		}
	})
	err = g.Wait()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("recording failed: %w", err)
	}

	if dir := filepath.Dir(out); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(out, result.Blob, 0644); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}

	log.Info().
		Str("path", out).
		Int("bytes", len(result.Blob)).
		Dur("duration", session.Elapsed()).
		Msg("Recording saved")
	fmt.Println(out)
	return nil
}
