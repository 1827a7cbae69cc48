package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petems/micrec/internal/audio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := cfg.Audio.Backend
		if cmd.Flags().Changed("backend") {
			name, _ = cmd.Flags().GetString("backend")
		}

		backend, err := audio.ResolveBackend(name)
		if err != nil {
			return err
		}
		devices, err := backend.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Fprintf(os.Stderr, "No capture devices found (%s)\n", backend.Name)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDEFAULT")
		for _, d := range devices {
			def := ""
			if d.Default {
				def = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Name, def)
		}
		return w.Flush()
	},
}

func init() {
	devicesCmd.Flags().String("backend", "", "audio backend: auto, portaudio or malgo")
}
