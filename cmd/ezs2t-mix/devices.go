package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yok-tottii/EzS2T-Mix/internal/devices"
	"github.com/yok-tottii/EzS2T-Mix/internal/logger"
)

func newDevicesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input and output devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs, err := loadConfig(*flags)
			if err != nil {
				return err
			}
			defer logs.Close()

			sys, closeSys, err := openSystem(logs)
			if err != nil {
				return err
			}
			defer closeSys()

			reg := devices.New(sys, logs.Logger(logger.Devices))
			var selected string
			if id := cfg.RecordingSettings().SelectedMicrophoneID; id != nil {
				selected = *id
			}
			return printDevices(cmd.OutOrStdout(), reg, selected)
		},
	}
}

type deviceLister interface {
	ListInputDevices() []devices.Descriptor
	ListOutputDevices() []devices.Descriptor
}

// printDevices writes the inputs and outputs as a table. The selected
// input is starred.
func printDevices(w io.Writer, reg deviceLister, selected string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tID\tUID\tNAME\t")
	for _, d := range reg.ListInputDevices() {
		mark := ""
		if d.UID == selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "input\t%d\t%s\t%s\t%s\n", d.ID, d.UID, d.Name, mark)
	}
	for _, d := range reg.ListOutputDevices() {
		fmt.Fprintf(tw, "output\t%d\t%s\t%s\t\n", d.ID, d.UID, d.Name)
	}
	return tw.Flush()
}
