package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Faultbox/l2dview/internal/engine/audio"
	"github.com/Faultbox/l2dview/internal/lipsync"
)

func newEnergyCmd() *cobra.Command {
	var (
		window   int
		exponent float64
	)
	cmd := &cobra.Command{
		Use:   "energy <clip.wav>",
		Short: "Print the lip-sync energy of a WAV clip per analysis window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnergy(cmd.OutOrStdout(), args[0], window, exponent)
		},
	}
	cmd.Flags().IntVar(&window, "window", lipsync.DefaultWindow, "Samples per analysis window")
	cmd.Flags().Float64Var(&exponent, "exponent", lipsync.DefaultExponent, "Perceptual exponent applied to the RMS")
	return cmd
}

const barWidth = 40

func runEnergy(w io.Writer, path string, window int, exponent float64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	levels, step, err := audio.Energy(data, window, func(s []float32) float32 {
		return lipsync.Energy(s, exponent)
	})
	if err != nil {
		return err
	}

	for i, l := range levels {
		at := time.Duration(i) * step
		n := int(l*barWidth + 0.5)
		fmt.Fprintf(w, "%8.3fs  %.3f  %s\n", at.Seconds(), l, strings.Repeat("#", n))
	}
	fmt.Fprintf(w, "%d windows of %v\n", len(levels), step)
	return nil
}
