package main

import (
	"fmt"
	"io"
	"math/rand"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Faultbox/l2dview/internal/config"
	"github.com/Faultbox/l2dview/internal/lipsync"
)

func newVisemesCmd() *cobra.Command {
	var seed int64
	cmd := &cobra.Command{
		Use:   "visemes <text>",
		Short: "Print the scripted lip-sync schedule for text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVisemes(cmd.OutOrStdout(), strings.Join(args, " "), seed)
		},
	}
	cmd.Flags().Int64Var(&seed, "seed", 1, "Seed for pulse jitter")
	return cmd
}

func runVisemes(w io.Writer, text string, seed int64) error {
	cfg := lipsync.ConfigFrom(config.Default().LipSync)
	s := lipsync.Plan(text, cfg, rand.New(rand.NewSource(seed)))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tVISEME\tTOKEN")
	for _, p := range s.Pulses {
		fmt.Fprintf(tw, "%v\t%v\t%s\t%s\n", p.Start, p.End(), p.Viseme.Name, p.Token)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d pulses, done at %v\n", len(s.Pulses), s.End)
	return nil
}
