package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Faultbox/l2dview/internal/expression"
	"github.com/Faultbox/l2dview/internal/puppet"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model3.json>",
		Short: "Show the files and parameter groups of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0])
		},
	}
}

func runInspect(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s, err := puppet.ParseSettings(data, filepath.ToSlash(path))
	if err != nil {
		return err
	}
	refs := s.FileReferences
	dir := filepath.Dir(path)

	fmt.Fprintf(w, "Model:    %s (version %d)\n", path, s.Version)
	if refs.Moc != "" {
		fmt.Fprintf(w, "Moc:      %s\n", refs.Moc)
	} else {
		fmt.Fprintln(w, "Moc:      none (default rig)")
	}
	if refs.Physics != "" {
		fmt.Fprintf(w, "Physics:  %s\n", refs.Physics)
	}

	fmt.Fprintf(w, "\nTextures (%d):\n", len(refs.Textures))
	for i, t := range refs.Textures {
		fmt.Fprintf(w, "  %2d  %s\n", i, t)
	}

	fmt.Fprintf(w, "\nExpressions (%d):\n", len(refs.Expressions))
	for _, e := range refs.Expressions {
		var status string
		if raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(e.File))); err != nil {
			status = "missing"
		} else if def, err := expression.Parse(raw, e.Name); err != nil {
			status = "invalid: " + err.Error()
		} else {
			status = fmt.Sprintf("%d parameters", len(def.Entries))
		}
		fmt.Fprintf(w, "  %-12s %-32s %s\n", e.Name, e.File, status)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "LipSync:  %v\n", s.GroupIDs(puppet.GroupLipSync))
	fmt.Fprintf(w, "EyeBlink: %v\n", s.GroupIDs(puppet.GroupEyeBlink))
	return nil
}
