package main

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wfgen/wfgen/internal/truth"
)

func newConsolidateCmd(log *zerolog.Logger) *cobra.Command {
	var flagOut string

	cmd := &cobra.Command{
		Use:   "consolidate PATH...",
		Short: "Merge truth files into one report",
		Long: `Each PATH is a truth file or a truth folder; folders contribute every
truth_dev_*.json inside them. The merged report is written to --out, or to a
numbered sibling when that file already exists.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var paths []string
			for _, arg := range args {
				info, err := os.Stat(arg)
				if err != nil {
					return errors.Wrap(err, "stat truth path")
				}
				if !info.IsDir() {
					paths = append(paths, arg)
					continue
				}
				matches, err := filepath.Glob(filepath.Join(arg, "truth_dev_*.json"))
				if err != nil {
					return errors.Wrapf(err, "list %s", arg)
				}
				sort.Strings(matches)
				paths = append(paths, matches...)
			}
			if len(paths) == 0 {
				return errors.New("no truth files found")
			}
			data, err := truth.ConsolidatePaths(paths).Marshal()
			if err != nil {
				return errors.Wrap(err, "encode merged report")
			}
			target := truth.NextFreeName(flagOut)
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return errors.Wrap(err, "write merged report")
			}
			log.Info().Int("files", len(paths)).Str("report", target).Msg("truth consolidated")
			return nil
		},
	}

	cmd.Flags().StringVar(&flagOut, "out", truth.ReportName, "Merged report path")
	return cmd
}
