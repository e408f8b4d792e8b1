package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version carries build-time metadata, set via -ldflags at build time.
type Version struct {
	// Vers is the git tag of the commit, or "tip" if untagged.
	Vers string
	// Date of compilation.
	Date string
	// Hash of the currently active git commit on build.
	Hash string
	// Verbose printing enabled for the string representation.
	Verbose bool
}

// String returns the semver-ish version, or an extended form when
// Verbose is set.
func (v Version) String() string {
	vers := v.Vers
	if vers == "" {
		vers = "v0.0.0-source"
	}
	if !v.Verbose {
		return vers
	}
	return fmt.Sprintf("%s-%s-%s", vers, v.Hash, v.Date)
}

// NewVersionCmd returns the "version" subcommand.
func NewVersionCmd(v Version) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print version information.

Use --verbose to also show the build date and commit hash.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			v.Verbose = verbose
			fmt.Fprintln(cmd.OutOrStdout(), v.String())
			return nil
		},
	}
	cmd.Flags().BoolP("verbose", "v", false, "include build date and commit hash")
	return cmd
}
