package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/imagebuilder"
)

// NewBuilderCmd returns the "builder" command group, backed by
// pkg/imagebuilder.Service. It manages the per-(release,target,subtarget)
// Image Builder cache.
func NewBuilderCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builder",
		Short: "Manage the cached Image Builder toolchains",
	}
	cmd.AddCommand(newBuilderEnsureCmd(a))
	cmd.AddCommand(newBuilderGetCmd(a))
	cmd.AddCommand(newBuilderListCmd(a))
	cmd.AddCommand(newBuilderPruneCmd(a))
	cmd.AddCommand(newBuilderCacheInfoCmd(a))
	return cmd
}

func (a *app) imageBuilderService() *imagebuilder.Service {
	return imagebuilder.New(a.db, a.log, imagebuilder.Options{
		CacheDir: a.settings.CacheDir,
		Offline:  a.settings.Offline,
	})
}

func newBuilderEnsureCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "ensure <release> <target> <subtarget>",
		Short: "Download and extract an Image Builder toolchain if not already cached",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(a.settings.DownloadTimeoutSeconds)*time.Second)
			defer cancel()

			rec, err := a.imageBuilderService().Ensure(ctx, args[0], args[1], args[2], force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s\t%s\t%s\n", rec.OpenWrtRelease, rec.Target, rec.Subtarget, rec.State, rec.RootDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-download and re-extract even if already READY")
	return cmd
}

func newBuilderGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <release> <target> <subtarget>",
		Short: "Print one cached Image Builder's record, if any",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.imageBuilderService().Get(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s\t%s\t%s\n", rec.OpenWrtRelease, rec.Target, rec.Subtarget, rec.State, rec.RootDir)
			return nil
		},
	}
}

func newBuilderListCmd(a *app) *cobra.Command {
	var release, target, subtarget, state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached Image Builders",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.db.ListImageBuilders(release, target, subtarget, state)
			if err != nil {
				return err
			}
			for _, rec := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s\t%s\t%s\n", rec.OpenWrtRelease, rec.Target, rec.Subtarget, rec.State, rec.RootDir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&release, "release", "", "filter by openwrt_release")
	cmd.Flags().StringVar(&target, "target", "", "filter by target")
	cmd.Flags().StringVar(&subtarget, "subtarget", "", "filter by subtarget")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (pending|ready|broken|deprecated)")
	return cmd
}

func newBuilderPruneCmd(a *app) *cobra.Command {
	var deprecatedOnly bool
	var unusedDays int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cached Image Builders that are deprecated or unused",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := imagebuilder.PruneOptions{DeprecatedOnly: deprecatedOnly, DryRun: dryRun}
			if unusedDays > 0 {
				opts.UnusedDays = &unusedDays
			}
			pruned, err := a.imageBuilderService().Prune(opts)
			if err != nil {
				return err
			}
			for _, key := range pruned {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s\n", key.Release, key.Target, key.Subtarget)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deprecatedOnly, "deprecated-only", false, "only prune builders marked deprecated")
	cmd.Flags().IntVar(&unusedDays, "unused-days", 0, "prune builders not used in this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without removing anything")
	return cmd
}

func newBuilderCacheInfoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache-info",
		Short: "Report total disk usage of the Image Builder cache directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := imagebuilder.CacheSize(a.settings.CacheDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", a.settings.CacheDir, size)
			return nil
		},
	}
	return cmd
}
