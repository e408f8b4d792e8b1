package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/build"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/profiles"
)

// NewBuildCmd returns the "build" command group, backed by
// pkg/build.Service.
func NewBuildCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run or inspect device image builds",
	}
	cmd.AddCommand(newBuildRunCmd(a))
	cmd.AddCommand(newBuildShowCmd(a))
	cmd.AddCommand(newBuildListCmd(a))
	cmd.AddCommand(newBuildBatchCmd(a))
	return cmd
}

func (a *app) buildService() *build.Service {
	return build.New(a.db, a.log, build.Options{
		ArtifactsDir: a.settings.ArtifactsDir,
		BuildTimeout: time.Duration(a.settings.BuildTimeoutSeconds) * time.Second,
	})
}

// resolveBuildRequest loads the profile and its Image Builder, ensuring
// the latter is present, and assembles a build.Request.
func resolveBuildRequest(ctx context.Context, a *app, profileID string, forceRebuild bool) (build.Request, error) {
	row, err := a.db.GetProfileByProfileID(profileID)
	if err != nil {
		return build.Request{}, err
	}
	profile, err := profiles.New(a.db, a.log).Get(profileID)
	if err != nil {
		return build.Request{}, err
	}

	ibRec, err := a.imageBuilderService().Ensure(ctx, profile.OpenWrtRelease, profile.Target, profile.Subtarget, false)
	if err != nil {
		return build.Request{}, err
	}

	return build.Request{
		Profile:      profile,
		ProfileRowID: row.ID,
		ImageBuilder: ibRec,
		ForceRebuild: forceRebuild,
	}, nil
}

func newBuildRunCmd(a *app) *cobra.Command {
	var forceRebuild bool

	cmd := &cobra.Command{
		Use:   "run <profile_id>",
		Short: "Build (or reuse a cached build of) one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(a.settings.BuildTimeoutSeconds)*time.Second)
			defer cancel()

			req, err := resolveBuildRequest(ctx, a, args[0], forceRebuild)
			if err != nil {
				return err
			}
			outcome, err := a.buildService().BuildOrReuse(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "build %d\tstatus=%s\tcache_hit=%v\tartifacts=%d\n",
				outcome.Build.ID, outcome.Build.Status, outcome.IsCacheHit, len(outcome.Artifacts))
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceRebuild, "force", false, "rebuild even if a cached build matches")
	return cmd
}

func newBuildBatchCmd(a *app) *cobra.Command {
	var profileIDs []string
	var bestEffort bool
	var forceRebuild bool

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Build multiple profiles in sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var succeeded, failed, cacheHits int
			for i, profileID := range profileIDs {
				timeout := time.Duration(a.settings.BuildTimeoutSeconds) * time.Second
				runCtx, cancel := context.WithTimeout(ctx, timeout)
				req, err := resolveBuildRequest(runCtx, a, profileID, forceRebuild)
				if err == nil {
					var outcome *build.Outcome
					outcome, err = a.buildService().BuildOrReuse(runCtx, req)
					if err == nil {
						succeeded++
						if outcome.IsCacheHit {
							cacheHits++
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s\tOK\tbuild=%d\tcache_hit=%v\n", profileID, outcome.Build.ID, outcome.IsCacheHit)
					}
				}
				cancel()
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tFAILED\t%v\n", profileID, err)
					if !bestEffort {
						fmt.Fprintf(cmd.OutOrStdout(), "stopped early after %d/%d (%d succeeded, %d cache hits)\n",
							i+1, len(profileIDs), succeeded, cacheHits)
						return nil
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total=%d succeeded=%d failed=%d cache_hits=%d\n",
				len(profileIDs), succeeded, failed, cacheHits)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&profileIDs, "profile-id", nil, "profile to build (repeatable)")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "continue past failures instead of stopping at the first one")
	cmd.Flags().BoolVar(&forceRebuild, "force", false, "rebuild even if a cached build matches")
	_ = cmd.MarkFlagRequired("profile-id")
	return cmd
}

func newBuildShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <build_id>",
		Short: "Print a build and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var buildID int64
			if _, err := fmt.Sscanf(args[0], "%d", &buildID); err != nil {
				return fmt.Errorf("invalid build id %q: %w", args[0], err)
			}
			rec, err := a.buildService().Get(buildID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "build %d\tstatus=%s\tcache_key=%s\n", rec.ID, rec.Status, rec.CacheKey)

			artifacts, err := a.buildService().GetArtifacts(buildID)
			if err != nil {
				return err
			}
			for _, art := range artifacts {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\t%s\t%d bytes\t%s\n", art.Kind, art.Filename, art.SizeBytes, art.SHA256)
			}
			return nil
		},
	}
}

func newBuildListCmd(a *app) *cobra.Command {
	var profileID string
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds, optionally filtered by profile or status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var profileRowID int64
			if profileID != "" {
				row, err := a.db.GetProfileByProfileID(profileID)
				if err != nil {
					return err
				}
				profileRowID = row.ID
			}
			list, err := a.buildService().List(profileRowID, status)
			if err != nil {
				return err
			}
			for _, rec := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", rec.ID, rec.Status, rec.CacheKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profileID, "profile-id", "", "filter by profile_id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}
