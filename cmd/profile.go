package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/profiles"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// NewProfileCmd returns the "profile" command group, backed by
// pkg/profiles.Service.
func NewProfileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage device build profiles",
	}
	cmd.AddCommand(newProfileCreateCmd(a))
	cmd.AddCommand(newProfileUpdateCmd(a))
	cmd.AddCommand(newProfileGetCmd(a))
	cmd.AddCommand(newProfileListCmd(a))
	cmd.AddCommand(newProfileDeleteCmd(a))
	cmd.AddCommand(newProfileImportCmd(a))
	cmd.AddCommand(newProfileExportCmd(a))
	return cmd
}

func newProfileCreateCmd(a *app) *cobra.Command {
	var p types.Profile
	var tags, packages []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Tags = tags
			p.Packages = packages
			created, err := profiles.New(a.db, a.log).Create(&p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", created.ProfileID)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.ProfileID, "profile-id", "", "unique profile identifier (required)")
	cmd.Flags().StringVar(&p.Name, "name", "", "human-readable name (required)")
	cmd.Flags().StringVar(&p.DeviceID, "device-id", "", "target device identifier (required)")
	cmd.Flags().StringVar(&p.OpenWrtRelease, "release", "", "OpenWrt release, e.g. 23.05.3 (required)")
	cmd.Flags().StringVar(&p.Target, "target", "", "OpenWrt target (required)")
	cmd.Flags().StringVar(&p.Subtarget, "subtarget", "", "OpenWrt subtarget (required)")
	cmd.Flags().StringVar(&p.ImageBuilderProfile, "imagebuilder-profile", "", "Image Builder PROFILE value (required)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&packages, "package", nil, "extra package to install (repeatable)")
	for _, required := range []string{"profile-id", "name", "device-id", "release", "target", "subtarget", "imagebuilder-profile"} {
		_ = cmd.MarkFlagRequired(required)
	}
	return cmd
}

func newProfileUpdateCmd(a *app) *cobra.Command {
	var p types.Profile
	var tags, packages []string

	cmd := &cobra.Command{
		Use:               "update <profile_id>",
		Short:             "Replace an existing profile's definition",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: CompleteProfileIDList(a),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ProfileID = args[0]
			p.Tags = tags
			p.Packages = packages
			updated, err := profiles.New(a.db, a.log).Update(args[0], &p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", updated.ProfileID)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "human-readable name (required)")
	cmd.Flags().StringVar(&p.DeviceID, "device-id", "", "target device identifier (required)")
	cmd.Flags().StringVar(&p.OpenWrtRelease, "release", "", "OpenWrt release, e.g. 23.05.3 (required)")
	cmd.Flags().StringVar(&p.Target, "target", "", "OpenWrt target (required)")
	cmd.Flags().StringVar(&p.Subtarget, "subtarget", "", "OpenWrt subtarget (required)")
	cmd.Flags().StringVar(&p.ImageBuilderProfile, "imagebuilder-profile", "", "Image Builder PROFILE value (required)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&packages, "package", nil, "extra package to install (repeatable)")
	for _, required := range []string{"name", "device-id", "release", "target", "subtarget", "imagebuilder-profile"} {
		_ = cmd.MarkFlagRequired(required)
	}
	return cmd
}

func newProfileGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:               "get <profile_id>",
		Short:             "Print one profile",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: CompleteProfileIDList(a),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := profiles.New(a.db, a.log)
			p, err := svc.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s/%s/%s\n", p.ProfileID, p.Name, p.OpenWrtRelease, p.Target, p.Subtarget)
			return nil
		},
	}
}

func newProfileListCmd(a *app) *cobra.Command {
	var release, target, subtarget, deviceID string
	var tags []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles, optionally filtered",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := profiles.New(a.db, a.log)
			list, err := svc.Query(release, target, subtarget, deviceID, tags)
			if err != nil {
				return err
			}
			for _, p := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s/%s/%s\t%s\n",
					p.ProfileID, p.Name, p.OpenWrtRelease, p.Target, p.Subtarget, strings.Join(p.Tags, ","))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&release, "release", "", "filter by openwrt_release")
	cmd.Flags().StringVar(&target, "target", "", "filter by target")
	cmd.Flags().StringVar(&subtarget, "subtarget", "", "filter by subtarget")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "filter by device_id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable, all must match)")
	return cmd
}

func newProfileDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:               "delete <profile_id>",
		Short:             "Delete a profile",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: CompleteProfileIDList(a),
		RunE: func(cmd *cobra.Command, args []string) error {
			return profiles.New(a.db, a.log).Delete(args[0])
		},
	}
}

func newProfileImportCmd(a *app) *cobra.Command {
	var dir, pattern string
	var updateExisting bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import one profile, or a directory of profiles with --dir",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := profiles.New(a.db, a.log)
			if dir != "" {
				result, err := svc.ImportFromDirectory(dir, pattern, updateExisting)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d/%d (%d failed)\n", result.Succeeded, result.Total, result.Failed)
				for _, r := range result.Results {
					if !r.Success {
						fmt.Fprintf(cmd.OutOrStdout(), "  FAILED %s: %s\n", r.ProfileID, r.Error)
					}
				}
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("provide a profile file path, or --dir for a bulk import")
			}
			result := svc.ImportFromFile(args[0], updateExisting)
			if !result.Success {
				return fmt.Errorf("import failed: %s", result.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", result.ProfileID)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "import every matching file from this directory instead of a single file")
	cmd.Flags().StringVar(&pattern, "pattern", "*.yaml", "glob pattern used with --dir")
	cmd.Flags().BoolVar(&updateExisting, "update", false, "overwrite a profile that already exists")
	return cmd
}

func newProfileExportCmd(a *app) *cobra.Command {
	var dir, format string

	cmd := &cobra.Command{
		Use:               "export [profile_id...]",
		Short:             "Export one or more profiles to --dir, or a single profile to a file path",
		ValidArgsFunction: CompleteProfileIDList(a),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := profiles.New(a.db, a.log)
			if dir != "" {
				count, err := svc.ExportToDirectory(dir, args, format)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d profile(s) to %s\n", count, dir)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("exporting a single profile requires exactly one profile_id and --out, or use --dir for a bulk export")
			}
			out, err := cmd.Flags().GetString("out")
			if err != nil || out == "" {
				return fmt.Errorf("--out is required when not using --dir")
			}
			return svc.ExportToFile(args[0], out)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "export into this directory instead of a single file")
	cmd.Flags().String("out", "", "destination file path for a single-profile export")
	cmd.Flags().StringVar(&format, "format", "yaml", "export format for --dir (yaml|json)")
	return cmd
}
