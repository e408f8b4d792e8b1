package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/flash"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// NewFlashCmd returns the "flash" command group, backed by
// pkg/flash.Service.
func NewFlashCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Write built images to removable storage",
	}
	cmd.AddCommand(newFlashRunCmd(a))
	cmd.AddCommand(newFlashPlanCmd(a))
	cmd.AddCommand(newFlashListCmd(a))
	cmd.AddCommand(newFlashGetCmd(a))
	return cmd
}

func (a *app) flashService() *flash.Service {
	return flash.New(a.db, a.log, flash.Options{ArtifactsDir: a.settings.ArtifactsDir})
}

func newFlashRunCmd(a *app) *cobra.Command {
	var artifactID int64
	var imagePath, devicePath, verificationMode, expectedHash string
	var wipeBefore, dryRun, skipMountCheck, skipSystemDeviceCheck bool

	cmd := &cobra.Command{
		Use:   "run --device <path> (--artifact-id <id> | --image <path>)",
		Short: "Flash an image to a device, verifying the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifactID == 0 && imagePath == "" {
				return fmt.Errorf("one of --artifact-id or --image is required")
			}
			if devicePath == "" {
				return fmt.Errorf("--device is required")
			}

			req := flash.Request{
				ImagePath:             imagePath,
				DevicePath:            devicePath,
				WipeBefore:            wipeBefore,
				VerificationMode:      types.VerificationMode(verificationMode),
				DryRun:                dryRun,
				SkipMountCheck:        skipMountCheck,
				SkipSystemDeviceCheck: skipSystemDeviceCheck,
				ExpectedHash:          expectedHash,
			}

			var result *flash.Result
			var err error
			if artifactID != 0 {
				result, err = a.flashService().FlashArtifact(artifactID, req)
			} else {
				result, err = a.flashService().Flash(req)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "success=%v bytes=%d verification=%s\n",
				result.Success, result.BytesWritten, result.VerificationResult)
			if !result.Success {
				return fmt.Errorf("flash failed: %s", result.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&artifactID, "artifact-id", 0, "flash a previously built artifact by id")
	cmd.Flags().StringVar(&imagePath, "image", "", "flash an arbitrary image file instead of a tracked artifact")
	cmd.Flags().StringVar(&devicePath, "device", "", "target block device path (required)")
	cmd.Flags().BoolVar(&wipeBefore, "wipe", false, "zero-fill the device before writing")
	cmd.Flags().StringVar(&verificationMode, "verification-mode", string(types.VerifyFull), "full-hash|prefix-16MiB|prefix-64MiB|skipped")
	cmd.Flags().StringVar(&expectedHash, "expected-hash", "", "expected sha256 of the image, overriding the artifact's recorded hash")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and report without writing")
	cmd.Flags().BoolVar(&skipMountCheck, "skip-mount-check", false, "allow flashing a mounted device (dangerous)")
	cmd.Flags().BoolVar(&skipSystemDeviceCheck, "skip-system-device-check", false, "allow flashing the system/root device (dangerous)")
	if err := cmd.RegisterFlagCompletionFunc("verification-mode", CompleteVerificationModeList); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "internal: error registering verification-mode completion:", err)
	}
	return cmd
}

func newFlashPlanCmd(a *app) *cobra.Command {
	var imagePath, devicePath, verificationMode string
	var wipeBefore, skipMountCheck, skipSystemDeviceCheck bool

	cmd := &cobra.Command{
		Use:   "plan --image <path> --device <path>",
		Short: "Validate an image and device without writing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if imagePath == "" || devicePath == "" {
				return fmt.Errorf("--image and --device are both required")
			}
			plan, err := a.flashService().Plan(flash.Request{
				ImagePath:             imagePath,
				DevicePath:            devicePath,
				WipeBefore:            wipeBefore,
				VerificationMode:      types.VerificationMode(verificationMode),
				SkipMountCheck:        skipMountCheck,
				SkipSystemDeviceCheck: skipSystemDeviceCheck,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "image=%s (%d bytes)\tdevice=%s (%s)\n",
				plan.ImagePath, plan.ImageSize, plan.DevicePath, plan.DeviceInfo.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "image file to validate (required)")
	cmd.Flags().StringVar(&devicePath, "device", "", "target block device path (required)")
	cmd.Flags().BoolVar(&wipeBefore, "wipe", false, "plan a zero-fill before writing")
	cmd.Flags().StringVar(&verificationMode, "verification-mode", string(types.VerifyFull), "full-hash|prefix-16MiB|prefix-64MiB|skipped")
	cmd.Flags().BoolVar(&skipMountCheck, "skip-mount-check", false, "allow a mounted device (dangerous)")
	cmd.Flags().BoolVar(&skipSystemDeviceCheck, "skip-system-device-check", false, "allow the system/root device (dangerous)")
	if err := cmd.RegisterFlagCompletionFunc("verification-mode", CompleteVerificationModeList); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "internal: error registering verification-mode completion:", err)
	}
	return cmd
}

func newFlashGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <flash_id>",
		Short: "Print one flash record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var flashID int64
			if _, err := fmt.Sscanf(args[0], "%d", &flashID); err != nil {
				return fmt.Errorf("invalid flash id %q: %w", args[0], err)
			}
			rec, err := a.flashService().GetFlash(flashID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", rec.ID, rec.DevicePath, rec.Status, rec.VerificationResult)
			return nil
		},
	}
}

func newFlashListCmd(a *app) *cobra.Command {
	var artifactID int64
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flash records, optionally filtered",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.flashService().ListFlashes(artifactID, status)
			if err != nil {
				return err
			}
			for _, rec := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", rec.ID, rec.DevicePath, rec.Status, rec.VerificationResult)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&artifactID, "artifact-id", 0, "filter by artifact id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}
