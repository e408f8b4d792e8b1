// Package buildrunner composes and executes the Image Builder "make image"
// invocation against an extracted Image Builder root, capturing combined
// stdout/stderr to a log file and enforcing a timeout via the process
// context.
package buildrunner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// Result is the outcome of one make image invocation.
type Result struct {
	Success     bool
	ExitCode    int
	BinDir      string
	LogPath     string
	StartedAt   time.Time
	FinishedAt  time.Time
	Command     string
	ErrorMessage string
}

// Options configures one build execution.
type Options struct {
	ImageBuilderRoot string
	BuildDir         string
	FilesDir         string
	ExtraPackages    []string
	ExtraImageName   string
	Timeout          time.Duration
	EnvOverride      map[string]string
}

// Runner executes Image Builder commands with a single injected logger.
type Runner struct {
	log *logrus.Entry
}

// New returns a Runner.
func New(log *logrus.Logger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{log: log.WithField("component", "buildrunner")}
}

// ComposePackagesArg merges packages to install, extra build-time packages,
// and removals (emitted as "-pkg") into the single PACKAGES string Image
// Builder expects, de-duplicating removals against installs.
func ComposePackagesArg(packages, packagesRemove, extraPackages []string) string {
	var parts []string
	parts = append(parts, packages...)
	parts = append(parts, extraPackages...)

	for _, pkg := range packagesRemove {
		parts = removeString(parts, pkg)
		removal := "-" + pkg
		if !containsString(parts, removal) {
			parts = append(parts, removal)
		}
	}

	return strings.Join(parts, " ")
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// ComposeMakeCommand builds the `make image` argument list for profile.
func ComposeMakeCommand(profile *types.Profile, binDir, filesDir string, extraPackages []string, extraImageName string) []string {
	cmd := []string{"make", "image"}
	cmd = append(cmd, "PROFILE="+profile.ImageBuilderProfile)

	if packagesArg := ComposePackagesArg(profile.Packages, profile.PackagesRemove, extraPackages); packagesArg != "" {
		cmd = append(cmd, "PACKAGES="+packagesArg)
	}

	if filesDir != "" {
		if _, err := os.Stat(filesDir); err == nil {
			cmd = append(cmd, "FILES="+filesDir)
		}
	}

	cmd = append(cmd, "BIN_DIR="+binDir)

	effectiveExtraName := extraImageName
	if effectiveExtraName == "" {
		effectiveExtraName = profile.ExtraImageName
	}
	if effectiveExtraName != "" {
		cmd = append(cmd, "EXTRA_IMAGE_NAME="+effectiveExtraName)
	}

	if len(profile.DisabledServices) > 0 {
		cmd = append(cmd, "DISABLED_SERVICES="+strings.Join(profile.DisabledServices, " "))
	}

	if profile.RootfsPartsize != nil {
		cmd = append(cmd, "ROOTFS_PARTSIZE="+strconv.Itoa(*profile.RootfsPartsize))
	}

	if profile.AddLocalKey != nil && *profile.AddLocalKey {
		cmd = append(cmd, "ADD_LOCAL_KEY=1")
	}

	return cmd
}

// Run executes one Image Builder build, writing the log file with a header
// (command, start time, working directory) and footer (finish time, exit
// code, duration) around the captured process output.
func (r *Runner) Run(ctx context.Context, profile *types.Profile, opts Options) (*Result, error) {
	if err := os.MkdirAll(opts.BuildDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to create build directory", err)
	}
	binDir := filepath.Join(opts.BuildDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to create bin directory", err)
	}
	logPath := filepath.Join(opts.BuildDir, "build.log")

	cmd := ComposeMakeCommand(profile, binDir, opts.FilesDir, opts.ExtraPackages, opts.ExtraImageName)
	cmdStr := strings.Join(cmd, " ")

	r.log.WithFields(logrus.Fields{
		"command": cmdStr,
		"cwd":     opts.ImageBuilderRoot,
		"bin_dir": binDir,
	}).Info("executing build")

	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to create build log", err)
	}

	startedAt := time.Now().UTC()
	w := bufio.NewWriter(logFile)
	fmt.Fprintf(w, "# Command: %s\n", cmdStr)
	fmt.Fprintf(w, "# Started: %s\n", startedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "# CWD: %s\n", opts.ImageBuilderRoot)
	fmt.Fprintf(w, "# %s\n\n", strings.Repeat("=", 70))
	w.Flush()

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	execCmd.Dir = opts.ImageBuilderRoot
	execCmd.Stdout = logFile
	execCmd.Stderr = logFile
	if len(opts.EnvOverride) > 0 {
		env := os.Environ()
		for k, v := range opts.EnvOverride {
			env = append(env, k+"="+v)
		}
		execCmd.Env = env
	}

	runErr := execCmd.Run()
	finishedAt := time.Now().UTC()

	exitCode := 0
	success := true
	var errorMessage string

	if runCtx.Err() == context.DeadlineExceeded {
		exitCode = -1
		success = false
		errorMessage = fmt.Sprintf("build timed out after %s", opts.Timeout)
		r.log.WithField("log_path", logPath).Error(errorMessage)
		fmt.Fprintf(logFile, "\n# TIMEOUT after %s\n", opts.Timeout)
		logFile.Close()
		return nil, errs.New(errs.KindBuildTimeout, errorMessage)
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			success = false
			errorMessage = fmt.Sprintf("build failed with exit code %d", exitCode)
			r.log.WithField("log_path", logPath).Error(errorMessage)
		} else {
			logFile.Close()
			return nil, errs.Wrap(errs.KindExecutionError, "failed to execute build", runErr)
		}
	}

	fmt.Fprintf(logFile, "\n# Finished: %s\n", finishedAt.Format(time.RFC3339))
	fmt.Fprintf(logFile, "# Exit code: %d\n", exitCode)
	fmt.Fprintf(logFile, "# Duration: %.1fs\n", finishedAt.Sub(startedAt).Seconds())
	logFile.Close()

	return &Result{
		Success:      success,
		ExitCode:     exitCode,
		BinDir:       binDir,
		LogPath:      logPath,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		Command:      cmdStr,
		ErrorMessage: errorMessage,
	}, nil
}

// ValidateImageBuilderRoot reports whether root looks like an extracted
// Image Builder tree (has a Makefile plus target/ and packages/ dirs).
func ValidateImageBuilderRoot(root string) bool {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return false
	}
	if _, err := os.Stat(filepath.Join(root, "Makefile")); err != nil {
		return false
	}
	for _, d := range []string{"target", "packages"} {
		info, err := os.Stat(filepath.Join(root, d))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// MakeInfo is the parsed output of `make info`.
type MakeInfo struct {
	RawOutput string
	Profiles  []string
}

// GetMakeInfo runs `make info` against imagebuilderRoot and extracts the
// list of available Image Builder profile names from its output.
func (r *Runner) GetMakeInfo(ctx context.Context, imagebuilderRoot string, timeout time.Duration) (*MakeInfo, error) {
	if !ValidateImageBuilderRoot(imagebuilderRoot) {
		return nil, errs.New(errs.KindInvalidImageBuilder, "invalid image builder root: "+imagebuilderRoot)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "make", "info")
	cmd.Dir = imagebuilderRoot
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, errs.New(errs.KindTimeout, fmt.Sprintf("make info timed out after %s", timeout))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindMakeInfoError, "make info failed: "+stderr.String(), err)
	}

	info := &MakeInfo{RawOutput: stdout.String()}
	for _, line := range strings.Split(stdout.String(), "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasSuffix(stripped, ":") && !strings.HasPrefix(line, " ") {
			name := strings.TrimSuffix(stripped, ":")
			if name != "Packages" && name != "Default Packages" {
				info.Profiles = append(info.Profiles, name)
			}
		}
	}
	return info, nil
}
