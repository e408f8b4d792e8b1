package cmd

import (
	"fmt"
	"os"

	"github.com/ory/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/config"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/store"
)

// RootCommandConfig carries build-time metadata into the command tree.
type RootCommandConfig struct {
	Name    string // usually "owrt-imagegen"
	Date    string
	Version string
	Hash    string
}

// app bundles everything a subcommand needs to reach the core: the
// opened database handle and the logger every service is constructed
// with. It is populated once in the root command's PersistentPreRunE
// and threaded to subcommands via closures.
type app struct {
	settings config.Settings
	db       *store.DB
	log      *logrus.Logger
}

// NewRootCmd creates the root of the command tree: global flags,
// persistent setup of configuration/logging/database, and the
// profile/builder/build/flash/config subcommand groups. Running the
// resultant binary with no arguments prints the help/usage text.
func NewRootCmd(rcc RootCommandConfig) (*cobra.Command, error) {
	a := &app{}

	root := &cobra.Command{
		Use:           rcc.Name,
		Short:         "OpenWrt image build and flash orchestration",
		SilenceErrors: true, // errors are explicitly handled in Execute()
		SilenceUsage:  true,
		Long: `OpenWrt image build and flash orchestration

Manage device build profiles, maintain a cache of OpenWrt Image Builder
toolchains, run reproducible image builds, and flash the resulting
images to removable storage.`,
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()

	var logLevel string
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log verbosity (DEBUG|INFO|WARNING|ERROR|CRITICAL). Overrides OWRT_IMG_LOG_LEVEL")
	var cfgFile string
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config.yaml override. Overrides OWRT_IMG_CONFIG_FILE")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			os.Setenv("OWRT_IMG_CONFIG_FILE", cfgFile)
		}

		settings, err := config.NewDefault()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if logLevel != "" {
			settings.LogLevel = logLevel
		}

		log := logrus.New()
		level, err := logrus.ParseLevel(settings.LogLevel)
		if err != nil {
			level = logrus.InfoLevel
		}
		log.SetLevel(level)

		dbPath := dsnToPath(settings.DBURL)
		db, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening database at %s: %w", dbPath, err)
		}

		a.settings = settings
		a.db = db
		a.log = log
		return nil
	}
	root.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if a.db != nil {
			return a.db.Close()
		}
		return nil
	}

	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	v := Version{Date: rcc.Date, Vers: rcc.Version, Hash: rcc.Hash}
	root.Version = v.String()

	root.AddCommand(NewVersionCmd(v))
	root.AddCommand(NewConfigCmd(a))
	root.AddCommand(NewProfileCmd(a))
	root.AddCommand(NewBuilderCmd(a))
	root.AddCommand(NewBuildCmd(a))
	root.AddCommand(NewFlashCmd(a))

	return root, nil
}

// dsnToPath extracts a filesystem path from settings.DBURL, which is
// expressed as a "sqlite://" DSN. Any other scheme is passed through
// unchanged so a bare path also works.
func dsnToPath(dsn string) string {
	const prefix = "sqlite://"
	if len(dsn) >= len(prefix) && dsn[:len(prefix)] == prefix {
		return dsn[len(prefix):]
	}
	return dsn
}
