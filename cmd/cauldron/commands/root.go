package commands

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whatevermarch/Cauldron/internal/config"
	"github.com/whatevermarch/Cauldron/internal/logging"
)

var (
	cfgFile string
	verbose bool
	quiet   bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cauldron",
	Short: "Linear GPU buffer pools on a software device",
	Long: `Cauldron sub-allocates GPU buffer memory from fixed-size pools.

Each pool reserves host-visible memory, device-local memory or both, hands
out 256-byte aligned ranges from a bump cursor and copies staged data into
video memory on request. The commands here drive pools against a software
device so allocation, upload and teardown can be inspected end to end.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cauldron/config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "no log output on the console")

	defaults := config.DefaultConfig()
	flags.String("name", defaults.Pool.Name, "pool name used for buffer labels")
	flags.Uint32("capacity", defaults.Pool.Capacity, "pool capacity in bytes")
	flags.String("mode", defaults.Pool.Mode, "pool usage mode (host, device, staging)")
	flags.String("strategy", defaults.Device.Strategy, "allocation strategy (managed, raw)")
	flags.String("log-level", defaults.Logging.Level, "log level (debug, info, warn, error)")

	viper.BindPFlag("pool.name", flags.Lookup("name"))
	viper.BindPFlag("pool.capacity", flags.Lookup("capacity"))
	viper.BindPFlag("pool.mode", flags.Lookup("mode"))
	viper.BindPFlag("device.strategy", flags.Lookup("strategy"))
	viper.BindPFlag("logging.level", flags.Lookup("log-level"))

	registerFlagCompletions(rootCmd)
}

// loadConfig reads the config file, environment and flags, then sets up logging
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.LoadWith(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	if verbose {
		c.Logging.Level = "debug"
	}
	if quiet {
		c.Logging.Console = false
	}

	if err := logging.Init(logging.Options{
		Level:   c.Logging.Level,
		File:    c.Logging.File,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
	}); err != nil {
		return errors.Wrap(err, "initializing logging")
	}
	if used := viper.ConfigFileUsed(); used != "" {
		logging.Debugf("using config file %s", used)
	}

	cfg = c
	return nil
}
