package cli

import (
	"os"
	"strings"

	"github.com/grovetools/ptyhost/config"
	"github.com/grovetools/ptyhost/errors"
	"github.com/grovetools/ptyhost/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// CommandOptions holds common options for ptyhost commands
type CommandOptions struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
}

// NewStandardCommand creates a new command with the standard ptyhost flags
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to ptyhost.yml config file")
	cmd.SetGlobalNormalizationFunc(normalizeFlagName)

	return cmd
}

// normalizeFlagName accepts config-style spellings such as --socket_path.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// GetLogger returns the logger for component, adjusted by command flags
func GetLogger(cmd *cobra.Command, component string) *logrus.Entry {
	entry := logging.NewLogger(component)

	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		entry.Logger.SetLevel(logrus.DebugLevel)
	}

	return entry
}

// GetOptions extracts common options from a command
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return CommandOptions{
		ConfigFile: configFile,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
	}
}

// InitConfig resolves the configuration file path. An empty path with a
// nil error means no file exists and defaults apply.
func InitConfig(configFile string) (string, error) {
	if configFile != "" {
		return configFile, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	foundConfigFile, err := config.FindConfigFile(cwd)
	if err != nil {
		if errors.Is(err, errors.ErrCodeConfigNotFound) {
			return "", nil
		}
		return "", err
	}

	return foundConfigFile, nil
}

// LoadConfig loads the configuration named by the --config flag or found
// by search, returning it with the path it came from.
func LoadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := InitConfig(GetOptions(cmd).ConfigFile)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
