package cmd

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/josephlewis42/jobsh/core"
	"github.com/josephlewis42/jobsh/core/config"
	"github.com/spf13/cobra"
)

var (
	cfgPath     string
	commandLine string
)

// loadConfig reads the configuration, falling back to the defaults if the
// directory was never initialized.
func loadConfig(logger *log.Logger) (*config.Configuration, error) {
	configuration, err := config.Load(cfgPath)

	if errors.Is(err, fs.ErrNotExist) {
		logger.Printf("No configuration in %q, using defaults. Run init to create one.", cfgPath)
		return config.Default(), nil
	}

	return configuration, err
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jobsh",
	Short: "Job control shell",
	Long: `A small interactive shell that runs pipelines as process groups,
hands the terminal to foreground jobs and forwards interrupts to them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		logger := log.New(cmd.ErrOrStderr(), "", 0)
		configuration, err := loadConfig(logger)
		if err != nil {
			return err
		}

		shell, err := core.NewShell(configuration, core.Options{})
		if err != nil {
			return err
		}

		var status int
		if cmd.Flags().Changed("command") {
			status = shell.RunLine(commandLine)
		} else {
			status = shell.Run()
		}

		if err := shell.Close(); err != nil {
			logger.Printf("close: %v", err)
		}
		os.Exit(status)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".", "config path")
	rootCmd.Flags().StringVarP(&commandLine, "command", "c", "", "run a single line and exit with its status")
}
