package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "sshferry",
	Short: "SSH/SFTP transfer task runner",
	Long: `sshferry uploads and downloads files over SFTP, running stored and ad-hoc
scripts on the remote host around each transfer. Connection profiles and
scripts live in a local sqlite database.`,
	Version: "<unknown>",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional; flags and real env win over it
		_ = godotenv.Load()

		verbose, _ := cmd.Flags().GetCount("verbose")
		if verbose > 0 {
			switch verbose {
			case 1:
				logger.SetLevel(logger.InfoLevel)
			case 2:
				logger.SetLevel(logger.DebugLevel)
			default: // 3 or more
				logger.SetLevel(logger.TraceLevel)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	logger.SetLevel(logger.WarnLevel)
	RootCmd.PersistentFlags().CountP("verbose", "v", "Verbose output (use -v, -vv, or --verbose=N)")
	RootCmd.PersistentFlags().String("db", defaultStorePath(), "Path to the configuration database")
}
