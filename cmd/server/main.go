package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/orbit/internal/config"
	"github.com/manpreetbhatti/orbit/internal/logging"
)

var (
	// Global flags
	configFile string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "orbit",
	Short: "Orbit collaborative coding room server",
	Long: `Orbit serves shared coding rooms: a live code buffer, presence, and a chat
stream with an AI participant that answers questions about the code.

Running without a subcommand starts the server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(zap.NewNop(), configFile)
		if err != nil {
			return err
		}

		logger, err = logging.New(logging.Options{
			Level:       cfg.Log.Level,
			Development: cfg.Log.Development,
			Verbose:     verbose,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./orbit.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	tokenCmd.Flags().StringVar(&tokenUserID, "user-id", "", "User id to embed in the token")
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "Display name to embed in the token")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Look the identity up by account email instead")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
