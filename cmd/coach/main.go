// Command coach is a terminal client for NAVYK coach conversations. It runs
// the same chat pipeline as the server against a chat function endpoint and
// keeps history in a local SQLite file.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"navyk-backend/internal/logging"
)

var (
	// Global flags
	verbose  bool
	dbPath   string
	endpoint string
	token    string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "coach",
	Short: "Chat with NAVYK career coaches from the terminal",
	Long: `coach talks to a NAVYK chat function and reveals each reply bubble by bubble.

History is stored locally, so a conversation picks up where it left off.
Set NAVYK_TOKEN (or pass --token) to a bearer token issued for your account;
"coach token" mints one when you know the server secret.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		var err error
		logger, err = logging.New(level, false)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".navyk", "coach.db")
	}
	return filepath.Join(home, ".navyk", "coach.db")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	godotenv.Load()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOr("NAVYK_DB", defaultDBPath()), "SQLite history file")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint",
		envOr("CHAT_FUNCTION_URL", "http://localhost:8080/api/v1/functions/coach-chat"), "Chat function URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("NAVYK_TOKEN"), "Bearer token")

	rootCmd.AddCommand(chatCmd, historyCmd, sessionsCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
