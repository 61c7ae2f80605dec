package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var baseDir string

// envOverrides are environment settings that take precedence over the
// on-disk config, prefixed FIELDSYNC_ (e.g. FIELDSYNC_SERVER_URL).
type envOverrides struct {
	ServerURL string `envconfig:"SERVER_URL"`
	APIKey    string `envconfig:"API_KEY"`
	Scope     string `envconfig:"SCOPE"`
	LogFile   string `envconfig:"LOG_FILE"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

var env envOverrides

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync engine for field-service work orders",
	Long: `fieldsync keeps a technician's work orders usable offline: mutations
queue locally, photos compress and persist on-device, and everything
reconciles with the backend when connectivity returns.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "", "base directory (default: current directory)")
}

func initEnv() {
	// .env is optional; absence is the normal case on a device
	godotenv.Load()

	if err := envconfig.Process("fieldsync", &env); err != nil {
		fmt.Fprintf(os.Stderr, "bad environment: %v\n", err)
		os.Exit(1)
	}

	if baseDir == "" {
		dir, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine working directory: %v\n", err)
			os.Exit(1)
		}
		baseDir = dir
	}

	setupLogging()
}

func setupLogging() {
	level := slog.LevelInfo
	switch env.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out = os.Stderr
	handlerOpts := &slog.HandlerOptions{Level: level}
	if env.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   env.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     30, // days
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(rotating, handlerOpts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, handlerOpts)))
}
