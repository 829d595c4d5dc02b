// Package main is the entry point for the antigravity CLI: a local
// multi-modal chat assistant that serves text, image and voice turns from
// models on this machine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/normanking/antigravity/internal/config"
	"github.com/normanking/antigravity/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool

	cfg *config.Config
	log *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "antigravity",
		Short: "antigravity - local multi-modal chat assistant",
		Long: `antigravity runs chat turns against local inference servers:
  • text from GGUF models through llama.cpp
  • images through a diffusion API
  • speech recognition and synthesis

Start the HTTP API:   antigravity serve
Chat in the terminal: antigravity chat
Manage models:        antigravity models list`,
		PersistentPreRunE: initLogging,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Close()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.antigravity/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("antigravity v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(voicesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initLogging loads the configuration and installs the global logger.
func initLogging(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Logging.Level)
	if verbose {
		logCfg.Level = logging.LevelDebug
	}
	logCfg.FilePath = cfg.Logging.File

	log = logging.New(logCfg)
	logging.SetGlobal(log)

	zl := log.Zerolog()
	zl.Debug().
		Str("config", cfg.Path()).
		Str("log_file", cfg.Logging.File).
		Msg("antigravity starting")
	return nil
}
