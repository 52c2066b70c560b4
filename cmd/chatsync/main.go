// Package main is an interactive terminal client for session event logs.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/sessionsync/internal/config"
	"github.com/capitalize-ai/sessionsync/internal/eventlog"
	"github.com/capitalize-ai/sessionsync/internal/synchronizer"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
)

var (
	configPath string
	clientCfg  *config.ClientConfig
	log        *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Chat with an agent over a session event log",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(configPath)
		if err != nil {
			return err
		}
		l, err := logger.NewStderr(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		logger.SetGlobal(l)
		clientCfg, log = cfg, l
		return nil
	},
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVar(&configPath, "config", filepath.Join(home, ".sessionsync", "client.yaml"), "client config file")
}

// newSynchronizer builds a synchronizer over the configured event log.
func newSynchronizer(opts synchronizer.Options) (*synchronizer.Synchronizer, error) {
	remote, err := eventlog.NewClient(eventlog.Config{
		BaseURL: clientCfg.BaseURL,
		Token:   clientCfg.Token,
		Timeout: clientCfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	moderation, err := eventlog.ParseModeration(clientCfg.Moderation)
	if err != nil {
		return nil, err
	}

	opts.PollInterval = clientCfg.PollInterval
	opts.Moderation = moderation
	opts.FetchRate = rate.Limit(clientCfg.FetchRate)
	opts.FetchBurst = clientCfg.FetchBurst
	opts.Logger = log
	return synchronizer.New(remote, opts), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
