// Package cli implements the chatsync command line.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bhandras/chatsync/internal/config"
	"github.com/bhandras/chatsync/internal/version"
	"github.com/bhandras/chatsync/pkg/logger"
	"github.com/spf13/cobra"
)

// tokenFileName is the file under the home directory holding the bearer
// token written by the sign-in flow.
const tokenFileName = "access.token"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	server      string
	token       string
	home        string
	debug       bool
	metricsAddr string
}

// NewRootCommand builds the chatsync command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Support chat client for the maintenance service",
		Long: `chatsync keeps a live, deduplicated view of your support conversation
by merging the message store, the realtime gateway and your own sends.`,
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", "", "API server URL (overrides config)")
	flags.StringVar(&opts.token, "token", "", "bearer token (overrides config and access.token)")
	flags.StringVar(&opts.home, "home", "", "chatsync home directory (default $CHATSYNC_HOME_DIR or ~/.chatsync)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newChatCommand(opts),
		newSendCommand(opts),
		newHistoryCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chatsync version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s\n", version.Full())
		},
	}
}

// loadConfig resolves configuration and applies flag overrides on top.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if home := strings.TrimSpace(o.home); home != "" {
		cfg, err = config.LoadFrom(home)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if o.server != "" {
		cfg.ServerURL = strings.TrimRight(o.server, "/")
	}
	if o.debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	if o.token != "" {
		cfg.Token = strings.TrimSpace(o.token)
	}
	if cfg.Token == "" {
		token, err := readTokenFile(cfg.HomeDir)
		if err != nil {
			return nil, err
		}
		cfg.Token = token
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	logger.Debugf("config: server=%s home=%s", cfg.ServerURL, cfg.HomeDir)

	if cfg.Token == "" {
		return nil, fmt.Errorf("no token: pass --token, set CHATSYNC_TOKEN or write %s",
			filepath.Join(cfg.HomeDir, tokenFileName))
	}
	return cfg, nil
}

// readTokenFile returns the token stored under home, or "" when there is
// none.
func readTokenFile(home string) (string, error) {
	data, err := os.ReadFile(filepath.Join(home, tokenFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
