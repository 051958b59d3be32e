package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/threadsync/internal/config"
	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/umbrella"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are overrides for the client section of the config file.
type globalFlags struct {
	configPath string
	baseURL    string
	token      string
	userID     string
	room       string
	verbose    bool
}

// app is the per-invocation wiring shared by every command.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	client *restapi.HTTPClient
	store  *umbrella.Store
	room   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	a := &app{}
	root := &cobra.Command{
		Use:           "threadsync",
		Short:         "Sync and edit comment threads and inbox notifications",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return a.init(cmd, flags)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "threadsync.yaml", "config file path")
	pf.StringVar(&flags.baseURL, "base-url", "", "server base URL (overrides client.base_url)")
	pf.StringVar(&flags.token, "token", "", "bearer token (overrides client.token)")
	pf.StringVar(&flags.userID, "user", "", "signed-in user id (overrides client.user_id)")
	pf.StringVar(&flags.room, "room", "", "restrict sync to one room")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newListCmd(a),
		newWatchCmd(a),
		newCreateCmd(a),
		newCommentCmd(a),
		newResolveCmd(a),
		newDeleteCmd(a),
		newSubscribeCmd(a),
		newInboxCmd(a),
		newReadCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command, flags *globalFlags) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(flags.configPath, !cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if flags.baseURL != "" {
		cfg.Client.BaseURL = flags.baseURL
	}
	if flags.token != "" {
		cfg.Client.Token = flags.token
	}
	if flags.userID != "" {
		cfg.Client.UserID = flags.userID
	}
	if flags.verbose {
		cfg.Logging.Level = "debug"
	}
	if strings.TrimSpace(cfg.Client.Token) == "" {
		return fmt.Errorf("token is required (--token or %sTOKEN)", config.EnvPrefix)
	}
	if strings.TrimSpace(cfg.Client.UserID) == "" {
		return fmt.Errorf("user is required (--user or %sUSER_ID)", config.EnvPrefix)
	}

	logger, _, err := config.NewLogger(config.LoggingConfig{Level: cfg.Logging.Level, Development: true})
	if err != nil {
		return err
	}
	client := restapi.NewHTTPClientWithOptions(restapi.ClientOptions{
		BaseURL:           cfg.Client.BaseURL,
		Token:             cfg.Client.Token,
		HTTPClient:        &http.Client{Timeout: cfg.Client.Timeout.Duration()},
		MaxRetries:        cfg.Client.MaxRetries,
		RequestsPerSecond: cfg.Client.RequestsPerSecond,
		Logger:            logger,
	})
	store, err := umbrella.New(umbrella.Options{
		Backend: client,
		UserID:  cfg.Client.UserID,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.client = client
	a.store = store
	a.room = flags.room
	return nil
}
