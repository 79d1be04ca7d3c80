package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"extractd/internal/config"
)

// commandContext carries lazily loaded configuration and the API client
// shared by all subcommands.
type commandContext struct {
	serverFlag *string
	tokenFlag  *string
	configFlag *string

	once sync.Once
	cfg  *config.Config
	err  error
}

func newCommandContext(serverFlag, tokenFlag, configFlag *string) *commandContext {
	return &commandContext{serverFlag: serverFlag, tokenFlag: tokenFlag, configFlag: configFlag}
}

func (c *commandContext) loadConfig() (*config.Config, error) {
	c.once.Do(func() {
		c.cfg, _, _, c.err = config.Load(*c.configFlag)
	})
	return c.cfg, c.err
}

func (c *commandContext) apiClient() (*client, error) {
	server := strings.TrimSpace(*c.serverFlag)
	token := strings.TrimSpace(*c.tokenFlag)

	if server == "" || token == "" {
		cfg, err := c.loadConfig()
		if err != nil {
			return nil, err
		}
		if server == "" {
			bind := strings.TrimSpace(cfg.Paths.APIBind)
			if bind == "" {
				return nil, fmt.Errorf("no API address configured; set paths.api_bind or pass --server")
			}
			server = "http://" + bind
		}
		if token == "" {
			token = cfg.Paths.APIToken
		}
	}

	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}
	return newClient(server, token), nil
}

func newRootCommand() *cobra.Command {
	var serverFlag string
	var tokenFlag string
	var configFlag string

	ctx := newCommandContext(&serverFlag, &tokenFlag, &configFlag)

	rootCmd := &cobra.Command{
		Use:           "extractctl",
		Short:         "Extractd control CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Base URL of the extractd API")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token for the extractd API")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newVersionsCommand(ctx))
	rootCmd.AddCommand(newOverridesCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
