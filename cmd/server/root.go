package main

import (
	"sync"

	"github.com/spf13/cobra"

	"github.com/makeasinger/jobengine/internal/config"
	"github.com/makeasinger/jobengine/internal/log"
)

type commandContext struct {
	configOnce sync.Once
	config     *config.Config
	configErr  error
}

// ensureConfig loads configuration once and installs the configured logger
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		if err := log.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "jobengine",
		Short:         "Generation job engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newServerCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))

	return rootCmd
}
