package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"storyloom/internal/catalog"
	"storyloom/internal/config"
	"storyloom/internal/notifications"
	"storyloom/internal/queue"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withQueue opens the configured job store for the duration of fn. Terminal
// transitions made from the CLI notify through the configured ntfy topic,
// the same as transitions made by the daemon.
func (c *commandContext) withQueue(cmdCtx context.Context, fn func(context.Context, *queue.Manager) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()

	mgr := queue.NewManager(store, catalog.Default(),
		queue.WithNotifier(notifications.NewService(cfg)),
		queue.WithDefaults(cfg.Workflow.DefaultPriority, cfg.Workflow.DefaultMaxRetries),
	)
	if cmdCtx == nil {
		cmdCtx = context.Background()
	}
	return fn(cmdCtx, mgr)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
