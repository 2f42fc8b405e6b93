package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"wegate/pkg/channel"
	wecomchannel "wegate/pkg/channel/wecom"
	"wegate/pkg/config"
	"wegate/pkg/gateway"
	"wegate/pkg/logger"
	"wegate/pkg/wecom"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the callback gateway",
	Long:  "Runs one callback listener per configured account plus the gateway status endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, adapters, nil, nil, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "channels", enabledChannelNames(adapters))
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// enabledAdapters builds one callback adapter per valid account. An invalid
// account is fatal for that account only: it is logged and skipped while the
// rest keep serving.
func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, len(cfg.Channels.WeCom.Accounts))

	if cfg.Channels.WeCom.Enabled {
		client := wecom.NewClient(cfg.API.BaseURL, nil, nil)

		for _, account := range cfg.Channels.WeCom.Accounts {
			adapter, err := wecomchannel.NewAdapter(account, client, nil, log)
			if err != nil {
				if log != nil {
					log.Error("Skipping invalid account", "account", account.Name, "error", err)
				}
				continue
			}
			adapters = append(adapters, adapter)
		}
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channel accounts are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
