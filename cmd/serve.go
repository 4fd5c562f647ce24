package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/theapemachine/rpcswitch-go/pkg/auth"
	"github.com/theapemachine/rpcswitch-go/pkg/broker"
	"github.com/theapemachine/rpcswitch-go/pkg/policy"
	"github.com/theapemachine/rpcswitch-go/pkg/service"
)

/*
serveConfig is the config file shape the serve command consumes.
*/
type serveConfig struct {
	Listeners []broker.ListenerConfig `mapstructure:"listeners"`
	Ping      time.Duration           `mapstructure:"ping"`
	MaxFrame  int                     `mapstructure:"maxframe"`
	PIDFile   string                  `mapstructure:"pidfile"`
	Policy    string                  `mapstructure:"policy"`
	Status    struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"status"`
	Auth auth.Config `mapstructure:"auth"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the switch",
	Long:  longServe,
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg serveConfig

		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}

		policyPath := cfg.Policy

		if policyPath == "" {
			policyPath = "policy.yml"
		}

		if !filepath.IsAbs(policyPath) {
			home, _ := os.UserHomeDir()
			policyPath = filepath.Join(home, "."+projectName, policyPath)
		}

		pol, err := policy.Load(policyPath)

		if err != nil {
			return fmt.Errorf("failed to load policy: %w", err)
		}

		log.Info("policy loaded", "path", policyPath, "methods", len(pol.Methods()))

		backends := auth.FromConfig(cfg.Auth)

		if len(backends.Methods()) == 0 {
			return fmt.Errorf("no auth backends configured")
		}

		b := broker.New(broker.Config{
			PingInterval: cfg.Ping,
			MaxFrame:     cfg.MaxFrame,
		}, backends, pol)

		srv := broker.NewServer(b, broker.ServerConfig{
			Listeners: cfg.Listeners,
			PIDFile:   cfg.PIDFile,
			Broker: broker.Config{
				PingInterval: cfg.Ping,
				MaxFrame:     cfg.MaxFrame,
			},
		}, policyPath)

		if cfg.Status.Addr != "" {
			status := service.NewStatusServer(b)

			go func() {
				if err := status.Run(cfg.Status.Addr); err != nil {
					log.Error("status server failed", "error", err)
				}
			}()

			defer status.Shutdown()
		}

		return srv.Run()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

var longServe = `
Run the switch: open the configured listeners, accept client and worker
connections, and relay calls between them under the access policy.

SIGHUP reloads the policy file without dropping connections. SIGTERM and
SIGINT shut down cleanly.

Examples:
  # Run with the default config from ~/.rpcswitch-go/config.yml
  rpcswitch serve

  # Run with an alternative config file
  rpcswitch serve --config switch.yml
`
