package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/theapemachine/rpcswitch-go/pkg/client"
	"github.com/theapemachine/rpcswitch-go/pkg/errors"
)

var (
	workerMethods []string
	workerName    string
	workerFilter  string

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a demo worker",
		Long:  longWorker,
		RunE: func(cmd *cobra.Command, args []string) error {
			var conn *client.Client

			// The switch may come up after the worker; retry the dial.
			err := errors.RetryWithBackoff(errors.DefaultRetryConfig(), func() error {
				var err error
				conn, err = client.Dial(addrFlag)
				return err
			})

			if err != nil {
				return err
			}

			defer conn.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := conn.Hello(ctx, authFlag, whoFlag, tokenFlag); err != nil {
				return fmt.Errorf("hello failed: %w", err)
			}

			filter, err := parseFilter(workerFilter)

			if err != nil {
				return err
			}

			for _, method := range workerMethods {
				workerID, err := conn.Announce(ctx, client.Announcement{
					Method:     method,
					Workername: workerName,
					Doc:        "demo worker echoing request parameters",
					Filter:     filter,
					Handler:    echoHandler(method),
				})

				if err != nil {
					return fmt.Errorf("announce %s failed: %w", method, err)
				}

				log.Info("serving", "method", method, "worker_id", workerID)
			}

			<-conn.Done()
			return conn.Err()
		},
	}
)

// echoHandler answers any request with its own parameters plus who asked.
func echoHandler(method string) client.Handler {
	return func(ctx context.Context, req *client.Request) (any, *errors.RpcError) {
		log.Info("handling call", "method", method, "who", req.Who)

		return map[string]any{
			"method": method,
			"params": req.Params,
			"who":    req.Who,
		}, nil
	}
}

// parseFilter turns key=value into the announce filter object.
func parseFilter(spec string) (map[string]any, error) {
	if spec == "" {
		return nil, nil
	}

	key, value, ok := strings.Cut(spec, "=")

	if !ok || key == "" || value == "" {
		return nil, fmt.Errorf("filter must be key=value, got %q", spec)
	}

	// Numeric and boolean values route under their JSON form.
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	return map[string]any{key: parsed}, nil
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVarP(&addrFlag, "addr", "a", "127.0.0.1:9300", "Switch address")
	workerCmd.Flags().StringVar(&authFlag, "auth", "password", "Auth method for hello")
	workerCmd.Flags().StringVarP(&whoFlag, "who", "u", "", "Principal to authenticate as")
	workerCmd.Flags().StringVarP(&tokenFlag, "token", "t", "", "Token for the auth method")
	workerCmd.Flags().StringSliceVarP(&workerMethods, "method", "m", []string{"demo.echo"}, "Backend method to announce (repeatable)")
	workerCmd.Flags().StringVarP(&workerName, "name", "n", "", "Worker name shown in introspection")
	workerCmd.Flags().StringVar(&workerFilter, "filter", "", "Filter value as key=value for filtered backends")
	workerCmd.MarkFlagRequired("who")
}

var longWorker = `
Connect to the switch as a worker and serve one or more backend methods with
a demo handler that echoes the request parameters.

Examples:
  # Serve demo.echo
  rpcswitch worker --who alice --token secret

  # Serve a filtered backend for one region
  rpcswitch worker --who alice --token secret -m demo.lookup --filter region=eu
`
