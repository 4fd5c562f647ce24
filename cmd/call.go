package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/theapemachine/rpcswitch-go/pkg/client"
)

var (
	addrFlag  string
	authFlag  string
	whoFlag   string
	tokenFlag string

	callCmd = &cobra.Command{
		Use:   "call METHOD [PARAMS]",
		Short: "Call a method through the switch",
		Long:  longCall,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := json.RawMessage(`{}`)

			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params must be valid JSON")
				}

				params = json.RawMessage(args[1])
			}

			conn, err := client.Dial(addrFlag)

			if err != nil {
				return err
			}

			defer conn.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := conn.Hello(ctx, authFlag, whoFlag, tokenFlag); err != nil {
				return fmt.Errorf("hello failed: %w", err)
			}

			result, err := conn.Call(ctx, args[0], params)

			if err != nil {
				return err
			}

			var pretty any

			if err := json.Unmarshal(result, &pretty); err != nil {
				return err
			}

			out, err := json.MarshalIndent(pretty, "", "  ")

			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, string(out))
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVarP(&addrFlag, "addr", "a", "127.0.0.1:9300", "Switch address")
	callCmd.Flags().StringVar(&authFlag, "auth", "password", "Auth method for hello")
	callCmd.Flags().StringVarP(&whoFlag, "who", "u", "", "Principal to authenticate as")
	callCmd.Flags().StringVarP(&tokenFlag, "token", "t", "", "Token for the auth method")
	callCmd.MarkFlagRequired("who")
}

var longCall = `
Connect to the switch, authenticate, invoke one method and print the result.

Examples:
  # Call demo.echo with parameters
  rpcswitch call --who bob --token hunter2 demo.echo '{"text":"hi"}'

  # Inspect the switch
  rpcswitch call --who bob --token hunter2 rpcswitch.get_stats
`
