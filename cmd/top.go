package cmd

import (
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/theapemachine/rpcswitch-go/pkg/ui"
)

var (
	topInterval time.Duration

	topCmd = &cobra.Command{
		Use:   "top",
		Short: "Watch the switch live",
		Long:  longTop,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The dashboard owns the terminal; anything the client logs
			// would tear the alt screen.
			log.SetOutput(io.Discard)

			model := ui.New(ui.Config{
				Addr:       addrFlag,
				AuthMethod: authFlag,
				Who:        whoFlag,
				Token:      tokenFlag,
				Interval:   topInterval,
			})

			_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
			log.SetOutput(cmd.ErrOrStderr())

			if err != nil {
				log.Error("dashboard failed", "error", err)
				return err
			}

			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(topCmd)

	topCmd.Flags().StringVarP(&addrFlag, "addr", "a", "127.0.0.1:9300", "Switch address")
	topCmd.Flags().StringVar(&authFlag, "auth", "password", "Auth method for hello")
	topCmd.Flags().StringVarP(&whoFlag, "who", "u", "", "Principal to authenticate as")
	topCmd.Flags().StringVarP(&tokenFlag, "token", "t", "", "Token for the auth method")
	topCmd.Flags().DurationVar(&topInterval, "interval", time.Second, "Refresh interval")
	topCmd.MarkFlagRequired("who")
}

var longTop = `
Connect to the switch and show a live dashboard of its workers, per-method
call counts and connection gauges, refreshed every second.

Examples:
  # Watch the local switch
  rpcswitch top --who bob --token hunter2
`
