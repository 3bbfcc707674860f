package cmd

import (
	"context"
	"time"

	"github.com/marcus/gradesync/internal/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and local HTTP API",
	Long:  `Starts the long-running process: the scheduler pushes queued changes on
the configured interval, on reconnect and shortly after each write, while the
HTTP API serves reads, writes and sync control.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := daemon.ParamsFromConfig(cfg)
		p.DataDir = dataDir()
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			p.APIAddr = addr
		}

		app := fx.New(daemon.Logger(), daemon.Module(p))
		if err := app.Err(); err != nil {
			return fail(err)
		}

		startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := app.Start(startCtx); err != nil {
			return fail(err)
		}

		<-app.Done()

		stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelStop()
		if err := app.Stop(stopCtx); err != nil {
			return fail(err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
