// Command registry runs the central rendezvous Registry (spec §6): it
// accepts participant connections, relays every announcement and
// subsequent message between them, and optionally serves a read-only
// websocket dashboard feed of that traffic.
//
// Grounded on the teacher's cmd/main.go fx.New wiring and
// internal/app/logs.server's listen-address flag handling, combined with
// internal/app/cli/commands.go's cobra command surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/vectorbus/ibus/internal/config"
	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/dashboard"
	"github.com/vectorbus/ibus/internal/ibus/registry"

	// The Registry only ever decodes Envelope.Payload values on behalf of
	// the participants passing through it; it never constructs a
	// can/lin/flexray Controller itself. Blank-import the three so their
	// init()'s gob.Register calls run in this process too — otherwise
	// gob.Decode in registry.handlePeer fails on the first bus frame with
	// "name not registered for interface" and the sending peer is dropped.
	_ "github.com/vectorbus/ibus/internal/ibus/can"
	_ "github.com/vectorbus/ibus/internal/ibus/flexray"
	_ "github.com/vectorbus/ibus/internal/ibus/lin"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var listenAddr string
	var dashboardAddr string
	var verbose bool

	cmd := &cobra.Command{
		Use:           "registry",
		Short:         "Run the Integration Bus Registry broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(listenAddr, dashboardAddr, verbose)
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8500", "Address the Registry listens on for participant connections")
	cmd.Flags().StringVar(&dashboardAddr, "dashboard", "", "Address to serve the read-only websocket dashboard on (empty disables it)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose fx diagnostics")

	return cmd
}

func run(listenAddr, dashboardAddr string, verbose bool) error {
	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			if verbose {
				return &fxevent.ConsoleLogger{W: os.Stdout}
			}
			return fxevent.NopLogger
		}),
		fx.Supply(registryParams{listenAddr: listenAddr, dashboardAddr: dashboardAddr}),
		fx.Provide(func() logger.Logger {
			return logger.NewLogger(config.DefaultConfig())
		}),
		fx.Provide(newBroker),
		fx.Provide(newDashboardHub),
		fx.Invoke(registerLifecycle),
	)

	app.Run()

	return nil
}

type registryParams struct {
	listenAddr    string
	dashboardAddr string
}

func newBroker(params registryParams, log logger.Logger) registry.Broker {
	return registry.New(params.listenAddr, log)
}

func newDashboardHub(log logger.Logger) *dashboard.Hub {
	return dashboard.NewHub(log)
}

func registerLifecycle(lc fx.Lifecycle, params registryParams, broker registry.Broker, hub *dashboard.Hub, log logger.Logger) {
	var httpServer *http.Server

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			broker.OnRelay(hub.Publish)

			if err := broker.Start(ctx); err != nil {
				return err
			}

			if params.dashboardAddr != "" {
				mux := http.NewServeMux()
				mux.HandleFunc("/dashboard", hub.ServeHTTP)
				httpServer = &http.Server{Addr: params.dashboardAddr, Handler: mux}

				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error().Err(err).Msg("dashboard server failed")
					}
				}()

				log.Info().Msgf("dashboard listening on %s", params.dashboardAddr)
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if httpServer != nil {
				httpServer.Shutdown(ctx)
			}
			return broker.Stop()
		},
	})
}
