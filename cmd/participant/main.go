// Command participant runs one federation member: it loads a participant
// configuration document, connects to a Registry, and runs the time-sync
// scheduler. It creates no bus controllers from the document's controller
// entries.
//
// Grounded on the teacher's cmd/main.go fx.New wiring (fx.Supply the
// loaded config, fx.Provide the Logger, fx.WithLogger gating verbose fx
// diagnostics on the configured level) and internal/app/cli/commands.go
// for the cobra command surface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/vectorbus/ibus/internal/config"
	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/participant"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var registryOverride string

	cmd := &cobra.Command{
		Use:           "participant",
		Short:         "Run an Integration Bus participant process",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, registryOverride)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "participant.yaml", "Path to the participant configuration document")
	cmd.Flags().StringVar(&registryOverride, "registry", "", "Override the configured RegistryURI")

	return cmd
}

func run(configPath, registryOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if registryOverride != "" {
		cfg.RegistryURI = registryOverride
	}

	app := fx.New(
		fx.WithLogger(fxLoggerFor(cfg)),
		fx.Supply(cfg),
		fx.Provide(func() logger.Logger { return logger.NewLogger(cfg) }),
		fx.Provide(newParticipant),
		fx.Invoke(registerLifecycle),
	)

	app.Run()

	return nil
}

func fxLoggerFor(cfg *config.Config) func() fxevent.Logger {
	return func() fxevent.Logger {
		for _, sink := range cfg.Logging.Sinks {
			if sink.Level == logger.DebugLevel {
				return &fxevent.ConsoleLogger{W: os.Stdout}
			}
		}
		return fxevent.NopLogger
	}
}

func newParticipant(cfg *config.Config, log logger.Logger) *participant.Participant {
	return participant.New(cfg, cfg.ParticipantName, log)
}

func registerLifecycle(lc fx.Lifecycle, p *participant.Participant, log logger.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Connect(ctx); err != nil {
				return err
			}
			go p.RunSimulation(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return p.Disconnect()
		},
	})
}
