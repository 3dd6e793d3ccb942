package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"murmur/pkg/config"
	"murmur/pkg/core"
	"murmur/pkg/logger"
	"murmur/pkg/skill"

	"github.com/spf13/cobra"
)

// unknownFallbackPriority sits below any skill-declared fallback so the
// built-in reply only runs when everything else declined.
const unknownFallbackPriority = -1000

var unknownLine string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration core",
	Long:  "Runs the in-process message bus with its WebSocket endpoint, the intent service, the session store, and the skill dispatcher.",
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
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := core.NewService(cfg, slog.Default())
		if err != nil {
			log.Error("Failed to initialize core", "error", err)
			return
		}

		if err := registerUnknownFallback(svc, unknownLine); err != nil {
			log.Error("Failed to register unknown fallback", "error", err)
			return
		}

		log.Info("Core starting",
			"bus_host", cfg.Bus.Host, "bus_port", cfg.Bus.Port,
			"neural_matching", cfg.Neural.Enabled)

		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Core exited", "error", err)
			return
		}

		log.Info("Core stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&unknownLine, "unknown-line", "Sorry, I don't understand.",
		"spoken reply when nothing matches; empty disables the built-in fallback")
}

// registerUnknownFallback installs the lowest-priority fallback that voices
// the configured line. With it disabled, unmatched utterances surface only
// as complete_intent_failure events.
func registerUnknownFallback(svc *core.Service, line string) error {
	if line == "" {
		return nil
	}
	return svc.Registry().Register(&skill.Skill{
		ID: "unknown",
		Fallbacks: []skill.Fallback{{
			Name:     "unknown",
			Priority: unknownFallbackPriority,
			Handle: func(_ context.Context, inv *skill.Invocation) bool {
				inv.Speak(line)
				return true
			},
		}},
	})
}
