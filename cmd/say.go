package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"murmur/pkg/bus"
	"murmur/pkg/config"
	"murmur/pkg/core"

	"github.com/spf13/cobra"
)

var (
	saySessionID      string
	sayWaitSeconds    int
	sayBusURLOverride string
)

// sayCmd represents the say command
var sayCmd = &cobra.Command{
	Use:   "say <utterance>",
	Short: "Send an utterance to a running core",
	Long:  "Connects to a running core over the WebSocket bus, publishes one utterance, and prints what the assistant would speak in reply.",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utterance := strings.TrimSpace(strings.Join(args, " "))
		if utterance == "" {
			fmt.Println("nothing to say")
			return
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		// The CLI is a bus client, not the core; keep its own logging quiet.
		log := slog.New(slog.NewTextHandler(io.Discard, nil))

		client, err := bus.Dial(busURL(cfg), log)
		if err != nil {
			fmt.Printf("failed to connect to core: %v\n", err)
			return
		}
		defer client.Close()

		spoken := make(chan string, 8)
		if err := client.On(core.TopicIntentFailure, func(m *bus.Message) {
			spoken <- fmt.Sprintf("(no skill understood %q)", m.DataString("utterance"))
		}); err != nil {
			fmt.Printf("failed to subscribe: %v\n", err)
			return
		}
		if err := client.On("speak", func(m *bus.Message) {
			spoken <- m.DataString("utterance")
		}); err != nil {
			fmt.Printf("failed to subscribe: %v\n", err)
			return
		}

		msg := bus.NewMessage(core.TopicUtterance, map[string]any{
			"utterances": []string{utterance},
		})
		msg.Context[bus.CtxSessionID] = saySessionID
		msg.Context[bus.CtxSource] = "cli"

		if err := client.Emit(msg); err != nil {
			fmt.Printf("failed to publish utterance: %v\n", err)
			return
		}

		deadline := time.After(time.Duration(sayWaitSeconds) * time.Second)
		select {
		case line := <-spoken:
			fmt.Println(line)
		case <-deadline:
			fmt.Println("(no reply)")
		}

		// Drain any immediate follow-up lines before disconnecting.
		for {
			select {
			case line := <-spoken:
				fmt.Println(line)
			case <-time.After(200 * time.Millisecond):
				return
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(sayCmd)
	sayCmd.Flags().StringVar(&saySessionID, "session", "cli", "session id the utterance belongs to")
	sayCmd.Flags().IntVar(&sayWaitSeconds, "wait", 10, "seconds to wait for a spoken reply")
	sayCmd.Flags().StringVar(&sayBusURLOverride, "bus", "", "bus endpoint URL, overrides config")
}

// busURL resolves the WebSocket endpoint of the running core. A wildcard
// listen host dials back over loopback.
func busURL(cfg *config.Config) string {
	if sayBusURLOverride != "" {
		return sayBusURLOverride
	}
	host := cfg.Bus.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d%s", host, cfg.Bus.Port, cfg.Bus.Route)
}
