package cmd

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/control"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/utils"
)

var (
	sendMessage string
	sendTo      []string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one command token to the configured nodes (fire-and-forget)",
	Example: `  reid send -m warmup
  reid send -m start --to 127.0.0.1:5001`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend()
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendMessage, "message", "m", "", "Command to send: start, warmup or exit")
	sendCmd.Flags().StringSliceVar(&sendTo, "to", nil, "Node command addresses (default: every configured instance)")
	sendCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(sendCmd)
}

func runSend() error {
	token, ok := control.ParseCommand(sendMessage)
	if !ok {
		return fmt.Errorf("unknown command %q, use start, warmup or exit", sendMessage)
	}

	targets, err := sendTargets(sendTo)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("failed to open socket: %w", err)
	}
	defer conn.Close()

	b, err := control.NewBroadcaster(conn, targets, logger.With("component", "send"))
	if err != nil {
		return err
	}
	sent := b.Broadcast(token)
	fmt.Printf("📨 Sent '%s' to %d/%d nodes\n", token, sent, len(targets))
	if sent == 0 {
		return fmt.Errorf("command %s was not delivered to any node", token)
	}
	return nil
}

// sendTargets falls back to the configured instances when no address is given.
func sendTargets(explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		utils.ShowError("No --to given and the configuration could not be read", err, nil)
		return nil, err
	}
	if len(cfg.Instances) == 0 {
		return nil, fmt.Errorf("no instances configured, pass --to")
	}
	return cfg.ClientAddrs(), nil
}
