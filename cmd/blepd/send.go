package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blepd/internal/peripheral"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Advertise, wait for a central and notify it with a payload",
	Long: `Starts the configured peripheral, waits until a central connects and sends
the payload on the given characteristic. Payloads larger than one notification are
split into MTU-sized chunks and delivered in order. The command exits once every
chunk has a final outcome.

Examples:
  blepd send --config peripheral.yaml --uuid 2a37 --data "hello"
  blepd send --config peripheral.yaml --uuid 2a37 --hex --data 0048
  blepd send --config peripheral.yaml --uuid 2a37 --file firmware.log --wait 1m`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

var (
	sendUUID    string
	sendData    string
	sendFile    string
	sendHex     bool
	sendWait    time.Duration
	sendRetries int
	sendPeer    string
)

func init() {
	sendCmd.Flags().StringVarP(&sendUUID, "uuid", "u", "", "Characteristic to notify on")
	sendCmd.Flags().StringVarP(&sendData, "data", "d", "", "Payload as text")
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Read the payload from a file")
	sendCmd.Flags().BoolVar(&sendHex, "hex", false, "Decode --data as hex")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 30*time.Second, "How long to wait for a central to connect")
	sendCmd.Flags().IntVar(&sendRetries, "retries", -1, "Retries per chunk (-1 uses delivery.default_retries)")
	sendCmd.Flags().StringVar(&sendPeer, "peer", "", "Only notify this central")
	_ = sendCmd.MarkFlagRequired("uuid")
	sendCmd.MarkFlagsMutuallyExclusive("data", "file")
	sendCmd.MarkFlagsOneRequired("data", "file")
}

func sendPayload() ([]byte, error) {
	if sendFile != "" {
		data, err := os.ReadFile(sendFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return data, nil
	}
	if sendHex {
		data, err := hex.DecodeString(strings.ReplaceAll(sendData, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid hex payload: %v", peripheral.ErrInvalidArgument, err)
		}
		return data, nil
	}
	return []byte(sendData), nil
}

func runSend(cmd *cobra.Command, _ []string) error {
	payload, err := sendPayload()
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload is empty", peripheral.ErrInvalidArgument)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)
	cmd.SilenceUsage = true

	ctx, stop := signalContext(cmd.Context(), logger)
	defer stop()

	m, err := startPeripheral(cfg, logger)
	if err != nil {
		return err
	}
	defer stopPeripheral(m, logger)

	out := newPrinter(cmd.OutOrStdout(), false)
	result := newSummary()
	connected := make(chan struct{}, 1)
	m.OnConnection(func(p peripheral.Peer) {
		out.OnConnect(p)
		select {
		case connected <- struct{}{}:
		default:
		}
	}, out.OnDisconnect)
	m.OnTransferResult(func(o peripheral.DeliveryOutcome) {
		out.OnTransferResult(o)
		result.record(o)
	})

	if err := m.StartAdvertising(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Advertising %q, waiting up to %s for a central...\n", cfg.DeviceName, sendWait)

	if err := waitForPeer(ctx, m, connected, sendWait); err != nil {
		return err
	}

	var opts []peripheral.SendOption
	if sendRetries >= 0 {
		opts = append(opts, peripheral.WithRetries(sendRetries))
	}
	if sendPeer != "" {
		opts = append(opts, peripheral.WithPeer(sendPeer))
	}

	before := m.Stats().Enqueued
	sendErr := m.SendLarge(ctx, sendUUID, payload, opts...)
	result.expect(int(m.Stats().Enqueued - before))
	if sendErr != nil {
		var chunkErr *peripheral.ChunkError
		if !errors.As(sendErr, &chunkErr) || chunkErr.Index == 0 {
			return sendErr
		}
		logger.WithError(sendErr).Warn("Payload only partially queued")
	}

	select {
	case <-result.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.String())
	if err := result.err(); err != nil {
		return err
	}
	return sendErr
}

// waitForPeer returns once a central is connected, or ErrNoPeer after timeout.
func waitForPeer(ctx context.Context, m *peripheral.Manager, connected <-chan struct{}, timeout time.Duration) error {
	if m.IsConnected() {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-connected:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrNoPeer, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
