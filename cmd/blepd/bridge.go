package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blepd/internal/bridge"
	"github.com/srg/blepd/internal/peripheral"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose two characteristics as a local serial device",
	Long: `Creates a PTY (pseudoterminal) and bridges it to the peripheral:

  - bytes written to the PTY are notified to the central on the --tx characteristic
    (fragmented to the negotiated MTU)
  - bytes the central writes to the --rx characteristic appear on the PTY

Both characteristics must be declared in the config; --tx needs "notify".

Example:
  blepd bridge --config uart.yaml --tx 6e400003-b5a3-f393-e0a9-e50e24dcca9e \
               --rx 6e400002-b5a3-f393-e0a9-e50e24dcca9e --link /tmp/ble-uart
  screen /tmp/ble-uart`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

var (
	bridgeTX      string
	bridgeRX      string
	bridgeLink    string
	bridgeRetries int
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeTX, "tx", "", "Characteristic notified with PTY input")
	bridgeCmd.Flags().StringVar(&bridgeRX, "rx", "", "Characteristic whose writes are copied to the PTY")
	bridgeCmd.Flags().StringVar(&bridgeLink, "link", "", "Create a symlink to the PTY device (e.g., /tmp/ble-uart)")
	bridgeCmd.Flags().IntVar(&bridgeRetries, "retries", -1, "Retries per chunk (-1 uses delivery.default_retries)")
	_ = bridgeCmd.MarkFlagRequired("tx")
	_ = bridgeCmd.MarkFlagRequired("rx")
}

func runBridge(cmd *cobra.Command, _ []string) error {
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
	m.OnConnection(out.OnConnect, out.OnDisconnect)
	m.OnTransferResult(func(o peripheral.DeliveryOutcome) {
		if !o.Success {
			out.OnTransferResult(o)
		}
	})

	b, err := bridge.Start(ctx, m, bridge.Options{
		TXUUID:   bridgeTX,
		RXUUID:   bridgeRX,
		LinkPath: bridgeLink,
		Retries:  bridgeRetries,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.WithError(err).Warn("Bridge cleanup failed")
		}
	}()

	if err := m.StartAdvertising(); err != nil {
		return err
	}

	device := b.TTYName()
	if b.Link() != "" {
		device = fmt.Sprintf("%s -> %s", b.Link(), b.TTYName())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bridge ready on %s. Press Ctrl+C to stop.\n", device)

	<-ctx.Done()

	st := b.Stats()
	logger.WithFields(logrus.Fields{
		"pty_in":      st.BytesRead,
		"pty_out":     st.BytesWritten,
		"dropped_in":  st.DroppedRead,
		"dropped_out": st.DroppedWrite,
	}).Info("Bridge stopping")
	return nil
}
