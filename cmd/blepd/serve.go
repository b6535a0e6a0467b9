package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blepd/internal/eventhub"
	"github.com/srg/blepd/internal/lua"
	"github.com/srg/blepd/internal/peripheral"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise the configured GATT table until interrupted",
	Long: `Builds the services and characteristics declared in the config, starts
advertising and keeps running until Ctrl+C.

Transfer outcomes and connection changes are printed as they happen. A Lua script
can react to events through on_connect, on_disconnect, on_read, on_write and
on_transfer hooks and queue notifications with ble.send / ble.send_large.
With --events, every event is also streamed as JSON to WebSocket clients of
ws://ADDR/events.

Example:
  blepd serve --config peripheral.yaml --script heartbeat.lua --events :8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveScript   string
	serveEvents   string
	serveIOEvents bool
)

func init() {
	serveCmd.Flags().StringVar(&serveScript, "script", "", "Lua script with event hooks (overrides lua_script)")
	serveCmd.Flags().StringVar(&serveEvents, "events", "", "WebSocket listen address for the event stream (overrides events_addr)")
	serveCmd.Flags().BoolVar(&serveIOEvents, "io", false, "Also print characteristic reads and writes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveScript != "" {
		cfg.LuaScript = serveScript
	}
	if serveEvents != "" {
		cfg.EventsAddr = serveEvents
	}
	if len(cfg.Services) == 0 {
		return fmt.Errorf("%w: config declares no services", peripheral.ErrInvalidArgument)
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

	observers := fanOut{newPrinter(cmd.OutOrStdout(), serveIOEvents)}

	if cfg.EventsAddr != "" {
		hub := eventhub.New(logger)
		observers = append(observers, hub)
		hubCtx, cancelHub := context.WithCancel(ctx)
		hubDone := make(chan struct{})
		go func() {
			defer close(hubDone)
			if err := hub.ListenAndServe(hubCtx, cfg.EventsAddr); err != nil {
				logger.WithError(err).Error("Event stream server failed")
			}
		}()
		defer func() {
			cancelHub()
			<-hubDone
		}()
	}

	if cfg.LuaScript != "" {
		api, drainer, err := loadScript(ctx, cmd, m, cfg.LuaScript, logger)
		if err != nil {
			return err
		}
		defer func() {
			drainer.Cancel()
			drainer.Wait()
			api.Close()
		}()
		observers = append(observers, luaObserver{api: api})
	}

	observers.attach(m)

	if err := m.StartAdvertising(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Advertising %q with %d service(s). Press Ctrl+C to stop.\n", cfg.DeviceName, len(cfg.Services))

	<-ctx.Done()

	st := m.Stats()
	logger.WithFields(logrus.Fields{
		"delivered": st.Delivered,
		"failed":    st.Failed,
		"retried":   st.Retried,
	}).Info("Peripheral stopping")
	return nil
}

// loadScript runs the script once so it can define hooks and initial state.
func loadScript(ctx context.Context, cmd *cobra.Command, m *peripheral.Manager, path string, logger *logrus.Logger) (*lua.PeripheralAPI, *lua.OutputDrainer, error) {
	api := lua.NewPeripheralAPI(ctx, m, logger)
	drainer := lua.NewOutputDrainer(ctx, api.Output(), logger, cmd.OutOrStdout(), cmd.ErrOrStderr())

	logger.WithField("file", path).Info("Loading Lua script")
	if err := api.ExecuteFile(path); err != nil {
		drainer.Cancel()
		drainer.Wait()
		api.Close()
		return nil, nil, err
	}
	return api, drainer, nil
}
