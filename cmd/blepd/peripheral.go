package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/srg/blepd/internal/peripheral/goble"
	"github.com/srg/blepd/pkg/config"
)

// newTransport is replaced in tests.
var newTransport = func(cfg *config.Config, logger *logrus.Logger) peripheral.Transport {
	return goble.NewTransport(cfg.HCIDevice, logger)
}

// startPeripheral initializes the manager and builds the GATT table declared in cfg.
// On failure the manager is already torn down.
func startPeripheral(cfg *config.Config, logger *logrus.Logger) (*peripheral.Manager, error) {
	m, err := peripheral.NewManager(newTransport(cfg, logger), cfg.Options(), logger)
	if err != nil {
		return nil, err
	}
	if err := m.Initialize(cfg.DeviceName); err != nil {
		return nil, err
	}
	if err := buildGATT(m, cfg.Services); err != nil {
		return nil, errors.Join(err, m.Deinitialize())
	}
	return m, nil
}

func buildGATT(m *peripheral.Manager, services []config.Service) error {
	for _, svc := range services {
		if err := m.CreateService(svc.UUID); err != nil {
			return fmt.Errorf("service %s: %w", svc.UUID, err)
		}
		for _, ch := range svc.Characteristics {
			caps, err := peripheral.ParseCapabilities(ch.Properties)
			if err != nil {
				return fmt.Errorf("characteristic %s: %w", ch.UUID, err)
			}
			if err := m.CreateCharacteristicIn(svc.UUID, ch.UUID, caps); err != nil {
				return fmt.Errorf("characteristic %s: %w", ch.UUID, err)
			}
			if ch.Value != "" {
				if err := m.SetCharacteristicValue(ch.UUID, []byte(ch.Value)); err != nil {
					return fmt.Errorf("characteristic %s: %w", ch.UUID, err)
				}
			}
		}
		if err := m.StartService(svc.UUID); err != nil {
			return fmt.Errorf("service %s: %w", svc.UUID, err)
		}
	}
	return nil
}

// stopPeripheral shuts the manager down, logging rather than returning the error so
// deferred cleanup never masks the command result.
func stopPeripheral(m *peripheral.Manager, logger *logrus.Logger) {
	if err := m.Deinitialize(); err != nil {
		logger.WithError(err).Warn("Peripheral shutdown was not clean")
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context, logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		if parent.Err() == nil {
			logger.Info("Received interrupt signal, shutting down...")
		}
	}()
	return ctx, stop
}
