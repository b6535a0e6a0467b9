// Package bridge exposes a pair of characteristics as a local serial device.
//
// Bytes a client writes to the PTY are sent to the peer on the TX characteristic;
// writes the peer makes to the RX characteristic appear on the PTY.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/srg/blepd/internal/ptyio"
)

// Peripheral is the part of *peripheral.Manager the bridge needs.
type Peripheral interface {
	SendLarge(ctx context.Context, uuid string, data []byte, opts ...peripheral.SendOption) error
	OnCharacteristic(uuid string, onRead peripheral.ReadHandler, onWrite peripheral.WriteHandler) error
}

type Options struct {
	TXUUID   string // notify characteristic fed from the PTY
	RXUUID   string // write characteristic copied to the PTY
	LinkPath string // optional symlink to the tty
	ReadCap  int
	WriteCap int
	Retries  int // <0 keeps the manager default
}

type Bridge struct {
	logger *logrus.Logger
	target Peripheral
	opts   Options
	ctx    context.Context
	pty    ptyio.PTY
	link   string
}

// Start opens the PTY and wires it to the characteristics. The bridge keeps running
// until Close; ctx bounds in-flight sends.
func Start(ctx context.Context, target Peripheral, opts Options, logger *logrus.Logger) (*Bridge, error) {
	if opts.TXUUID == "" || opts.RXUUID == "" {
		return nil, fmt.Errorf("%w: bridge needs both tx and rx characteristics", peripheral.ErrInvalidArgument)
	}
	tx, err := peripheral.ValidateUUID(opts.TXUUID)
	if err != nil {
		return nil, err
	}
	rx, err := peripheral.ValidateUUID(opts.RXUUID)
	if err != nil {
		return nil, err
	}
	opts.TXUUID, opts.RXUUID = tx, rx

	p, err := ptyio.New(ptyio.Options{
		ReadCap:  opts.ReadCap,
		WriteCap: opts.WriteCap,
		Logger:   logger,
		OnError: func(err error) {
			logger.WithError(err).Error("PTY I/O failed")
		},
	})
	if err != nil {
		return nil, err
	}

	b := &Bridge{logger: logger, target: target, opts: opts, ctx: ctx, pty: p}

	if opts.LinkPath != "" {
		if err := os.Symlink(p.TTYName(), opts.LinkPath); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to link %s -> %s: %w", opts.LinkPath, p.TTYName(), err)
		}
		b.link = opts.LinkPath
	}

	if err := target.OnCharacteristic(rx, nil, b.handleWrite); err != nil {
		return nil, errors.Join(err, b.removeLink(), p.Close())
	}
	p.SetReadCallback(b.forward)

	logger.WithFields(logrus.Fields{
		"tty":  p.TTYName(),
		"link": b.link,
		"tx":   tx,
		"rx":   rx,
	}).Info("Bridge started")
	return b, nil
}

// forward runs on the PTY dispatcher goroutine, so chunks keep their order.
func (b *Bridge) forward(data []byte) {
	var opts []peripheral.SendOption
	if b.opts.Retries >= 0 {
		opts = append(opts, peripheral.WithRetries(b.opts.Retries))
	}
	if err := b.target.SendLarge(b.ctx, b.opts.TXUUID, data, opts...); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"uuid":  b.opts.TXUUID,
			"bytes": len(data),
		}).Warn("Bridge failed to queue PTY input")
	}
}

func (b *Bridge) handleWrite(uuid, peer string, value []byte) {
	n, err := b.pty.Write(value)
	if err != nil {
		b.logger.WithError(err).WithField("peer", peer).Warn("Bridge failed to write to PTY")
		return
	}
	b.logger.WithFields(logrus.Fields{"uuid": uuid, "peer": peer, "bytes": n}).Debug("Peer write copied to PTY")
}

func (b *Bridge) TTYName() string {
	return b.pty.TTYName()
}

// Link returns the symlink path, or "" when none was requested.
func (b *Bridge) Link() string {
	return b.link
}

func (b *Bridge) Stats() ptyio.Stats {
	return b.pty.Stats()
}

// Close detaches from RX, removes the symlink and closes the PTY.
func (b *Bridge) Close() error {
	return errors.Join(
		b.target.OnCharacteristic(b.opts.RXUUID, nil, nil),
		b.removeLink(),
		b.pty.Close(),
	)
}

func (b *Bridge) removeLink() error {
	if b.link == "" {
		return nil
	}
	if err := os.Remove(b.link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
