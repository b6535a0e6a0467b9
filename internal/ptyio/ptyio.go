// Package ptyio wraps a pseudo-terminal master in two byte rings so the bridge can
// exchange data with a serial client without ever blocking a BLE callback.
//
//	p, err := ptyio.New(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadCallback(func(b []byte) { /* bytes typed by the client */ })
//	_, _ = p.Write([]byte("hello\n")) // delivered to the client
//
// Writes never block: when the outbound ring is full the excess is dropped and counted.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blepd/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultBufferSize    = 4096
	DefaultPollTimeoutMs = 50
)

var ErrClosed = errors.New("pty closed")

// ReadCallback receives bytes written by the client. It runs on a background
// goroutine and must not retain data.
type ReadCallback func(data []byte)

// ErrorCallback is invoked at most once per I/O loop when that loop dies.
type ErrorCallback func(err error)

type Options struct {
	ReadCap       int // bytes buffered from the client
	WriteCap      int // bytes buffered towards the client
	PollTimeoutMs int
	Logger        *logrus.Logger
	OnError       ErrorCallback
}

// PTY is a non-blocking pseudo-terminal master.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

type Stats struct {
	ReadQueueLen  int
	WriteQueueLen int
	DroppedRead   uint64
	DroppedWrite  uint64
	BytesRead     uint64
	BytesWritten  uint64
}

type ringPTY struct {
	logger  *logrus.Logger
	onError ErrorCallback
	pollMs  int

	master  *os.File
	slave   *os.File
	ttyName string

	readBuf  *ringbuffer.RingBuffer
	writeBuf *ringbuffer.RingBuffer

	readCb      atomic.Pointer[ReadCallback]
	readNotify  chan struct{}
	writeNotify chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	closed  atomic.Bool

	droppedRead  atomic.Uint64
	droppedWrite atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// New opens a PTY pair in raw mode and starts its I/O loops.
func New(opts Options) (PTY, error) {
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultBufferSize
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultBufferSize
	}
	if opts.PollTimeoutMs <= 0 {
		opts.PollTimeoutMs = DefaultPollTimeoutMs
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      logger,
		onError:     opts.OnError,
		pollMs:      opts.PollTimeoutMs,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		readBuf:     ringbuffer.New(opts.ReadCap),
		writeBuf:    ringbuffer.New(opts.WriteCap),
		readNotify:  make(chan struct{}, 1),
		writeNotify: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { defer p.wg.Done(); p.readLoop() })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { defer p.wg.Done(); p.writeLoop() })
	groutine.Go(ctx, "pty-dispatcher", func(context.Context) { defer p.wg.Done(); p.dispatch() })

	logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

func openRaw() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}
	fail := func(step string, cause error) (*os.File, *os.File, error) {
		return nil, nil, errors.Join(
			fmt.Errorf("failed to set %s on %s: %w", step, slave.Name(), cause),
			master.Close(),
			slave.Close(),
		)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("non-blocking mode", err)
	}
	return master, slave, nil
}

func (p *ringPTY) fail(loop string, err error) {
	p.logger.WithError(err).WithField("loop", loop).Warn("PTY loop stopped")
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

// wait polls fd for events, returning false on timeout or EINTR.
func (p *ringPTY) wait(fd int, events int16) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, p.pollMs)
	if err != nil && !errors.Is(err, syscall.EINTR) {
		p.logger.WithError(err).Debug("PTY poll error")
	}
	return n > 0
}

func (p *ringPTY) readLoop() {
	master := p.master
	fd := int(master.Fd())
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		if !p.wait(fd, unix.POLLIN) {
			continue
		}
		n, err := master.Read(buf)
		if n > 0 {
			p.bytesRead.Add(uint64(n))
			stored, _ := p.readBuf.Write(buf[:n])
			if stored < n {
				p.droppedRead.Add(uint64(n - stored))
			}
			select {
			case p.readNotify <- struct{}{}:
			default:
			}
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EIO):
			// no client has the slave open
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
			return
		default:
			p.fail("read", err)
			return
		}
	}
}

func (p *ringPTY) writeLoop() {
	master := p.master
	fd := int(master.Fd())
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		n, _ := p.writeBuf.TryRead(buf)
		if n == 0 {
			select {
			case <-p.ctx.Done():
				return
			case <-p.writeNotify:
			}
			continue
		}
		for off := 0; off < n && p.ctx.Err() == nil; {
			w, err := master.Write(buf[off:n])
			off += w
			p.bytesWritten.Add(uint64(w))
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				p.wait(fd, unix.POLLOUT)
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail("write", err)
				return
			}
		}
	}
}

func (p *ringPTY) dispatch() {
	tmp := make([]byte, 4096)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
		}
		for {
			cb := p.readCb.Load()
			if cb == nil || *cb == nil {
				break
			}
			n, _ := p.readBuf.TryRead(tmp)
			if n == 0 {
				break
			}
			chunk := append([]byte(nil), tmp[:n]...)
			if !p.invoke(*cb, chunk) {
				break
			}
		}
	}
}

// invoke runs cb and unregisters it if it panics.
func (p *ringPTY) invoke(cb ReadCallback, chunk []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.readCb.Store(nil)
			p.fail("read callback", fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()
	cb(chunk)
	return true
}

// SetReadCallback replaces the data callback; nil stops delivery and leaves data
// buffered for Read. Buffered bytes are flushed to a newly set callback.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

// Write queues data for the client. It returns the number of bytes accepted;
// anything beyond the free space is dropped.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := p.writeBuf.Write(data)
	if err != nil && !isOverflow(err) {
		return n, err
	}
	select {
	case p.writeNotify <- struct{}{}:
	default:
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{"accepted": n, "size": len(data)}).Warn("PTY write buffer full")
	}
	return n, nil
}

// Read drains bytes received from the client without blocking.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, io.EOF
	}
	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return n, err
	}
	return n, nil
}

func isOverflow(err error) bool {
	return errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)
}

func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	err := errors.Join(p.master.Close(), p.slave.Close())
	p.logger.WithField("tty", p.ttyName).Debug("PTY closed")
	return err
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		ReadQueueLen:  p.readBuf.Length(),
		WriteQueueLen: p.writeBuf.Length(),
		DroppedRead:   p.droppedRead.Load(),
		DroppedWrite:  p.droppedWrite.Load(),
		BytesRead:     p.bytesRead.Load(),
		BytesWritten:  p.bytesWritten.Load(),
	}
}

func (p *ringPTY) TTYName() string {
	return p.ttyName
}
