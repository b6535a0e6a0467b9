package lua

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/groutine"
)

const drainGrace = 100 * time.Millisecond

// OutputDrainer copies script output to stdout/stderr writers until cancelled.
//
//	d := lua.NewOutputDrainer(ctx, api.Output(), logger, os.Stdout, os.Stderr)
//	defer func() { d.Cancel(); d.Wait() }()
type OutputDrainer struct {
	logger *logrus.Logger
	stdout io.Writer
	stderr io.Writer

	stopOnce sync.Once
	stop     chan struct{}
	done     <-chan struct{}
}

// NewOutputDrainer starts draining ch. Nil writers discard.
func NewOutputDrainer(ctx context.Context, ch <-chan OutputRecord, logger *logrus.Logger, stdout, stderr io.Writer) *OutputDrainer {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	d := &OutputDrainer{
		logger: logger,
		stdout: stdout,
		stderr: stderr,
		stop:   make(chan struct{}),
	}
	d.done = groutine.GoDone(ctx, "lua-output-drainer", func(ctx context.Context) {
		for {
			select {
			case rec := <-ch:
				d.write(rec)
			case <-d.stop:
				d.flush(ch)
				return
			case <-ctx.Done():
				d.flush(ch)
				return
			}
		}
	})
	return d
}

func (d *OutputDrainer) write(rec OutputRecord) {
	w := d.stdout
	if rec.Source == "stderr" {
		w = d.stderr
	}
	if _, err := fmt.Fprintln(w, rec.Content); err != nil {
		d.logger.WithError(err).WithField("source", rec.Source).Warn("Failed to write script output")
	}
}

// flush writes whatever is already buffered, giving up after a short grace period.
func (d *OutputDrainer) flush(ch <-chan OutputRecord) {
	deadline := time.After(drainGrace)
	for {
		select {
		case rec := <-ch:
			d.write(rec)
		case <-deadline:
			return
		default:
			return
		}
	}
}

// Cancel stops the drainer after flushing buffered output.
func (d *OutputDrainer) Cancel() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Wait blocks until the drainer has exited.
func (d *OutputDrainer) Wait() {
	<-d.done
}
