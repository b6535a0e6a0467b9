package peripheral

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options tunes the delivery pipeline. Use DefaultOptions and override fields.
type Options struct {
	DefaultRetries  int           `default:"3"`     // retries applied by SendData when none is given
	RequeueBackoff  time.Duration `default:"500ms"` // worker sleep after requeueing while no peer is connected
	ChunkSize       int           `default:"20"`    // SendLarge chunk size when none is given
	ChunkPacing     time.Duration `default:"10ms"`  // delay between chunk submissions
	ShutdownTimeout time.Duration `default:"100ms"` // bounded wait for the worker on Deinitialize
	HistorySize     uint32        `default:"256"`   // recent outcomes kept for DrainOutcomes
	PreferredMTU    int           `default:"512"`   // MTU offered by the transport during exchange

	// ReportDroppedOnShutdown reports every item still queued at shutdown to the
	// transfer-result observer with ErrShuttingDown instead of discarding it silently.
	ReportDroppedOnShutdown bool `default:"false"`
	// ReadvertiseOnDisconnect restarts advertising after a peer disconnects.
	ReadvertiseOnDisconnect bool `default:"true"`
}

// DefaultOptions returns the default delivery options.
func DefaultOptions() Options {
	var o Options
	defaults.SetDefaults(&o)
	return o
}
