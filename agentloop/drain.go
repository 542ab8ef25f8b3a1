package agentloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/martinemde/boomerang/unifiedllm"
)

// DefaultDrainTimeout bounds how long a BackgroundDrain keeps reading.
const DefaultDrainTimeout = 30 * time.Second

// BackgroundDrain keeps pulling a stream after the primary consumer has
// stopped, to recover usage the provider reports after the content. It
// takes ownership of Stream and always closes it.
type BackgroundDrain struct {
	Stream     unifiedllm.Stream
	Accountant *UsageAccountant
	Timeout    time.Duration
	Logger     *slog.Logger

	// OnComplete receives the final totals. usageMissing is true when no
	// usage was observed by either consumer.
	OnComplete func(totals UsageTotals, usageMissing bool)
}

// Run drains the stream until it ends, fails, or the time budget runs
// out. It is detached from ctx's cancellation; failures are logged and
// never returned.
func (d *BackgroundDrain) Run(ctx context.Context) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	defer func() {
		if err := d.Stream.Close(); err != nil {
			logger.Debug("close drained stream", "error", err)
		}
	}()

	chunks := 0
	for {
		c, err := d.Stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				logger.Warn("usage drain timed out", "timeout", timeout, "chunks", chunks)
			} else {
				logger.Warn("usage drain failed", "error", err, "chunks", chunks)
			}
			break
		}
		chunks++
		if c.Type == unifiedllm.ChunkUsage && c.Usage != nil {
			d.Accountant.Add(*c.Usage)
		}
	}

	totals, observed := d.Accountant.Snapshot()
	logger.Debug("usage drain finished", "chunks", chunks, "usage_observed", observed)
	if d.OnComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("usage drain callback panicked", "panic", r)
		}
	}()
	d.OnComplete(totals, !observed)
}
