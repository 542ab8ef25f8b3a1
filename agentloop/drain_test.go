package agentloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/martinemde/boomerang/unifiedllm"
)

func TestBackgroundDrainRecoversLateUsage(t *testing.T) {
	stream := unifiedllm.NewSliceStream(
		unifiedllm.TextChunk("ignored"),
		unifiedllm.UsageChunk(unifiedllm.Usage{InputTokens: 5, OutputTokens: 2}),
	)
	acct := NewUsageAccountant(nil)
	// Usage the primary consumer already saw.
	acct.Add(unifiedllm.Usage{InputTokens: 3})

	var (
		got     UsageTotals
		missing bool
		calls   int
	)
	d := &BackgroundDrain{
		Stream:     stream,
		Accountant: acct,
		Logger:     quietLogger(),
		OnComplete: func(totals UsageTotals, usageMissing bool) {
			calls++
			got, missing = totals, usageMissing
		},
	}
	d.Run(context.Background())

	if calls != 1 {
		t.Fatalf("expected one callback, got %d", calls)
	}
	if missing {
		t.Error("expected usage to be present")
	}
	if got.TokensIn != 8 || got.TokensOut != 2 {
		t.Errorf("expected union of both consumers' usage, got %+v", got)
	}
	if !stream.Closed() {
		t.Error("expected the drain to close the stream")
	}
}

func TestBackgroundDrainReportsMissingUsage(t *testing.T) {
	stream := unifiedllm.NewSliceStream(unifiedllm.TextChunk("a"), unifiedllm.TextChunk("b"))
	var missing bool
	d := &BackgroundDrain{
		Stream:     stream,
		Accountant: NewUsageAccountant(nil),
		Logger:     quietLogger(),
		OnComplete: func(_ UsageTotals, usageMissing bool) { missing = usageMissing },
	}
	d.Run(context.Background())
	if !missing {
		t.Error("expected usageMissing when no usage was ever observed")
	}
}

func TestBackgroundDrainStopsOnError(t *testing.T) {
	stream := unifiedllm.NewSliceStream(unifiedllm.UsageChunk(unifiedllm.Usage{OutputTokens: 4}))
	stream.Err = errors.New("reset")
	var got UsageTotals
	d := &BackgroundDrain{
		Stream:     stream,
		Accountant: NewUsageAccountant(nil),
		Logger:     quietLogger(),
		OnComplete: func(totals UsageTotals, _ bool) { got = totals },
	}
	d.Run(context.Background())
	if got.TokensOut != 4 {
		t.Errorf("expected usage read before the error, got %+v", got)
	}
}

func TestBackgroundDrainHonorsTimeout(t *testing.T) {
	d := &BackgroundDrain{
		Stream:     blockingStream("x"),
		Accountant: NewUsageAccountant(nil),
		Timeout:    50 * time.Millisecond,
		Logger:     quietLogger(),
	}
	completed := make(chan struct{})
	d.OnComplete = func(UsageTotals, bool) { close(completed) }

	start := time.Now()
	go d.Run(context.Background())
	waitFor(t, completed, "drain timeout")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("drain ran for %v past its budget", elapsed)
	}
}

func TestBackgroundDrainIgnoresCallerCancellation(t *testing.T) {
	stream := unifiedllm.NewSliceStream(unifiedllm.UsageChunk(unifiedllm.Usage{InputTokens: 1}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got UsageTotals
	d := &BackgroundDrain{
		Stream:     stream,
		Accountant: NewUsageAccountant(nil),
		Logger:     quietLogger(),
		OnComplete: func(totals UsageTotals, _ bool) { got = totals },
	}
	d.Run(ctx)
	if got.TokensIn != 1 {
		t.Errorf("expected the drain to outlive its caller's context, got %+v", got)
	}
}

func TestBackgroundDrainRecoversCallbackPanic(t *testing.T) {
	d := &BackgroundDrain{
		Stream:     unifiedllm.NewSliceStream(),
		Accountant: NewUsageAccountant(nil),
		Logger:     quietLogger(),
		OnComplete: func(UsageTotals, bool) { panic("callback") },
	}
	d.Run(context.Background())
}
