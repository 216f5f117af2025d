package stream

import (
	"errors"
	"time"
)

// ErrTimeout is returned (wrapped in a Chunk.Err) when a stream aborts due
// to first-byte, idle, or hard timeout expiry.
var ErrTimeout = errors.New("stream timeout")

// TimeoutConfig bounds how long a decoder may run without progress, per
// §4.4. Cloud defaults are tighter than local ones because local GPU/CPU
// token generation can legitimately stall longer under memory pressure.
type TimeoutConfig struct {
	// FirstByte is the maximum wait before any chunk arrives.
	FirstByte time.Duration

	// Idle is the maximum wait between successive chunks once streaming
	// has started.
	Idle time.Duration

	// Hard unconditionally terminates the stream regardless of progress.
	Hard time.Duration
}

// CloudTimeouts returns the cloud-provider timeout budget (20s first byte,
// 10s idle, 5min hard).
func CloudTimeouts() TimeoutConfig {
	return TimeoutConfig{FirstByte: 20 * time.Second, Idle: 10 * time.Second, Hard: 5 * time.Minute}
}

// LocalTimeouts returns the local-engine timeout budget, which is looser
// when gpuMode is false (CPU inference is slower to produce the first
// token and more prone to stalls under memory pressure).
func LocalTimeouts(gpuMode bool) TimeoutConfig {
	if gpuMode {
		return TimeoutConfig{FirstByte: 60 * time.Second, Idle: 60 * time.Second, Hard: 300 * time.Second}
	}
	return TimeoutConfig{FirstByte: 300 * time.Second, Idle: 300 * time.Second, Hard: 900 * time.Second}
}

// WithTimeouts wraps a decoder's output channel, enforcing first-byte,
// idle, and hard timeout budgets. Abort is cooperative: the wrapper stops
// forwarding and emits a terminal Chunk carrying ErrTimeout with whatever
// partial text was seen; it does not (and cannot, from this layer) destroy
// the underlying socket — that is the responsibility of the caller's
// ctx cancellation, which in turn causes the decoder goroutine reading the
// body to observe ctx.Done and return.
func WithTimeouts(in <-chan *Chunk, cfg TimeoutConfig, cancel func()) <-chan *Chunk {
	out := make(chan *Chunk)
	go func() {
		defer close(out)

		hardTimer := time.NewTimer(cfg.Hard)
		defer hardTimer.Stop()

		waitFor := cfg.FirstByte
		firstByteSeen := false

		for {
			idleTimer := time.NewTimer(waitFor)
			select {
			case <-hardTimer.C:
				idleTimer.Stop()
				cancel()
				out <- &Chunk{Err: ErrTimeout}
				return
			case <-idleTimer.C:
				cancel()
				out <- &Chunk{Err: ErrTimeout}
				return
			case c, ok := <-in:
				idleTimer.Stop()
				if !ok {
					return
				}
				if !firstByteSeen {
					firstByteSeen = true
					waitFor = cfg.Idle
				}
				out <- c
				if c.Err != nil || c.Kind == KindEnd {
					return
				}
			}
		}
	}()
	return out
}
