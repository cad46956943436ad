package replication

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/simcache/engine"
	"github.com/hupe1980/simcache/model"
)

// Transport is an Applier reached through a delivery channel rather than
// a direct method call. The in-process implementation below serializes
// commands through channels; a network transport carries the same
// contract over a wire codec (see StreamWriter/StreamReader).
type Transport interface {
	Applier
	Close() error
}

// InProcTransport bridges a Replicator pump to a replica in the same
// process through a command channel served by a single goroutine. It
// preserves the Applier contract exactly: commands execute one at a
// time, in submission order, and the caller observes the replica's
// error.
//
// Its value is the seam: swapping it for a network transport changes
// nothing on either side.
type InProcTransport struct {
	applier Applier

	cmdCh  chan inprocCmd
	stopCh chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

type inprocCmd struct {
	fn   func()
	done chan struct{}
}

// NewInProcTransport starts the serving goroutine for applier.
func NewInProcTransport(applier Applier) *InProcTransport {
	t := &InProcTransport{
		applier: applier,
		cmdCh:   make(chan inprocCmd),
		stopCh:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.serve()
	return t
}

func (t *InProcTransport) serve() {
	defer t.wg.Done()

	for {
		select {
		case cmd := <-t.cmdCh:
			cmd.fn()
			close(cmd.done)
		case <-t.stopCh:
			return
		}
	}
}

// call runs fn on the serving goroutine and waits for completion. The
// command channel is unbuffered: a command is either received by the
// server, which always completes it, or refused because the transport
// stopped.
func (t *InProcTransport) call(fn func()) error {
	cmd := inprocCmd{fn: fn, done: make(chan struct{})}
	select {
	case t.cmdCh <- cmd:
	case <-t.stopCh:
		return engine.ErrClosed
	}
	<-cmd.done
	return nil
}

// ApplyMutation forwards one mutation to the replica.
func (t *InProcTransport) ApplyMutation(mut model.Mutation) error {
	var applyErr error
	if err := t.call(func() { applyErr = t.applier.ApplyMutation(mut) }); err != nil {
		return err
	}
	return applyErr
}

// LastApplied reports the replica's position; zero after Close.
func (t *InProcTransport) LastApplied() uint64 {
	var seq uint64
	_ = t.call(func() { seq = t.applier.LastApplied() })
	return seq
}

// Clear forwards a resync reset.
func (t *InProcTransport) Clear() {
	_ = t.call(func() { t.applier.Clear() })
}

// LoadEntry forwards one resync entry.
func (t *InProcTransport) LoadEntry(ce model.CacheEntry, fp model.Fingerprint) error {
	var loadErr error
	if err := t.call(func() { loadErr = t.applier.LoadEntry(ce, fp) }); err != nil {
		return err
	}
	return loadErr
}

// SetLastApplied forwards the resync position seal.
func (t *InProcTransport) SetLastApplied(seq uint64, tsNanos int64) {
	_ = t.call(func() { t.applier.SetLastApplied(seq, tsNanos) })
}

// Staleness forwards to the replica when it tracks staleness.
func (t *InProcTransport) Staleness() time.Duration {
	var d time.Duration
	_ = t.call(func() {
		if s, ok := t.applier.(interface{ Staleness() time.Duration }); ok {
			d = s.Staleness()
		}
	})
	return d
}

// Close stops the serving goroutine. Idempotent; in-flight commands
// complete first.
func (t *InProcTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.stopCh)
	t.wg.Wait()
	return nil
}
