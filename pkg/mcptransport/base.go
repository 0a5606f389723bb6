package mcptransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// lifecycle implements spec §4.B's two-flag connection machine:
// connection_established and initialized. ensureConnected runs connect
// exactly once even under concurrent callers.
type lifecycle struct {
	mu          sync.Mutex
	established bool
	initialized bool
	connectErr  error
	connectOnce sync.Once
}

// ensureConnected runs connect() at most once; concurrent callers block
// until the single in-flight attempt finishes and share its result.
func (l *lifecycle) ensureConnected(connect func() error) error {
	l.connectOnce.Do(func() {
		err := connect()
		l.mu.Lock()
		if err == nil {
			l.established = true
			l.initialized = true
		}
		l.connectErr = err
		l.mu.Unlock()
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectErr
}

func (l *lifecycle) isEstablished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.established
}

func (l *lifecycle) isInitialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized
}

// reset clears the lifecycle so a subsequent ensureConnected re-runs
// connect. Used after the server invalidates a session and the facade must
// transparently re-handshake.
func (l *lifecycle) reset() {
	l.mu.Lock()
	l.established = false
	l.initialized = false
	l.connectErr = nil
	l.mu.Unlock()
	l.connectOnce = sync.Once{}
}

// pendingSlot is one outstanding request awaiting a correlated response.
type pendingSlot struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	raw []byte
	err error
}

// pendingTable is the id -> slot correlation table shared by every
// transport whose responses can arrive out of request order.
type pendingTable struct {
	mu    sync.Mutex
	slots map[string]*pendingSlot
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[string]*pendingSlot)}
}

func (t *pendingTable) register(id string) *pendingSlot {
	slot := &pendingSlot{resultCh: make(chan pendingResult, 1)}
	t.mu.Lock()
	t.slots[id] = slot
	t.mu.Unlock()
	return slot
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// deliver routes a response to its waiting slot, if any. Returns false when
// no request is outstanding for id (e.g. a late/duplicate reply).
func (t *pendingTable) deliver(id string, raw []byte, err error) bool {
	t.mu.Lock()
	slot, ok := t.slots[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case slot.resultCh <- pendingResult{raw: raw, err: err}:
	default:
	}
	return true
}

// failAll fails every outstanding slot with err — used on disconnect/close
// per spec §4.C/§5.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	slots := t.slots
	t.slots = make(map[string]*pendingSlot)
	t.mu.Unlock()
	for _, slot := range slots {
		select {
		case slot.resultCh <- pendingResult{err: err}:
		default:
		}
	}
}

// wait blocks on slot until a result arrives, ctx is done, or timeout
// elapses (timeout <= 0 means no additional deadline beyond ctx).
func (slot *pendingSlot) wait(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case res := <-slot.resultCh:
		return res.raw, res.err
	case <-timeoutCh:
		return nil, errTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errTimeout = errors.New("mcptransport: rpc request timed out")

// ErrTimeout is returned (wrapped) when an rpc_request's timeout elapses
// before a correlated response arrives.
var ErrTimeout = errTimeout

// retrier runs an operation with bounded exponential backoff, per spec
// §4.B: retries only apply to transient transport failures, never to
// JSON-RPC error responses or local validation errors — callers signal
// "don't retry this" by returning a *permanentError.
type retrier struct {
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter
}

// newRetrier builds a retrier whose attempts are additionally throttled by
// a token-bucket limiter, so a server forced into rapid retry storms
// doesn't see an unbounded request rate from this client.
func newRetrier(maxRetries int, backoff time.Duration) *retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &retrier{
		maxRetries: maxRetries,
		backoff:    backoff,
		limiter:    rate.NewLimiter(rate.Every(backoff/2), maxRetries+1),
	}
}

// permanentError marks an error as non-retryable regardless of how the
// retrier would otherwise classify it.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so retrier.Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (r *retrier) do(ctx context.Context, op func() error) error {
	var lastErr error
	backoff := r.backoff
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				return lastErr
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.Unwrap()
		}
	}
	return fmt.Errorf("exhausted %d retries: %w", r.maxRetries, lastErr)
}
