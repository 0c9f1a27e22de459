package watch

import (
	"context"
	"net/http"
	"time"

	"github.com/purdue-af/cluster-session-broker/internal/types"
	"go.uber.org/atomic"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// Reconnector re-subscribes from the last seen cursor after a subscription
// fails. It lives outside Subscription so that cancellation stays simple.
type Reconnector struct {
	// MaxAttempts bounds consecutive failed attempts. Zero means Backoff.Steps.
	MaxAttempts int
	Backoff     wait.Backoff

	// subscribe is overridable in tests.
	subscribe func(ctx context.Context, client *http.Client, binding *types.ClusterBinding, req Request) *Subscription
}

// DefaultBackoff is a conservative reconnect policy.
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    5,
	Cap:      30 * time.Second,
}

// NewReconnector returns a Reconnector with the default backoff.
func NewReconnector(maxAttempts int) *Reconnector {
	return &Reconnector{MaxAttempts: maxAttempts, Backoff: DefaultBackoff}
}

// Run forwards events from successive subscriptions into out until ctx ends,
// the subscriber stops, or the attempt budget is spent. A terminal error is
// forwarded only once retries are exhausted. out is closed on return.
func (r *Reconnector) Run(ctx context.Context, client *http.Client, binding *types.ClusterBinding, req Request, out chan<- Event) {
	r.run(ctx, client, binding, req, out, nil)
}

func (r *Reconnector) run(ctx context.Context, client *http.Client, binding *types.ClusterBinding, req Request, out chan<- Event, cursor *atomic.String) {
	defer close(out)

	subscribe := r.subscribe
	if subscribe == nil {
		subscribe = Subscribe
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.Backoff.Steps
	}

	backoff := r.Backoff
	failures := 0
	for {
		sub := subscribe(ctx, client, binding, req)
		delivered, lastErr := r.drain(ctx, sub, out)
		req.ResourceVersion = sub.ResourceVersion()
		if cursor != nil {
			cursor.Store(req.ResourceVersion)
		}
		if lastErr == nil {
			return
		}

		if delivered {
			failures = 0
			backoff = r.Backoff
		}
		failures++
		if failures >= maxAttempts || isGone(lastErr) {
			select {
			case out <- Event{Type: Error, Err: lastErr}:
			case <-ctx.Done():
			}
			return
		}

		delay := backoff.Step()
		klog.V(2).InfoS("Reconnecting watch", "attempt", failures, "delay", delay, "resourceVersion", req.ResourceVersion, "err", lastErr.Error())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// drain copies sub's events to out. It reports whether any regular event was
// seen and the terminal error, if any.
func (r *Reconnector) drain(ctx context.Context, sub *Subscription, out chan<- Event) (bool, error) {
	defer sub.Cancel()
	delivered := false
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return delivered, nil
		}
		if ev.Type == Error {
			return delivered, ev.Err
		}
		delivered = true
		select {
		case out <- ev:
		case <-ctx.Done():
			return delivered, nil
		}
	}
}

// isGone reports an expired cursor, which no retry from the same cursor can fix.
func isGone(err error) bool {
	return apierrors.IsGone(err) || apierrors.IsResourceExpired(err)
}

// Stream is a watch that resubscribes from its last cursor after failures.
// It is read and cancelled the same way as a Subscription.
type Stream struct {
	events    chan Event
	cancel    context.CancelFunc
	cancelled *atomic.Bool
	cursor    *atomic.String
}

// Start runs r in the background and returns the resulting stream.
func (r *Reconnector) Start(ctx context.Context, client *http.Client, binding *types.ClusterBinding, req Request) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events:    make(chan Event),
		cancel:    cancel,
		cancelled: atomic.NewBool(false),
		cursor:    atomic.NewString(req.ResourceVersion),
	}
	go r.run(ctx, client, binding, req, s.events, s.cursor)
	return s
}

// Next blocks for the next event. It reports false once the stream has ended,
// was cancelled, or ctx is done.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case ev, ok := <-s.events:
			if !ok {
				return Event{}, false
			}
			if s.cancelled.Load() {
				continue
			}
			if ev.Object != nil {
				if rv := ev.Object.GetResourceVersion(); rv != "" {
					s.cursor.Store(rv)
				}
			}
			return ev, true
		}
	}
}

// Cancel stops the stream and every subscription behind it.
func (s *Stream) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

// ResourceVersion returns the last cursor seen across all subscriptions.
func (s *Stream) ResourceVersion() string {
	return s.cursor.Load()
}
