// Package watch streams change notifications for one cluster collection.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/purdue-af/cluster-session-broker/internal/k8s"
	"github.com/purdue-af/cluster-session-broker/internal/metrics"
	"github.com/purdue-af/cluster-session-broker/internal/types"
	"go.uber.org/atomic"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"
)

// EventType is the kind of change carried by an Event.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	// Error is the terminal event of a subscription that failed.
	Error EventType = "ERROR"

	bookmark = "BOOKMARK"

	eventBuffer = 64
)

// ErrStreamClosed is reported when the API server ends the watch.
var ErrStreamClosed = errors.New("watch stream closed by server")

// Event is one notification delivered to the subscriber.
type Event struct {
	Type   EventType
	Object *unstructured.Unstructured
	Err    error
}

// State is the lifecycle position of a Subscription.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateActive
	StateCancelled
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateCancelled:
		return "Cancelled"
	case StateErrored:
		return "Errored"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Request selects the collection to watch.
type Request struct {
	Descriptor      types.ResourceDescriptor
	Namespace       string
	ResourceVersion string
	LabelSelector   string
}

// Subscription is a single watch connection. Events are read with Next
// until it reports false; the last event of a failed subscription has type Error.
type Subscription struct {
	events chan Event
	state  *atomic.Int32
	cursor *atomic.String

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	body io.Closer
}

// URL returns the watch URL for req on server.
func URL(server string, req Request) string {
	path := k8s.BuildResourceURL(req.Descriptor, k8s.ResourceLocation{Namespace: req.Namespace})
	query := url.Values{"watch": {"1"}, "allowWatchBookmarks": {"true"}}
	if req.ResourceVersion != "" {
		query.Set("resourceVersion", req.ResourceVersion)
	}
	if req.LabelSelector != "" {
		query.Set("labelSelector", req.LabelSelector)
	}
	return k8s.JoinURL(server, path) + "?" + query.Encode()
}

// Subscribe opens a watch with client, which must already carry the
// binding's credentials (see k8s.Executor.HTTPClient). It never retries.
func Subscribe(ctx context.Context, client *http.Client, binding *types.ClusterBinding, req Request) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		events: make(chan Event, eventBuffer),
		state:  atomic.NewInt32(int32(StateCreated)),
		cursor: atomic.NewString(req.ResourceVersion),
		ctx:    ctx,
		cancel: cancel,
	}

	metrics.ActiveWatchMetrics.Inc()
	go s.run(client, URL(binding.ServerURL, req))
	return s
}

// Next blocks for the next event. It reports false once the subscription has
// ended or ctx is done. Events still buffered when Cancel was called are
// discarded, so nothing is observed after cancellation.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case ev, ok := <-s.events:
			if !ok {
				return Event{}, false
			}
			if s.State() == StateCancelled {
				continue
			}
			return ev, true
		}
	}
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// ResourceVersion returns the last cursor seen on the stream, suitable for
// re-subscribing without missing changes.
func (s *Subscription) ResourceVersion() string {
	return s.cursor.Load()
}

// Cancel stops the subscription. It is safe to call more than once and from
// any goroutine. A connection that is still being established is aborted as
// soon as it becomes available.
func (s *Subscription) Cancel() {
	for {
		current := State(s.state.Load())
		if current == StateCancelled || current == StateErrored {
			return
		}
		if s.state.CompareAndSwap(int32(current), int32(StateCancelled)) {
			break
		}
	}

	s.cancel()
	s.mu.Lock()
	body := s.body
	s.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
}

func (s *Subscription) run(client *http.Client, watchURL string) {
	defer metrics.ActiveWatchMetrics.Dec()
	defer close(s.events)
	defer s.cancel()

	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateConnecting)) {
		return
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, watchURL, nil)
	if err != nil {
		s.fail(err)
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		s.fail(fmt.Errorf("watch request failed: %w", err))
		return
	}

	s.mu.Lock()
	s.body = resp.Body
	s.mu.Unlock()
	defer resp.Body.Close()
	if s.State() == StateCancelled {
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		s.fail(&k8s.APIError{
			StatusCode: resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Body:       data,
		})
		return
	}

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return
	}
	klog.V(2).InfoS("Watch established", "url", watchURL)

	decoder := json.NewDecoder(resp.Body)
	for {
		var raw metav1.WatchEvent
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			s.fail(err)
			return
		}
		if done := s.handle(raw); done {
			return
		}
	}
}

// handle processes one notification and reports whether the stream is finished.
func (s *Subscription) handle(raw metav1.WatchEvent) bool {
	switch raw.Type {
	case string(Added), string(Modified), string(Deleted):
		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(raw.Object.Raw); err != nil {
			s.fail(fmt.Errorf("failed to decode watch object: %w", err))
			return true
		}
		if rv := obj.GetResourceVersion(); rv != "" {
			s.cursor.Store(rv)
		}
		s.deliver(Event{Type: EventType(raw.Type), Object: obj})
	case bookmark:
		var meta struct {
			Metadata metav1.ObjectMeta `json:"metadata"`
		}
		if err := json.Unmarshal(raw.Object.Raw, &meta); err == nil && meta.Metadata.ResourceVersion != "" {
			s.cursor.Store(meta.Metadata.ResourceVersion)
		}
	case string(Error):
		var status metav1.Status
		_ = json.Unmarshal(raw.Object.Raw, &status)
		s.fail(&k8s.APIError{
			StatusCode: int(status.Code),
			StatusText: http.StatusText(int(status.Code)),
			Body:       raw.Object.Raw,
		})
		return true
	default:
		klog.V(4).InfoS("Ignoring unknown watch event", "type", raw.Type)
	}
	return false
}

// deliver forwards ev only while the subscription is Active. Anything that
// arrives after Cancel is dropped.
func (s *Subscription) deliver(ev Event) {
	if s.State() != StateActive {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// fail ends the subscription with a terminal error event unless it was
// cancelled, in which case the error is swallowed.
func (s *Subscription) fail(err error) {
	for {
		current := State(s.state.Load())
		if current == StateCancelled || current == StateErrored {
			return
		}
		if s.ctx.Err() != nil {
			// The caller's context ended; treat as a cancellation.
			if s.state.CompareAndSwap(int32(current), int32(StateCancelled)) {
				return
			}
			continue
		}
		if s.state.CompareAndSwap(int32(current), int32(StateErrored)) {
			break
		}
	}

	klog.V(2).InfoS("Watch failed", "err", err.Error())
	select {
	case s.events <- Event{Type: Error, Err: err}:
	case <-s.ctx.Done():
	}
}
