package relay

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/relaychat/relay-go/internal/clock"
)

// DiagnosticKind classifies a Diagnostic.
type DiagnosticKind string

const (
	DiagDroppedFrame   DiagnosticKind = "dropped_frame"
	DiagListenerPanic  DiagnosticKind = "listener_panic"
	DiagStateConflict  DiagnosticKind = "state_conflict"
	DiagResyncFailed   DiagnosticKind = "resync_failed"
	DiagStaleRESTReply DiagnosticKind = "stale_rest_reply"
)

// Diagnostic reports a problem the client contained instead of returning.
type Diagnostic struct {
	Kind      DiagnosticKind
	EventType EventType
	CID       string
	Err       error
	Raw       []byte
}

// eventDispatcher turns raw frames into events and fans them out to the
// listener registry.
type eventDispatcher struct {
	registry    *listenerRegistry
	clock       clock.Clock
	logger      *slog.Logger
	diagnostics func(Diagnostic)
}

func newEventDispatcher(reg *listenerRegistry, clk clock.Clock, logger *slog.Logger, diag func(Diagnostic)) *eventDispatcher {
	return &eventDispatcher{registry: reg, clock: clk, logger: logger, diagnostics: diag}
}

// decode validates and normalizes one frame. It never fails outward: a
// rejected frame is reported and nil is returned.
func (d *eventDispatcher) decode(data []byte) *Event {
	ev, err := decodeEvent(data, d.clock.Now())
	if err != nil {
		d.logger.Debug("dropping frame", "error", err)
		d.report(Diagnostic{Kind: DiagDroppedFrame, Err: err, Raw: data})
		return nil
	}
	return ev
}

// deliver calls matching listeners in order. A panicking listener is
// reported and skipped.
func (d *eventDispatcher) deliver(ev *Event, includeChannel bool) {
	for _, l := range d.registry.matching(ev, includeChannel) {
		d.call(l, ev)
	}
}

func (d *eventDispatcher) call(l *listener, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("listener panic: %v", r)
			d.logger.Error("listener panicked", "event_type", ev.Type, "cid", ev.CID, "error", err, "stack", string(debug.Stack()))
			d.report(Diagnostic{Kind: DiagListenerPanic, EventType: ev.Type, CID: ev.CID, Err: err})
		}
	}()
	l.fn(ev)
}

func (d *eventDispatcher) report(diag Diagnostic) {
	if d.diagnostics == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("diagnostics hook panicked", "panic", r)
		}
	}()
	d.diagnostics(diag)
}
