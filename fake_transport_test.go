package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Scripted transport
// ============================================================================

type dialStep func(req DialRequest) (TransportConn, error)

// fakeTransport answers dials from a script. Once the script runs out every
// dial fails with a network error.
type fakeTransport struct {
	mu     sync.Mutex
	script []dialStep
	dials  []DialRequest
	conns  chan *fakeConn
}

func newFakeTransport(steps ...dialStep) *fakeTransport {
	return &fakeTransport{script: steps, conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context, req DialRequest) (TransportConn, error) {
	t.mu.Lock()
	t.dials = append(t.dials, req)
	var step dialStep
	if len(t.script) > 0 {
		step = t.script[0]
		t.script = t.script[1:]
	}
	t.mu.Unlock()

	if step == nil {
		return nil, errors.New("connection refused")
	}
	conn, err := step(req)
	if fc, ok := conn.(*fakeConn); ok && err == nil {
		t.conns <- fc
	}
	return conn, err
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

func (t *fakeTransport) dial(i int) DialRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[i]
}

func (t *fakeTransport) nextConn(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for a connection")
		return nil
	}
}

// accept completes the handshake with connectionID, then delivers extra
// frames queued behind it.
func accept(connectionID string, frames ...string) dialStep {
	return func(req DialRequest) (TransportConn, error) {
		hs, _ := json.Marshal(map[string]any{
			"type":          "health.check",
			"connection_id": connectionID,
			"me":            map[string]any{"id": req.UserID, "role": "user"},
		})
		c := newFakeConn()
		c.send(string(hs))
		for _, f := range frames {
			c.send(f)
		}
		return c, nil
	}
}

// handshakeError answers the dial with an error frame instead of a
// health.check.
func handshakeError(code, status int, message string) dialStep {
	return func(DialRequest) (TransportConn, error) {
		c := newFakeConn()
		c.send(fmt.Sprintf(`{"error":{"code":%d,"message":%q,"StatusCode":%d}}`, code, message, status))
		return c, nil
	}
}

func refuse(err error) dialStep {
	return func(DialRequest) (TransportConn, error) { return nil, err }
}

type fakeConn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) send(frame string) { c.in <- []byte(frame) }

// drop simulates the server side going away.
func (c *fakeConn) drop() { c.once.Do(func() { close(c.closed) }) }

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	// Queued frames win over a close so tests can stage them up front.
	select {
	case f := <-c.in:
		return f, nil
	default:
	}
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection reset")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), frame...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(string) error {
	c.drop()
	return nil
}

func (c *fakeConn) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

// ============================================================================
// Fake REST backend
// ============================================================================

// fakeBackend serves channel queries. Each cid answers with the state set
// by setState, or with the status set by fail.
type fakeBackend struct {
	*httptest.Server

	mu      sync.Mutex
	states  map[string]string
	status  map[string]int
	queries map[string]int
	bodies  map[string][]QueryChannelRequest
	stopped map[string]int
	held    chan struct{}
	entered chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		states:  make(map[string]string),
		status:  make(map[string]int),
		queries: make(map[string]int),
		bodies:  make(map[string][]QueryChannelRequest),
		stopped: make(map[string]int),
		entered: make(chan struct{}, 16),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "channels" {
		http.NotFound(w, r)
		return
	}
	cid := parts[1] + ":" + parts[2]

	b.mu.Lock()
	held := b.held
	b.mu.Unlock()
	if held != nil {
		b.entered <- struct{}{}
		<-held
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch parts[3] {
	case "stop-watching":
		b.stopped[cid]++
		w.Write([]byte(`{}`))
	case "query":
		b.queries[cid]++
		var req QueryChannelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			b.bodies[cid] = append(b.bodies[cid], req)
		}
		if code := b.status[cid]; code != 0 {
			w.WriteHeader(code)
			fmt.Fprintf(w, `{"code":%d,"message":"refused %s","StatusCode":%d}`, code, cid, code)
			return
		}
		state, ok := b.states[cid]
		if !ok {
			state = emptyState(parts[1], parts[2])
		}
		w.Write([]byte(state))
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) setState(cid, body string) {
	b.mu.Lock()
	b.states[cid] = body
	b.mu.Unlock()
}

func (b *fakeBackend) fail(cid string, status int) {
	b.mu.Lock()
	b.status[cid] = status
	b.mu.Unlock()
}

func (b *fakeBackend) queryCount(cid string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries[cid]
}

// queryBodies returns the decoded query requests cid received, in order.
func (b *fakeBackend) queryBodies(cid string) []QueryChannelRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]QueryChannelRequest(nil), b.bodies[cid]...)
}

// hold parks every request until the returned release is called.
func (b *fakeBackend) hold() (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.held = ch
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.held = nil
		b.mu.Unlock()
		close(ch)
	}
}

func (b *fakeBackend) stopCount(cid string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped[cid]
}

func emptyState(typ, id string) string {
	return fmt.Sprintf(`{"channel":{"cid":"%s:%s","type":%q,"id":%q},"messages":[],"members":[]}`, typ, id, typ, id)
}

func stateWithMessages(typ, id string, msgIDs ...string) string {
	var msgs []string
	for i, m := range msgIDs {
		msgs = append(msgs, fmt.Sprintf(`{"id":%q,"text":"t","created_at":"2024-01-01T00:00:%02dZ","user":{"id":"bob"}}`, m, i))
	}
	return fmt.Sprintf(`{"channel":{"cid":"%s:%s","type":%q,"id":%q},"messages":[%s],"members":[{"user_id":"alice","user":{"id":"alice"}}]}`,
		typ, id, typ, id, strings.Join(msgs, ","))
}

// ============================================================================
// Event recorder
// ============================================================================

type recorder struct {
	mu     sync.Mutex
	events []*Event
	ch     chan *Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *Event, 256)}
}

func (r *recorder) listen(ev *Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

// waitFor returns the next recorded event of type t, skipping others.
func (r *recorder) waitFor(tb testing.TB, t EventType) *Event {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == t {
				return ev
			}
		case <-deadline:
			tb.Fatalf("timed out waiting for %s", t)
			return nil
		}
	}
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func fastConfig() RealtimeConfig {
	return RealtimeConfig{
		ConnectAttempts:    3,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  5 * time.Millisecond,
		HealthTimeout:      -1,
		PingInterval:       -1,
	}
}

func newTestClient(t *testing.T, tr Transport, backend *fakeBackend, cfg RealtimeConfig, opts ...ClientOption) *Client {
	t.Helper()
	base := "http://127.0.0.1:0"
	if backend != nil {
		base = backend.URL
	}
	opts = append([]ClientOption{
		WithBaseURL(base),
		WithTransport(tr),
		WithRealtimeConfig(cfg),
	}, opts...)
	c := NewClient("test-key", opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func alice() Credentials {
	return Credentials{User: &User{ID: "alice"}, Token: DevToken("alice")}
}
