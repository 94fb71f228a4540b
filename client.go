// Package relay is a Go client for a hosted chat backend: REST calls plus
// one realtime connection whose events keep local channel and user state
// in step with the server.
//
// Example:
//
//	client := relay.NewClient("api-key")
//	defer client.Close()
//
//	user := &relay.User{ID: "alice"}
//	err := client.Connect(ctx, relay.Credentials{User: user, Token: relay.DevToken("alice")})
//
//	ch, _ := client.Watch(ctx, "messaging", "general", nil)
//	ch.On(func(ev *relay.Event) { fmt.Println(ev.Type) }, relay.EventMessageNew)
//	snap := ch.Snapshot()
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaychat/relay-go/internal/clock"
)

const (
	DefaultBaseURL = "https://chat.relaychat.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is one user session: the REST sub-clients, the realtime
// connection, the user cache and every watched channel. All events are
// applied and delivered on a single goroutine in arrival order.
type Client struct {
	apiKey      string
	baseURL     string
	wsURL       string
	httpClient  *http.Client
	logger      *slog.Logger
	clock       clock.Clock
	transport   Transport
	rtConfig    RealtimeConfig
	diagnostics func(Diagnostic)

	conn       *connManager
	dispatcher *eventDispatcher
	listeners  *listenerRegistry
	users      *userCache
	queue      *eventQueue
	loopDone   chan struct{}
	loopCtx    context.Context
	stopLoop   context.CancelFunc

	mu     sync.RWMutex
	token  string
	me     *User
	stores map[string]*channelStore
	closed bool
	// syncGen changes whenever watched state stops carrying over to the
	// current connection: a resync or a disconnect.
	syncGen uint64

	// epoch is the connection whose frames the loop accepts. Loop-only.
	epoch uint64

	channels     *ChannelsClient
	userAPI      *UsersClient
	devices      *DevicesClient
	channelTypes *ChannelTypesClient
	app          *AppClient
	push         *PushClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithWSURL overrides the realtime endpoint, which defaults to the base URL.
func WithWSURL(url string) ClientOption {
	return func(c *Client) { c.wsURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithTransport(t Transport) ClientOption {
	return func(c *Client) { c.transport = t }
}

func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

func WithRealtimeConfig(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.rtConfig = cfg }
}

// WithDiagnostics installs a hook for problems the client contains instead
// of returning: dropped frames, listener panics, state conflicts and failed
// resyncs. The hook runs on the event loop and must not block.
func WithDiagnostics(fn func(Diagnostic)) ClientOption {
	return func(c *Client) { c.diagnostics = fn }
}

// NewClient creates a client for apiKey and starts its event loop. Call
// Close to release it.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.New(slog.DiscardHandler),
		clock:  clock.Real(),
		stores: make(map[string]*channelStore),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rtConfig.defaults()
	if c.wsURL == "" {
		c.wsURL = c.baseURL
	}
	if c.transport == nil {
		c.transport = NewWebSocketTransport(c.httpClient)
	}

	c.users = newUserCache()
	c.listeners = newListenerRegistry()
	c.dispatcher = newEventDispatcher(c.listeners, c.clock, c.logger, c.diagnostics)
	c.queue = newEventQueue()
	c.conn = newConnManager(c.transport, c.clock, c.rtConfig, c.logger, sessionEvents{c.queue}, c.wsURL, c.apiKey)

	c.channels = &ChannelsClient{c: c}
	c.userAPI = &UsersClient{c: c}
	c.devices = &DevicesClient{c: c}
	c.channelTypes = &ChannelTypesClient{c: c}
	c.app = &AppClient{c: c}
	c.push = &PushClient{c: c}

	c.loopCtx, c.stopLoop = context.WithCancel(context.Background())
	c.loopDone = make(chan struct{})
	go c.run()
	return c
}

func (c *Client) Channels() *ChannelsClient         { return c.channels }
func (c *Client) Users() *UsersClient               { return c.userAPI }
func (c *Client) Devices() *DevicesClient           { return c.devices }
func (c *Client) ChannelTypes() *ChannelTypesClient { return c.channelTypes }
func (c *Client) App() *AppClient                   { return c.app }
func (c *Client) Push() *PushClient                 { return c.push }

// SetToken sets the token sent with REST calls. Connect sets it from the
// credentials.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) authToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// Connect opens the realtime connection. It returns once the connection is
// up and the first connection.changed event has been delivered.
func (c *Client) Connect(ctx context.Context, creds Credentials) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.SetToken(creds.Token)
	if err := c.conn.Connect(ctx, creds); err != nil {
		return err
	}
	return c.onLoop(ctx, func() {})
}

// Disconnect closes the connection and drops every watched channel. It is
// safe to call in any state.
func (c *Client) Disconnect() error {
	return c.conn.Disconnect()
}

// Close disconnects and stops the event loop. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Disconnect()
	c.queue.push(loopItem{kind: itemStop})
	// Aborts a resync still holding the loop.
	c.stopLoop()
	<-c.loopDone
	return err
}

func (c *Client) currentSyncGen() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncGen
}

func (c *Client) bumpSyncGen() {
	c.mu.Lock()
	c.syncGen++
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) State() ConnectionState { return c.conn.State() }

// ConnectionID returns the local epoch of the current connection. It grows
// by one on every successful connect or reconnect.
func (c *Client) ConnectionID() uint64 { return c.conn.Epoch() }

// Me returns the connected user as last reported by the server.
func (c *Client) Me() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.me.clone()
}

func (c *Client) meID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.me == nil {
		return ""
	}
	return c.me.ID
}

// User returns the cached copy of a user, or nil.
func (c *Client) User(id string) *User {
	return c.users.get(id)
}

// On registers a listener for every event, or only for types when given.
func (c *Client) On(fn Listener, types ...EventType) *Subscription {
	return c.listeners.add("", fn, types)
}

// ============================================================================
// Watching
// ============================================================================

// Channel is a handle on a watched channel.
type Channel struct {
	client *Client
	store  *channelStore
	Type   string
	ID     string
	CID    string
}

// WatchOptions shape the initial channel query.
type WatchOptions struct {
	Presence     bool
	MessageLimit int
	MemberLimit  int
	Data         map[string]any
}

// Watch fetches a channel's state and subscribes to its events. Watching a
// channel twice returns the existing handle. It fails with ErrPermission or
// ErrNotFound when the server refuses. Do not call Watch from a Listener.
func (c *Client) Watch(ctx context.Context, channelType, channelID string, opts *WatchOptions) (*Channel, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if channelType == "" || channelID == "" {
		return nil, errorf(KindValidation, "watch", "channel type and id are required")
	}
	cid := CID(channelType, channelID)
	if ch, ok := c.Channel(cid); ok {
		return ch, nil
	}
	if c.conn.State() != StateConnected {
		return nil, &Error{Kind: KindNotConnected, Op: "watch " + cid, Message: "not connected"}
	}

	gen := c.currentSyncGen()
	req := c.watchRequest(opts)
	resp, err := c.channels.Query(ctx, channelType, channelID, req)
	if err != nil {
		return nil, err
	}

	var ch *Channel
	var applyErr error
	err = c.onLoop(ctx, func() {
		if c.epoch == 0 || c.currentSyncGen() != gen {
			// The connection this watch was registered on is gone.
			c.report(Diagnostic{Kind: DiagStaleRESTReply, CID: cid})
			applyErr = &Error{Kind: KindNotConnected, Op: "watch " + cid, Message: "connection changed during watch"}
			return
		}
		c.mu.Lock()
		store, ok := c.stores[cid]
		if !ok {
			store = newChannelStore(channelType, channelID, c.users, c.meID)
			store.query = req
			c.stores[cid] = store
		}
		c.mu.Unlock()
		if !ok {
			c.upsertStateUsers(resp)
			store.reset(resp)
		}
		ch = &Channel{client: c, store: store, Type: channelType, ID: channelID, CID: cid}
	})
	if err != nil {
		return nil, err
	}
	return ch, applyErr
}

func (c *Client) watchRequest(opts *WatchOptions) *QueryChannelRequest {
	req := &QueryChannelRequest{State: true, Watch: true, ConnectionID: c.conn.ServerConnectionID()}
	if opts != nil {
		req.Presence = opts.Presence
		req.Data = opts.Data
		if opts.MessageLimit > 0 {
			req.Messages = &Pagination{Limit: opts.MessageLimit}
		}
		if opts.MemberLimit > 0 {
			req.Members = &Pagination{Limit: opts.MemberLimit}
		}
	}
	return req
}

// Channel returns the handle for a watched cid.
func (c *Client) Channel(cid string) (*Channel, bool) {
	c.mu.RLock()
	store, ok := c.stores[cid]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &Channel{client: c, store: store, Type: store.channelType, ID: store.channelID, CID: cid}, true
}

// WatchedChannels returns the watched cids.
func (c *Client) WatchedChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.stores))
	for cid := range c.stores {
		out = append(out, cid)
	}
	return out
}

// Unwatch stops routing events to cid and releases its state. Events for
// the channel still in flight are dropped. The server is told to stop
// sending them when connected.
func (c *Client) Unwatch(ctx context.Context, cid string) error {
	if err := c.onLoop(ctx, func() { c.evict(cid) }); err != nil {
		return err
	}
	if c.conn.State() != StateConnected {
		return nil
	}
	channelType, channelID, ok := strings.Cut(cid, ":")
	if !ok {
		return errorf(KindValidation, "unwatch", "malformed cid %q", cid)
	}
	return c.channels.StopWatching(ctx, channelType, channelID, c.conn.ServerConnectionID())
}

// evict removes a store and its channel listeners. Loop-only.
func (c *Client) evict(cid string) {
	c.mu.Lock()
	delete(c.stores, cid)
	c.mu.Unlock()
	c.listeners.dropChannel(cid)
}

// Snapshot returns a copy of the channel's current state.
func (ch *Channel) Snapshot() *ChannelSnapshot {
	return ch.store.snapshot()
}

// On registers a listener for this channel's events, after global ones.
func (ch *Channel) On(fn Listener, types ...EventType) *Subscription {
	return ch.client.listeners.add(ch.CID, fn, types)
}

func (ch *Channel) SendMessage(ctx context.Context, text string) (*Message, error) {
	return ch.client.channels.SendMessage(ctx, ch.Type, ch.ID, &Message{Text: text})
}

func (ch *Channel) MarkRead(ctx context.Context) error {
	return ch.client.channels.MarkRead(ctx, ch.Type, ch.ID, "")
}

func (ch *Channel) Unwatch(ctx context.Context) error {
	return ch.client.Unwatch(ctx, ch.CID)
}

// ============================================================================
// Event loop
// ============================================================================

func (c *Client) run() {
	defer close(c.loopDone)
	for {
		item := c.queue.next()
		switch item.kind {
		case itemStop:
			return
		case itemFrame:
			c.handleFrame(item.epoch, item.data)
		case itemConnected:
			c.handleConnected(item.info)
		case itemLost:
			c.handleLost(item.epoch)
		case itemDisconnected:
			c.handleDisconnected(item.err)
		case itemCall:
			item.fn()
			close(item.done)
		}
	}
}

// onLoop runs fn on the event loop and waits for it.
func (c *Client) onLoop(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	c.queue.push(loopItem{kind: itemCall, fn: fn, done: done})
	select {
	case <-done:
		return nil
	case <-c.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) handleFrame(epoch uint64, data []byte) {
	if epoch != c.epoch {
		c.logger.Debug("dropping frame from previous connection", "epoch", epoch)
		return
	}
	ev := c.dispatcher.decode(data)
	if ev == nil {
		return
	}
	if ev.Type == EventConnectionChanged || ev.Type == EventConnectionRecovered {
		// Only the client produces these.
		c.logger.Debug("dropping server connection event", "event_type", ev.Type)
		return
	}
	c.route(ev)
}

// route applies ev to its channel store, if one exists locally, and then
// delivers it: global listeners first, then the channel's.
func (c *Client) route(ev *Event) {
	for _, u := range collectUsers(ev) {
		c.users.upsert(u)
	}
	if p, ok := ev.Payload.(MutePayload); ok && p.Me != nil {
		c.setMe(p.Me)
	}
	if p, ok := ev.Payload.(ConnectionPayload); ok && p.Me != nil {
		c.setMe(p.Me)
	}

	c.mu.RLock()
	store := c.stores[ev.CID]
	c.mu.RUnlock()

	if store == nil {
		c.dispatcher.deliver(ev, false)
		return
	}

	if err := store.apply(ev); err != nil {
		c.logger.Debug("event conflicts with local state", "event_type", ev.Type, "cid", ev.CID, "error", err)
		c.report(Diagnostic{Kind: DiagStateConflict, EventType: ev.Type, CID: ev.CID, Err: err})
	}
	c.dispatcher.deliver(ev, true)

	if store.isDeleted() {
		c.evict(ev.CID)
	}
}

func (c *Client) setMe(u *User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.me == nil || c.me.ID == u.ID {
		c.me = u.clone()
	}
}

func (c *Client) handleConnected(info connectedInfo) {
	c.epoch = info.epoch
	if info.me != nil {
		c.users.upsert(info.me)
		c.mu.Lock()
		c.me = info.me.clone()
		c.mu.Unlock()
	}

	payload := ConnectionPayload{Online: true, ConnectionID: info.connectionID, Me: info.me}
	switch {
	case info.recovered:
		payload.Recovered = true
		c.route(synthesized(EventConnectionRecovered, c.clock.Now(), payload))
	case info.reconnect:
		// Nothing from the new connection is delivered until every
		// watched channel has been replaced.
		c.bumpSyncGen()
		c.resync()
		payload.Resynced = true
		c.route(synthesized(EventConnectionChanged, c.clock.Now(), payload))
	default:
		c.route(synthesized(EventConnectionChanged, c.clock.Now(), payload))
	}
}

func (c *Client) handleLost(epoch uint64) {
	if epoch != c.epoch {
		return
	}
	c.epoch = 0
	c.route(synthesized(EventConnectionChanged, c.clock.Now(), ConnectionPayload{Online: false}))
}

func (c *Client) handleDisconnected(err error) {
	c.epoch = 0
	c.bumpSyncGen()
	c.mu.Lock()
	cids := make([]string, 0, len(c.stores))
	for cid := range c.stores {
		cids = append(cids, cid)
	}
	c.mu.Unlock()
	for _, cid := range cids {
		c.evict(cid)
	}
	c.users.clear()
	c.route(synthesized(EventConnectionChanged, c.clock.Now(), ConnectionPayload{Online: false, Err: err}))
}

// resync re-queries every watched channel and replaces each store with the
// result. It blocks the event loop, so readers see either the pre-gap
// state or the refreshed one. A channel that is gone is evicted; any other
// failure leaves the old state in place, marked stale.
func (c *Client) resync() {
	c.mu.RLock()
	stores := make([]*channelStore, 0, len(c.stores))
	for _, s := range c.stores {
		stores = append(stores, s)
	}
	c.mu.RUnlock()
	if len(stores) == 0 {
		return
	}

	started := c.clock.Now()
	results := make([]*ChannelStateResponse, len(stores))
	errs := make([]error, len(stores))
	connID := c.conn.ServerConnectionID()

	var g errgroup.Group
	g.SetLimit(c.rtConfig.ResyncConcurrency)
	for i, s := range stores {
		g.Go(func() error {
			results[i], errs[i] = c.channels.Query(c.loopCtx, s.channelType, s.channelID, resyncRequest(s, connID))
			return nil
		})
	}
	g.Wait()

	failed := 0
	for i, s := range stores {
		switch err := errs[i]; {
		case err == nil:
			c.upsertStateUsers(results[i])
			s.reset(results[i])
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrPermission):
			c.logger.Info("dropping channel after resync", "cid", s.cid, "error", err)
			c.evict(s.cid)
		default:
			failed++
			s.markStale()
			c.logger.Warn("resync failed", "cid", s.cid, "error", err)
			c.report(Diagnostic{Kind: DiagResyncFailed, CID: s.cid, Err: err})
		}
	}
	c.logger.Info("resync finished", "channels", len(stores), "failed", failed, "duration", c.clock.Now().Sub(started))
}

// resyncRequest repeats the watch request on the new connection.
func resyncRequest(s *channelStore, connID string) *QueryChannelRequest {
	req := QueryChannelRequest{State: true, Watch: true}
	if s.query != nil {
		req = *s.query
	}
	req.ConnectionID = connID
	return &req
}

func (c *Client) upsertStateUsers(resp *ChannelStateResponse) {
	for _, m := range resp.Messages {
		c.users.upsert(m.User)
	}
	for _, m := range resp.Members {
		c.users.upsert(m.User)
	}
	for _, u := range resp.Watchers {
		c.users.upsert(u)
	}
	for _, r := range resp.Read {
		c.users.upsert(r.User)
	}
}

func (c *Client) report(d Diagnostic) {
	c.dispatcher.report(d)
}

// ============================================================================
// Loop queue
// ============================================================================

type itemKind int

const (
	itemFrame itemKind = iota
	itemConnected
	itemLost
	itemDisconnected
	itemCall
	itemStop
)

type loopItem struct {
	kind  itemKind
	epoch uint64
	data  []byte
	info  connectedInfo
	err   error
	fn    func()
	done  chan struct{}
}

// eventQueue is an unbounded FIFO. Producers never block, so the
// connection manager can notify while a listener is still running.
type eventQueue struct {
	mu    sync.Mutex
	items []loopItem
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(it loopItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// next blocks until an item is available. The loop exits on itemStop.
func (q *eventQueue) next() loopItem {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = loopItem{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it
		}
		q.mu.Unlock()
		<-q.ready
	}
}

// sessionEvents feeds connection notifications into the loop queue.
type sessionEvents struct{ q *eventQueue }

func (s sessionEvents) connected(info connectedInfo) {
	s.q.push(loopItem{kind: itemConnected, info: info})
}

func (s sessionEvents) frame(epoch uint64, data []byte) {
	s.q.push(loopItem{kind: itemFrame, epoch: epoch, data: data})
}

func (s sessionEvents) lost(epoch uint64, _ error) {
	s.q.push(loopItem{kind: itemLost, epoch: epoch})
}

func (s sessionEvents) disconnected(err error) {
	s.q.push(loopItem{kind: itemDisconnected, err: err})
}
