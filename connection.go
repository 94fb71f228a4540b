package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaychat/relay-go/internal/clock"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig tunes the connection lifecycle. Zero fields take defaults;
// a negative HealthTimeout or PingInterval disables that timer.
type RealtimeConfig struct {
	// ConnectAttempts bounds the initial Connect. Default 3.
	ConnectAttempts int
	// MaxReconnectAttempts bounds recovery after an unexpected loss.
	// Zero retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HealthTimeout        time.Duration
	PingInterval         time.Duration
	// ResyncConcurrency limits parallel channel fetches during a resync.
	ResyncConcurrency int
}

func (c *RealtimeConfig) defaults() {
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 3
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 35 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ResyncConcurrency == 0 {
		c.ResyncConcurrency = 8
	}
}

// ConnectionState is the lifecycle state of the realtime connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// Connection Manager
// ============================================================================

var errHealthTimeout = errors.New("no frame received within health timeout")

// connectedInfo is handed to the session after every successful
// (re)connect.
type connectedInfo struct {
	epoch        uint64
	connectionID string
	me           *User
	reconnect    bool
	recovered    bool
}

// connectionEvents receives lifecycle notifications from the manager. Calls
// for one manager never overlap and must not block.
type connectionEvents interface {
	connected(info connectedInfo)
	frame(epoch uint64, data []byte)
	lost(epoch uint64, cause error)
	disconnected(err error)
}

type handshake struct {
	connectionID string
	me           *User
}

// connManager owns the single realtime connection of a Client.
type connManager struct {
	transport Transport
	clock     clock.Clock
	cfg       RealtimeConfig
	logger    *slog.Logger
	events    connectionEvents
	wsURL     string
	apiKey    string

	// emitMu orders lifecycle notifications; mu guards the fields below.
	emitMu sync.Mutex
	mu     sync.Mutex

	state        ConnectionState
	epoch        uint64
	gen          uint64
	serverConnID string
	creds        *Credentials
	conn         TransportConn
	cancel       context.CancelFunc
	healthTimer  *clock.Timer
	recon        *reconnector
}

func newConnManager(t Transport, clk clock.Clock, cfg RealtimeConfig, logger *slog.Logger, events connectionEvents, wsURL, apiKey string) *connManager {
	return &connManager{
		transport: t,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
		events:    events,
		wsURL:     wsURL,
		apiKey:    apiKey,
		state:     StateDisconnected,
		recon:     newReconnector(&cfg, cfg.MaxReconnectAttempts),
	}
}

func (m *connManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the local id of the current connection, or of the last
// one if disconnected. It increases on every successful (re)connect.
func (m *connManager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *connManager) ServerConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverConnID
}

// Connect dials with creds, retrying network failures up to
// ConnectAttempts. Rejected credentials fail immediately with ErrAuth.
// Calling Connect while connected or connecting is a no-op.
func (m *connManager) Connect(ctx context.Context, creds Credentials) error {
	if creds.User == nil || creds.User.ID == "" {
		return errorf(KindValidation, "connect", "credentials need a user id")
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.creds = &creds
	m.serverConnID = ""
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.recon.reset()
	m.mu.Unlock()
	defer cancel()

	backoff := newReconnector(&m.cfg, m.cfg.ConnectAttempts)
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConnectAttempts; attempt++ {
		conn, hs, err := m.dial(ctx, creds, "")
		if err == nil {
			if !m.established(gen, conn, hs, false) {
				return ErrClosed
			}
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrAuth) {
			m.abortConnect(gen)
			return err
		}
		if ctx.Err() != nil {
			break
		}
		m.logger.Warn("connect attempt failed", "attempt", attempt, "error", err)
		if attempt == m.cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-m.clock.After(backoff.nextDelay()):
		}
	}

	m.abortConnect(gen)
	if ctx.Err() != nil && lastErr == nil {
		lastErr = ctx.Err()
	}
	return &Error{Kind: KindNetwork, Op: "connect", Message: fmt.Sprintf("gave up after %d attempts", m.cfg.ConnectAttempts), Err: lastErr}
}

func (m *connManager) abortConnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.state = StateDisconnected
		m.cancel = nil
	}
}

// Disconnect tears the connection down from any state. It is idempotent:
// only the first call after a connection notifies the session.
func (m *connManager) Disconnect() error {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	conn := m.teardownLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Info("disconnected")
	var err error
	if conn != nil {
		err = conn.Close("client disconnect")
	}
	m.events.disconnected(nil)
	return err
}

// teardownLocked cancels the read loop, ping loop and any backoff wait and
// stops the liveness timer. The caller closes the returned connection.
func (m *connManager) teardownLocked() TransportConn {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.healthTimer != nil {
		m.healthTimer.Stop()
		m.healthTimer = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

// dial opens a transport connection and reads the handshake frame.
func (m *connManager) dial(ctx context.Context, creds Credentials, recoverID string) (TransportConn, *handshake, error) {
	// The upgrade and the first frame share one liveness window.
	if m.cfg.HealthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HealthTimeout)
		defer cancel()
	}

	conn, err := m.transport.Dial(ctx, DialRequest{
		URL:                 m.wsURL,
		APIKey:              m.apiKey,
		UserID:              creds.User.ID,
		Token:               creds.Token,
		User:                creds.User,
		ClientRequestID:     uuid.NewString(),
		RecoverConnectionID: recoverID,
	})
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, nil, err
		}
		return nil, nil, newError(KindNetwork, "dial", err)
	}

	data, err := conn.Read(ctx)
	if err != nil {
		conn.Close("handshake failed")
		return nil, nil, newError(KindNetwork, "handshake", err)
	}

	hs, err := parseHandshake(data)
	if err != nil {
		conn.Close("handshake failed")
		return nil, nil, err
	}
	return conn, hs, nil
}

func parseHandshake(data []byte) (*handshake, error) {
	var frame struct {
		Type         string    `json:"type"`
		ConnectionID string    `json:"connection_id"`
		Me           *User     `json:"me"`
		Error        *APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, newError(KindNetwork, "handshake", err)
	}
	if frame.Error != nil {
		return nil, newError(frame.Error.Kind(), "handshake", frame.Error)
	}
	if frame.Type != string(EventHealthCheck) || frame.ConnectionID == "" {
		return nil, errorf(KindNetwork, "handshake", "unexpected first frame %q", frame.Type)
	}
	normalizeUser(frame.Me)
	return &handshake{connectionID: frame.ConnectionID, me: frame.Me}, nil
}

// established installs conn as the live connection unless a Disconnect
// superseded the attempt identified by gen.
func (m *connManager) established(gen uint64, conn TransportConn, hs *handshake, reconnect bool) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close("superseded")
		return false
	}
	recovered := reconnect && m.serverConnID != "" && hs.connectionID == m.serverConnID
	m.epoch++
	epoch := m.epoch
	m.serverConnID = hs.connectionID
	m.conn = conn
	m.state = StateConnected
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if m.cfg.HealthTimeout > 0 {
		m.healthTimer = m.clock.AfterFunc(m.cfg.HealthTimeout, func() {
			m.connectionLost(epoch, errHealthTimeout)
		})
	}
	m.mu.Unlock()

	m.logger.Info("connected", "connection_id", hs.connectionID, "epoch", epoch, "recovered", recovered)
	m.events.connected(connectedInfo{
		epoch:        epoch,
		connectionID: hs.connectionID,
		me:           hs.me,
		reconnect:    reconnect,
		recovered:    recovered,
	})

	go m.readLoop(ctx, conn, epoch)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(ctx, conn)
	}
	return true
}

func (m *connManager) readLoop(ctx context.Context, conn TransportConn, epoch uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.connectionLost(epoch, err)
			return
		}
		m.touch(epoch)
		m.events.frame(epoch, data)
	}
}

// touch restarts the liveness timer; any frame counts.
func (m *connManager) touch(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch && m.healthTimer != nil {
		m.healthTimer.Reset(m.cfg.HealthTimeout)
	}
}

func (m *connManager) pingLoop(ctx context.Context, conn TransportConn) {
	ticker := m.clock.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, _ := json.Marshal(map[string]string{
				"type":      string(EventHealthCheck),
				"client_id": uuid.NewString(),
			})
			if err := conn.Write(ctx, frame); err != nil && ctx.Err() == nil {
				// The read side notices the broken connection.
				m.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

// connectionLost starts recovery if epoch is still the live connection.
func (m *connManager) connectionLost(epoch uint64, cause error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.teardownLocked()
	m.state = StateReconnecting
	m.recon.reset()
	gen := m.gen
	creds := *m.creds
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if conn != nil {
		conn.Close("connection lost")
	}
	m.logger.Info("connection lost", "epoch", epoch, "error", cause)
	m.events.lost(epoch, cause)

	go m.reconnectLoop(ctx, gen, creds)
}

func (m *connManager) reconnectLoop(ctx context.Context, gen uint64, creds Credentials) {
	var lastErr error
	for {
		if !m.recon.shouldReconnect() {
			m.exhausted(gen, lastErr)
			return
		}
		delay := m.recon.nextDelay()
		m.logger.Info("reconnecting", "attempt", m.recon.attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(delay):
		}

		conn, hs, err := m.dial(ctx, creds, m.ServerConnectionID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuth) {
				m.exhausted(gen, err)
				return
			}
			m.logger.Warn("reconnect attempt failed", "attempt", m.recon.attempt, "error", err)
			lastErr = err
			continue
		}
		m.established(gen, conn, hs, true)
		return
	}
}

// exhausted moves to a terminal Disconnected after recovery gave up.
func (m *connManager) exhausted(gen uint64, cause error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	conn := m.teardownLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close("giving up")
	}
	err := cause
	if !errors.Is(err, ErrAuth) {
		err = &Error{Kind: KindNetwork, Op: "reconnect", Message: "retry budget exhausted", Err: cause}
	}
	m.logger.Warn("reconnect gave up", "error", err)
	m.events.disconnected(err)
}
