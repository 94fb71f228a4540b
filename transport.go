package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Transport opens realtime connections. The default implementation speaks
// WebSocket; tests substitute a scripted fake.
type Transport interface {
	Dial(ctx context.Context, req DialRequest) (TransportConn, error)
}

// TransportConn is one established duplex connection carrying JSON frames.
type TransportConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// DialRequest carries everything the handshake needs.
type DialRequest struct {
	URL                 string
	APIKey              string
	UserID              string
	Token               string
	User                *User
	ClientRequestID     string
	RecoverConnectionID string
}

type connectPayload struct {
	UserID              string `json:"user_id"`
	UserDetails         *User  `json:"user_details,omitempty"`
	ClientRequestID     string `json:"client_request_id"`
	RecoverConnectionID string `json:"recover_connection_id,omitempty"`
}

// ConnectURL renders the handshake URL for req.
func ConnectURL(req DialRequest) (string, error) {
	base := strings.TrimRight(req.URL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)

	payload, err := json.Marshal(connectPayload{
		UserID:              req.UserID,
		UserDetails:         req.User,
		ClientRequestID:     req.ClientRequestID,
		RecoverConnectionID: req.RecoverConnectionID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal connect payload: %w", err)
	}

	params := url.Values{}
	params.Set("json", string(payload))
	params.Set("api_key", req.APIKey)
	params.Set("authorization", req.Token)
	params.Set("stream-auth-type", "jwt")
	return base + "/connect?" + params.Encode(), nil
}

// ============================================================================
// WebSocket transport
// ============================================================================

const maxFrameSize = 1 << 20

type websocketTransport struct {
	httpClient *http.Client
}

// NewWebSocketTransport returns the default transport. A nil client uses
// http.DefaultClient. The client's Timeout is ignored; the dial context
// bounds the upgrade instead.
func NewWebSocketTransport(httpClient *http.Client) Transport {
	if httpClient != nil && httpClient.Timeout > 0 {
		c := *httpClient
		c.Timeout = 0
		httpClient = &c
	}
	return &websocketTransport{httpClient: httpClient}
}

func (t *websocketTransport) Dial(ctx context.Context, req DialRequest) (TransportConn, error) {
	u, err := ConnectURL(req)
	if err != nil {
		return nil, newError(KindValidation, "dial", err)
	}

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: t.httpClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, newError(KindAuth, "dial", fmt.Errorf("upgrade rejected with status %d", resp.StatusCode))
		}
		return nil, newError(KindNetwork, "dial", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *websocketConn) Write(ctx context.Context, frame []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

func (c *websocketConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
