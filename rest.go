package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	params := url.Values{}
	for k, vs := range query {
		params[k] = vs
	}
	params.Set("api_key", c.apiKey)
	u := c.baseURL + path + "?" + params.Encode()

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.authToken(); token != "" {
		req.Header.Set("Authorization", token)
		req.Header.Set("X-Auth-Type", "jwt")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindNetwork, method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindNetwork, method+" "+path, err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		apiErr.StatusCode = resp.StatusCode
		return nil, newError(apiErr.Kind(), method+" "+path, apiErr)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func channelPath(channelType, channelID, action string) string {
	return "/channels/" + url.PathEscape(channelType) + "/" + url.PathEscape(channelID) + action
}

// ============================================================================
// Channels
// ============================================================================

// ChannelsClient wraps the channel endpoints the realtime core depends on.
type ChannelsClient struct{ c *Client }

// Pagination limits one list inside a channel query.
type Pagination struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type QueryChannelRequest struct {
	State        bool           `json:"state"`
	Watch        bool           `json:"watch"`
	Presence     bool           `json:"presence"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Messages     *Pagination    `json:"messages,omitempty"`
	Members      *Pagination    `json:"members,omitempty"`
	Watchers     *Pagination    `json:"watchers,omitempty"`
}

// Query fetches (and with Watch set, subscribes to) a channel's full state.
func (ch *ChannelsClient) Query(ctx context.Context, channelType, channelID string, req *QueryChannelRequest) (*ChannelStateResponse, error) {
	if req == nil {
		req = &QueryChannelRequest{State: true}
	}
	data, err := ch.c.doRequest(ctx, http.MethodPost, channelPath(channelType, channelID, "/query"), req, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[ChannelStateResponse](data)
	if err != nil {
		return nil, err
	}
	normalizeState(resp)
	return resp, nil
}

func (ch *ChannelsClient) StopWatching(ctx context.Context, channelType, channelID, connectionID string) error {
	body := map[string]string{"connection_id": connectionID}
	_, err := ch.c.doRequest(ctx, http.MethodPost, channelPath(channelType, channelID, "/stop-watching"), body, nil)
	return err
}

// MarkRead moves the caller's read cursor; an empty messageID means latest.
func (ch *ChannelsClient) MarkRead(ctx context.Context, channelType, channelID, messageID string) error {
	body := map[string]string{}
	if messageID != "" {
		body["message_id"] = messageID
	}
	_, err := ch.c.doRequest(ctx, http.MethodPost, channelPath(channelType, channelID, "/read"), body, nil)
	return err
}

func (ch *ChannelsClient) SendMessage(ctx context.Context, channelType, channelID string, msg *Message) (*Message, error) {
	data, err := ch.c.doRequest(ctx, http.MethodPost, channelPath(channelType, channelID, "/message"), map[string]any{"message": msg}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Message *Message `json:"message"`
	}](data)
	if err != nil {
		return nil, err
	}
	normalizeMessage(resp.Message)
	return resp.Message, nil
}

// ============================================================================
// Users
// ============================================================================

type UsersClient struct{ c *Client }

func (uc *UsersClient) Query(ctx context.Context, opts *QueryOptions) ([]*User, error) {
	if opts == nil {
		opts = &QueryOptions{}
	}
	payload, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	data, err := uc.c.doRequest(ctx, http.MethodGet, "/users", nil, url.Values{"payload": {string(payload)}})
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Users []*User `json:"users"`
	}](data)
	if err != nil {
		return nil, err
	}
	for _, u := range resp.Users {
		normalizeUser(u)
	}
	return resp.Users, nil
}

// Upsert creates or replaces users and returns the stored records by id.
func (uc *UsersClient) Upsert(ctx context.Context, users ...*User) (map[string]*User, error) {
	byID := make(map[string]*User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	data, err := uc.c.doRequest(ctx, http.MethodPost, "/users", map[string]any{"users": byID}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Users map[string]*User `json:"users"`
	}](data)
	if err != nil {
		return nil, err
	}
	for _, u := range resp.Users {
		normalizeUser(u)
	}
	return resp.Users, nil
}

// ============================================================================
// Devices
// ============================================================================

type DevicesClient struct{ c *Client }

func (d *DevicesClient) Add(ctx context.Context, device *Device) error {
	_, err := d.c.doRequest(ctx, http.MethodPost, "/devices", device, nil)
	return err
}

func (d *DevicesClient) List(ctx context.Context, userID string) ([]*Device, error) {
	data, err := d.c.doRequest(ctx, http.MethodGet, "/devices", nil, url.Values{"user_id": {userID}})
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Devices []*Device `json:"devices"`
	}](data)
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (d *DevicesClient) Delete(ctx context.Context, deviceID, userID string) error {
	_, err := d.c.doRequest(ctx, http.MethodDelete, "/devices", nil, url.Values{"id": {deviceID}, "user_id": {userID}})
	return err
}

// ============================================================================
// Channel types
// ============================================================================

type ChannelTypesClient struct{ c *Client }

func (ct *ChannelTypesClient) Create(ctx context.Context, t *ChannelType) (*ChannelType, error) {
	data, err := ct.c.doRequest(ctx, http.MethodPost, "/channeltypes", t, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChannelType](data)
}

func (ct *ChannelTypesClient) Get(ctx context.Context, name string) (*ChannelType, error) {
	data, err := ct.c.doRequest(ctx, http.MethodGet, "/channeltypes/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChannelType](data)
}

func (ct *ChannelTypesClient) List(ctx context.Context) (map[string]*ChannelType, error) {
	data, err := ct.c.doRequest(ctx, http.MethodGet, "/channeltypes", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		ChannelTypes map[string]*ChannelType `json:"channel_types"`
	}](data)
	if err != nil {
		return nil, err
	}
	return resp.ChannelTypes, nil
}

// Update applies a partial update; fields absent from options are kept.
func (ct *ChannelTypesClient) Update(ctx context.Context, name string, options map[string]any) error {
	_, err := ct.c.doRequest(ctx, http.MethodPut, "/channeltypes/"+url.PathEscape(name), options, nil)
	return err
}

func (ct *ChannelTypesClient) Delete(ctx context.Context, name string) error {
	_, err := ct.c.doRequest(ctx, http.MethodDelete, "/channeltypes/"+url.PathEscape(name), nil, nil)
	return err
}

// ============================================================================
// App settings and push
// ============================================================================

type AppClient struct{ c *Client }

func (a *AppClient) Get(ctx context.Context) (*AppSettings, error) {
	data, err := a.c.doRequest(ctx, http.MethodGet, "/app", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		App *AppSettings `json:"app"`
	}](data)
	if err != nil {
		return nil, err
	}
	if resp.App == nil {
		return &AppSettings{}, nil
	}
	return resp.App, nil
}

func (a *AppClient) Update(ctx context.Context, settings *AppSettings) error {
	_, err := a.c.doRequest(ctx, http.MethodPatch, "/app", settings, nil)
	return err
}

type PushClient struct{ c *Client }

// Check renders the push templates for a message without delivering.
func (p *PushClient) Check(ctx context.Context, req *CheckPushRequest) (*CheckPushResponse, error) {
	data, err := p.c.doRequest(ctx, http.MethodPost, "/check_push", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[CheckPushResponse](data)
}
