//go:build integration

package relay_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	relay "github.com/relaychat/relay-go"
)

// helpers ---------------------------------------------------------------

func env(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s environment variable is required", key)
	}
	return v
}

func newClient(t *testing.T) *relay.Client {
	t.Helper()
	opts := []relay.ClientOption{relay.WithTimeout(15 * time.Second)}
	if base := os.Getenv("RELAY_BASE_URL"); base != "" {
		opts = append(opts, relay.WithBaseURL(base))
	}
	c := relay.NewClient(env(t, "RELAY_API_KEY"), opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func credentials(t *testing.T, userID string) relay.Credentials {
	t.Helper()
	token, err := relay.CreateToken(env(t, "RELAY_API_SECRET"), userID, time.Time{})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return relay.Credentials{User: &relay.User{ID: userID, Name: userID}, Token: token}
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Realtime sync against a live backend
// =======================================================================

func TestIntegration_WatchAndReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	aliceID, bobID := uniqueName("alice"), uniqueName("bob")
	alice, bob := newClient(t), newClient(t)
	aliceCreds, bobCreds := credentials(t, aliceID), credentials(t, bobID)
	bob.SetToken(bobCreds.Token)

	if _, err := bob.Users().Upsert(ctx, aliceCreds.User, bobCreds.User); err != nil {
		t.Fatalf("Upsert users: %v", err)
	}

	if err := alice.Connect(ctx, aliceCreds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if alice.State() != relay.StateConnected {
		t.Fatalf("expected connected, got %s", alice.State())
	}
	t.Logf("Connect: me=%s epoch=%d", alice.Me().ID, alice.ConnectionID())

	channelID := uniqueName("go-it")
	ch, err := alice.Watch(ctx, "messaging", channelID, &relay.WatchOptions{
		Data: map[string]any{"members": []string{aliceID, bobID}},
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	got := make(chan *relay.Event, 1)
	ch.On(func(ev *relay.Event) {
		select {
		case got <- ev:
		default:
		}
	}, relay.EventMessageNew)

	text := fmt.Sprintf("integration %d", time.Now().UnixNano())
	sent, err := bob.Channels().SendMessage(ctx, "messaging", channelID, &relay.Message{Text: text})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case ev := <-got:
		msg := ev.Payload.(relay.MessagePayload).Message
		if msg.ID != sent.ID {
			t.Errorf("received %s, sent %s", msg.ID, sent.ID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message.new")
	}

	snap := ch.Snapshot()
	if snap.Message(sent.ID) == nil {
		t.Fatalf("sent message missing from snapshot: %d messages", len(snap.Messages))
	}
	t.Logf("Snapshot: messages=%d members=%d unread=%d", len(snap.Messages), len(snap.Members), snap.UnreadCount)

	if err := ch.MarkRead(ctx); err != nil {
		t.Errorf("MarkRead: %v", err)
	}
	if err := ch.Unwatch(ctx); err != nil {
		t.Errorf("Unwatch: %v", err)
	}
	if err := alice.Disconnect(); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
	if alice.State() != relay.StateDisconnected {
		t.Errorf("expected disconnected, got %s", alice.State())
	}
}

func TestIntegration_BadTokenIsAuthError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newClient(t)
	err := c.Connect(ctx, relay.Credentials{User: &relay.User{ID: "nobody"}, Token: "not-a-token"})
	if !errors.Is(err, relay.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestIntegration_AppSettings(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newClient(t)
	token, err := relay.ServerToken(env(t, "RELAY_API_SECRET"))
	if err != nil {
		t.Fatalf("ServerToken: %v", err)
	}
	c.SetToken(token)

	app, err := c.App().Get(ctx)
	if err != nil {
		t.Fatalf("App.Get: %v", err)
	}
	t.Logf("App: name=%s", app.Name)

	types, err := c.ChannelTypes().List(ctx)
	if err != nil {
		t.Fatalf("ChannelTypes.List: %v", err)
	}
	if _, ok := types["messaging"]; !ok {
		t.Errorf("messaging channel type missing: %d types", len(types))
	}
}
