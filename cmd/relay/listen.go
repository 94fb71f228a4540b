package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	relay "github.com/relaychat/relay-go"
)

var listenTypes []string

func init() {
	listenCmd.Flags().StringSliceVar(&listenTypes, "type", nil, "only show these event types")
	rootCmd.AddCommand(listenCmd)
}

var (
	timeStyle    = lipgloss.NewStyle().Faint(true)
	cidStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	messageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	connStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	otherStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// listenRecord is the json/yaml shape of one event.
type listenRecord struct {
	Type      string    `json:"type" yaml:"type"`
	CID       string    `json:"cid,omitempty" yaml:"cid,omitempty"`
	CreatedAt string    `json:"created_at" yaml:"created_at"`
	Summary   string    `json:"summary,omitempty" yaml:"summary,omitempty"`
	Received  time.Time `json:"received_at" yaml:"received_at"`
}

var listenCmd = &cobra.Command{
	Use:   "listen <type:id>...",
	Short: "Watch channels and print their events",
	Long:  "Connect as the configured user, watch each channel and print events until interrupted.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient(cmd)
		defer client.Close()

		creds, err := userCredentials(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events := make(chan *relay.Event, 256)
		var filter []relay.EventType
		for _, t := range listenTypes {
			if !relay.IsValidEventType(t) {
				return fmt.Errorf("unknown event type %q", t)
			}
			filter = append(filter, relay.EventType(t))
		}
		// Listeners run on the SDK's event loop; printing happens here.
		client.On(func(ev *relay.Event) {
			select {
			case events <- ev:
			default:
				fmt.Fprintln(os.Stderr, errorStyle.Render("output falling behind, dropped "+ev.String()))
			}
		}, filter...)
		closed := make(chan error, 1)
		client.On(func(ev *relay.Event) {
			if err := terminalError(ev); err != nil {
				select {
				case closed <- err:
				default:
				}
			}
		}, relay.EventConnectionChanged)

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := client.Connect(connectCtx, creds); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		for _, arg := range args {
			typ, id, ok := strings.Cut(arg, ":")
			if !ok || typ == "" || id == "" {
				return fmt.Errorf("channel must be type:id, got %q", arg)
			}
			ch, err := client.Watch(connectCtx, typ, id, nil)
			if err != nil {
				return fmt.Errorf("watch %s: %w", arg, err)
			}
			if outputFormat == "text" {
				snap := ch.Snapshot()
				fmt.Fprintf(os.Stderr, "watching %s: %d messages, %d members, %d watchers\n",
					cidStyle.Render(ch.CID), len(snap.Messages), len(snap.Members), snap.WatcherCount)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return client.Disconnect()
			case ev := <-events:
				if err := printEvent(ev); err != nil {
					return err
				}
			case err := <-closed:
				return fmt.Errorf("connection closed: %w", err)
			}
		}
	},
}

// terminalError returns the cause of a disconnect the client will not
// recover from on its own, or nil for any other event.
func terminalError(ev *relay.Event) error {
	if ev.Type != relay.EventConnectionChanged {
		return nil
	}
	if p, ok := ev.Payload.(relay.ConnectionPayload); ok && !p.Online {
		return p.Err
	}
	return nil
}

func printEvent(ev *relay.Event) error {
	if outputFormat != "text" {
		return printOutput(listenRecord{
			Type:      string(ev.Type),
			CID:       ev.CID,
			CreatedAt: relay.FormatTimestamp(ev.CreatedAt),
			Summary:   summarize(ev),
			Received:  ev.ReceivedAt,
		})
	}
	fmt.Println(renderEvent(ev))
	return nil
}

func renderEvent(ev *relay.Event) string {
	style := otherStyle
	switch {
	case strings.HasPrefix(string(ev.Type), "message."):
		style = messageStyle
	case strings.HasPrefix(string(ev.Type), "connection."):
		style = connStyle
		if p, ok := ev.Payload.(relay.ConnectionPayload); ok && p.Err != nil {
			style = errorStyle
		}
	}

	parts := []string{
		timeStyle.Render(ev.CreatedAt.Local().Format("15:04:05.000")),
		style.Render(string(ev.Type)),
	}
	if ev.CID != "" {
		parts = append(parts, cidStyle.Render(ev.CID))
	}
	if s := summarize(ev); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// summarize returns a short human description of the payload.
func summarize(ev *relay.Event) string {
	who := func(u *relay.User) string {
		if u == nil {
			return ""
		}
		if u.Name != "" {
			return u.Name
		}
		return u.ID
	}
	switch p := ev.Payload.(type) {
	case relay.MessagePayload:
		return fmt.Sprintf("%s: %s", who(p.Message.User), p.Message.Text)
	case relay.ReactionPayload:
		return fmt.Sprintf("%s %s on %s", who(p.User), p.Reaction.Type, p.Message.ID)
	case relay.MemberPayload:
		return p.Member.UserID
	case relay.WatchingPayload:
		if p.WatcherCount != nil {
			return fmt.Sprintf("%s (%d watching)", who(p.User), *p.WatcherCount)
		}
		return who(p.User)
	case relay.ReadPayload, relay.TypingPayload, relay.MutePayload, relay.ChannelPayload:
		if u := ev.User(); u != nil {
			return who(u)
		}
	case relay.UserPayload:
		return who(p.User)
	case relay.ConnectionPayload:
		switch {
		case p.Err != nil:
			return "offline: " + p.Err.Error()
		case p.Recovered:
			return "recovered"
		case p.Resynced:
			return "online, resynced"
		case p.Online:
			return "online"
		default:
			return "offline"
		}
	}
	return ""
}
