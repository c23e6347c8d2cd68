package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS serves the channel on a subject. Commands sent as requests are
// answered on their reply subject; notifications for commands without a
// reply subject, and published events, go to the events subject.
type NATS struct {
	channel *Channel
	conn    *nats.Conn
	subject string
	events  string
}

func NewNATS(c *Channel, conn *nats.Conn, subject, events string) *NATS {
	return &NATS{channel: c, conn: conn, subject: subject, events: events}
}

// Run subscribes to the command subject and forwards events until ctx is done.
func (n *NATS) Run(ctx context.Context) error {
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		n.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	defer sub.Unsubscribe()

	events, unsubscribe := n.channel.Subscribe()
	defer unsubscribe()

	n.channel.log.Info().Str("subject", n.subject).Msg("Listening for control commands on NATS")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			n.publish(n.events, ev)
		}
	}
}

func (n *NATS) handle(ctx context.Context, msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		n.reply(msg, Notification{Type: CommandRejected, Error: "invalid command: " + err.Error(), At: n.channel.now()})
		return
	}
	reply, err := n.channel.Submit(ctx, cmd)
	if err != nil {
		return
	}
	go func() {
		select {
		case notification := <-reply:
			n.reply(msg, notification)
		case <-ctx.Done():
		}
	}()
}

func (n *NATS) reply(msg *nats.Msg, notification Notification) {
	if msg.Reply != "" {
		n.publish(msg.Reply, notification)
		return
	}
	n.publish(n.events, notification)
}

func (n *NATS) publish(subject string, notification Notification) {
	b, err := json.Marshal(notification)
	if err != nil {
		return
	}
	if err := n.conn.Publish(subject, b); err != nil {
		n.channel.log.Error().Err(err).Str("subject", subject).Msg("Could not publish notification")
	}
}
