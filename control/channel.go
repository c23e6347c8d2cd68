package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/metrics"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// Target is the cache state mutated by commands.
type Target interface {
	SetCachingEnabled(enabled bool)
	// ForceActivate takes over in-flight sessions without waiting for them to finish.
	ForceActivate(ctx context.Context) error
	// Revalidate fetches the URL and writes the response through to its namespace.
	Revalidate(ctx context.Context, rawURL, accept string) error
	ClearNamespace(ctx context.Context, name string) error
	// InjectEntry stores the payload for the URL unless a fresh entry exists.
	// It reports whether the payload was stored.
	InjectEntry(ctx context.Context, rawURL string, p serializer.Payload) (bool, error)
}

type envelope struct {
	ctx   context.Context
	cmd   Command
	reply chan Notification
}

type Options struct {
	Target  Target
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Commands queued before Submit blocks. Defaults to 64.
	QueueSize int
	Now       func() time.Time
}

// Channel queues commands, runs them concurrently against the target and
// delivers one notification per command to its originator.
// Notifications that answer no command are fanned out to subscribers.
type Channel struct {
	target  Target
	queue   chan envelope
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	subscribers map[chan Notification]struct{}
}

func NewChannel(opts Options) *Channel {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{
		target:      opts.Target,
		queue:       make(chan envelope, opts.QueueSize),
		log:         opts.Logger.With().Str("component", "control").Logger(),
		metrics:     opts.Metrics,
		now:         opts.Now,
		subscribers: make(map[chan Notification]struct{}),
	}
}

// Submit queues the command. The returned channel receives exactly one
// notification once the command has run. Run must be active for it to arrive.
func (c *Channel) Submit(ctx context.Context, cmd Command) (<-chan Notification, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	reply := make(chan Notification, 1)
	select {
	case c.queue <- envelope{ctx: context.WithoutCancel(ctx), cmd: cmd, reply: reply}:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes queued commands until ctx is done, then waits for the
// running ones to finish.
func (c *Channel) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-c.queue:
			wg.Add(1)
			go func() {
				defer wg.Done()
				env.reply <- c.Execute(env.ctx, env.cmd)
			}()
		}
	}
}

// Execute runs one command synchronously.
func (c *Channel) Execute(ctx context.Context, cmd Command) Notification {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	log := c.log.With().Str("command", cmd.ID).Str("type", string(cmd.Type)).Logger()
	n := c.execute(ctx, cmd)
	n.CommandID = cmd.ID
	n.At = c.now()

	c.metrics.ControlCommand(string(cmd.Type), string(n.Type))
	if n.Type.Failed() {
		log.Warn().Str("url", n.URL).Str("namespace", n.Namespace).Str("error", n.Error).Msg(string(n.Type))
	} else {
		log.Info().Str("url", n.URL).Str("namespace", n.Namespace).Msg(string(n.Type))
	}
	return n
}

func (c *Channel) execute(ctx context.Context, cmd Command) Notification {
	switch cmd.Type {
	case DisableCache:
		c.target.SetCachingEnabled(false)
		return Notification{Type: CacheDisabled}

	case EnableCache:
		c.target.SetCachingEnabled(true)
		return Notification{Type: CacheEnabled}

	case ForceActivate:
		if err := c.target.ForceActivate(ctx); err != nil {
			return failure(ActivationFailed, Notification{}, err)
		}
		return Notification{Type: Activated}

	case Revalidate:
		n := Notification{URL: cmd.URL}
		if cmd.URL == "" {
			return failure(CommandRejected, n, errors.New("url is required"))
		}
		if err := c.target.Revalidate(ctx, cmd.URL, cmd.Accept); err != nil {
			return failure(RevalidationFailed, n, err)
		}
		n.Type = RevalidationSucceeded
		return n

	case ClearNamespace:
		n := Notification{Namespace: cmd.Namespace}
		if cmd.Namespace == "" {
			return failure(CommandRejected, n, errors.New("namespace is required"))
		}
		if err := c.target.ClearNamespace(ctx, cmd.Namespace); err != nil {
			return failure(ClearFailed, n, err)
		}
		n.Type = CacheCleared
		return n

	case InjectEntry:
		n := Notification{URL: cmd.URL}
		if cmd.URL == "" || cmd.Payload == nil {
			return failure(CommandRejected, n, errors.New("url and payload are required"))
		}
		stored, err := c.target.InjectEntry(ctx, cmd.URL, cmd.Payload.Response())
		if errors.Is(err, ErrCachingDisabled) || errors.Is(err, ErrExcluded) {
			return failure(InjectionSkipped, n, err)
		}
		if err != nil {
			return failure(InjectionFailed, n, err)
		}
		if !stored {
			n.Type = InjectionSkipped
			return n
		}
		n.Type = EntryInjected
		return n
	}
	return failure(CommandRejected, Notification{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type))
}

func failure(t NotificationType, n Notification, err error) Notification {
	n.Type = t
	n.Error = err.Error()
	return n
}

// Subscribe returns a channel receiving published notifications, and a
// function to stop the subscription.
func (c *Channel) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 16)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, ch)
			c.mu.Unlock()
		})
	}
}

// Publish delivers an event to all subscribers. Slow subscribers miss it.
func (c *Channel) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- n:
		default:
			c.log.Warn().Str("type", string(n.Type)).Msg("Subscriber too slow, dropping notification")
		}
	}
}
