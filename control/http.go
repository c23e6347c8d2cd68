package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// SecretHeader authenticates HTTP controllers.
const SecretHeader = "X-Cache-Secret"

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// Handler exposes the channel over HTTP:
//
//	POST /commands  one command per request, answered with its notification
//	GET  /ws        WebSocket: commands in, notifications and events out
//
// Both require the shared secret in the X-Cache-Secret header. Browsers cannot
// set headers on WebSocket handshakes, so /ws also accepts the "secret" query
// parameter; URLs end up in access logs, prefer the header where possible.
func Handler(c *Channel, secret string) http.Handler {
	h := &httpTransport{
		channel: c,
		secret:  secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	r := chi.NewRouter()
	r.With(h.authenticate(false)).Post("/commands", h.command)
	r.With(h.authenticate(true)).Get("/ws", h.websocket)
	return r
}

type httpTransport struct {
	channel  *Channel
	secret   string
	upgrader websocket.Upgrader
}

func (h *httpTransport) authenticate(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given := r.Header.Get(SecretHeader)
			if given == "" && allowQuery {
				given = r.URL.Query().Get("secret")
			}
			if h.secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(h.secret)) != 1 {
				http.Error(w, "invalid secret", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *httpTransport) command(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid command: "+err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := h.channel.Submit(r.Context(), cmd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	select {
	case n := <-reply:
		writeNotification(w, n)
	case <-r.Context().Done():
	}
}

func writeNotification(w http.ResponseWriter, n Notification) {
	status := http.StatusOK
	switch {
	case n.Type == CommandRejected:
		status = http.StatusBadRequest
	case n.Type.Failed():
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(n)
}

func (h *httpTransport) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.channel.log.Error().Err(err).Msg("Could not upgrade control connection")
		return
	}
	h.channel.log.Debug().Str("remote", r.RemoteAddr).Msg("Control connection opened")

	events, unsubscribe := h.channel.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	out := make(chan Notification, 16)
	var pending sync.WaitGroup

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		wsWriter(ctx, conn, out, events)
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.channel.log.Debug().Err(err).Msg("Control connection closed")
			}
			break
		}
		reply, err := h.channel.Submit(ctx, cmd)
		if err != nil {
			break
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			select {
			case n := <-reply:
				select {
				case out <- n:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}()
	}
	cancel()
	pending.Wait()
	<-writerDone
	conn.Close()
}

// wsWriter is the only goroutine writing to the connection.
func wsWriter(ctx context.Context, conn *websocket.Conn, out, events <-chan Notification) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		var n Notification
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case n = <-out:
		case n = <-events:
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(n); err != nil {
			return
		}
	}
}
