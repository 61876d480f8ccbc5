package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Sponsorn/streamloop/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Observer receives player-transport lifecycle and message events. It is
// supplied once at construction — per spec §9's design notes, the
// setter-callback reassignment pattern the source uses invites
// use-after-free across config reloads, so this is a constructor argument
// instead of a mutable field.
type Observer interface {
	OnConnect()
	OnDisconnect()
	OnMessage(msg InboundMessage)
}

// Transport accepts at most one live player connection on /ws. A new
// connection always replaces the prior one, which is closed immediately
// (spec §4.2). Safe for concurrent use.
type Transport struct {
	observer Observer
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	client *peer
}

// New creates a Transport reporting lifecycle/message events to observer.
func New(observer Observer) *Transport {
	return &Transport{
		observer: observer,
		log:      logging.WithComponent("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

// peer is the single live connection's read/write pump pair, modeled on
// the teacher's websocket.Client.
type peer struct {
	conn *websocket.Conn
	send chan OutboundMessage
	done chan struct{}
}

// Handler upgrades incoming HTTP requests to a duplex socket. Mount it at
// /ws on the embedded HTTP server.
func (t *Transport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		t.replace(conn)
	}
}

// replace installs conn as the new single live peer, closing and
// discarding any prior connection first.
func (t *Transport) replace(conn *websocket.Conn) {
	t.mu.Lock()
	old := t.client
	p := &peer{conn: conn, send: make(chan OutboundMessage, 32), done: make(chan struct{})}
	t.client = p
	t.mu.Unlock()

	if old != nil {
		old.close()
		t.log.Info().Msg("replaced existing player connection")
	}

	t.observer.OnConnect()

	go t.writePump(p)
	go t.readPump(p)
}

func (p *peer) close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	_ = p.conn.Close()
}

// readPump reads inbound messages until the connection closes, then
// unregisters itself (if it is still the current peer) and fires
// OnDisconnect.
func (t *Transport) readPump(p *peer) {
	defer t.unregister(p)

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.log.Warn().Err(err).Msg("unexpected player socket close")
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Warn().Err(err).Msg("dropping unparsable player message")
			continue
		}
		if msg.Type == "" {
			t.log.Warn().Msg("dropping player message with empty type")
			continue
		}
		t.observer.OnMessage(msg)
	}
}

func (t *Transport) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				t.log.Warn().Err(err).Str("type", msg.Type).Msg("failed to write player message")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// unregister removes p as the current peer (if it still is) and fires
// OnDisconnect exactly once.
func (t *Transport) unregister(p *peer) {
	t.mu.Lock()
	isCurrent := t.client == p
	if isCurrent {
		t.client = nil
	}
	t.mu.Unlock()

	p.close()
	if isCurrent {
		t.observer.OnDisconnect()
	}
}

// Send delivers msg to the current peer. If no peer is connected, the
// send is dropped with a warning — never queued, per spec §4.2 (recovery
// re-issues commands on reconnect).
func (t *Transport) Send(msg OutboundMessage) {
	t.mu.RLock()
	p := t.client
	t.mu.RUnlock()

	if p == nil {
		t.log.Warn().Str("type", msg.Type).Msg("dropping send: no player connected")
		return
	}

	select {
	case p.send <- msg:
	default:
		t.log.Warn().Str("type", msg.Type).Msg("dropping send: outbound buffer full")
	}
}

// IsConnected reports whether a player is currently connected.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client != nil
}

// Close closes the current peer, if any. Called on supervisor shutdown.
func (t *Transport) Close() {
	t.mu.Lock()
	p := t.client
	t.client = nil
	t.mu.Unlock()

	if p != nil {
		p.close()
	}
}
