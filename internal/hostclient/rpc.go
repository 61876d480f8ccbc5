package hostclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when no socket is currently open, or when
// the socket closes while a call is waiting for its response.
var ErrNotConnected = errors.New("hostclient: not connected")

// ErrRequestFailed wraps a non-success requestStatus from the host.
var ErrRequestFailed = errors.New("hostclient: request failed")

// rpcConn owns one live connection to the host and its pending-call
// table. It mirrors the teacher's jellyfin_websocket.go listen loop,
// generalized with request/response correlation for JSON-RPC.
type rpcConn struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan rpcEnvelope
	writeMu sync.Mutex

	onEvent func(eventType string, data json.RawMessage)
	onClose func()
	closed  chan struct{}
	once    sync.Once
}

// dial opens the host socket and starts its read loop. onClose fires
// exactly once, from the read loop's goroutine, when the socket stops
// reading for any reason (graceful Close or an unexpected remote drop) —
// the caller uses it to learn about a mid-session disconnect it didn't
// itself initiate.
func dial(ctx context.Context, url string, log zerolog.Logger, onEvent func(string, json.RawMessage), onClose func()) (*rpcConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("hostclient: dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	rc := &rpcConn{
		conn:    conn,
		log:     log,
		pending: make(map[string]chan rpcEnvelope),
		onEvent: onEvent,
		onClose: onClose,
		closed:  make(chan struct{}),
	}
	go rc.readLoop()
	return rc, nil
}

func (rc *rpcConn) readLoop() {
	defer func() {
		rc.Close()
		if rc.onClose != nil {
			rc.onClose()
		}
	}()
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				rc.log.Warn().Err(err).Msg("unexpected host socket close")
			}
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			rc.log.Warn().Err(err).Msg("dropping unparsable host message")
			continue
		}

		if env.RequestID != "" {
			rc.mu.Lock()
			ch, ok := rc.pending[env.RequestID]
			if ok {
				delete(rc.pending, env.RequestID)
			}
			rc.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		if env.EventType != "" && rc.onEvent != nil {
			rc.onEvent(env.EventType, env.EventData)
		}
	}
}

// call issues one RPC request and blocks for its correlated response or
// ctx's deadline, whichever comes first.
func (rc *rpcConn) call(ctx context.Context, requestType string, requestData any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan rpcEnvelope, 1)

	rc.mu.Lock()
	rc.pending[id] = ch
	rc.mu.Unlock()

	req := rpcRequest{RequestType: requestType, RequestID: id, RequestData: requestData}
	payload, err := json.Marshal(req)
	if err != nil {
		rc.forgetPending(id)
		return nil, fmt.Errorf("hostclient: marshal request %s: %w", requestType, err)
	}

	rc.writeMu.Lock()
	err = rc.conn.WriteMessage(websocket.TextMessage, payload)
	rc.writeMu.Unlock()
	if err != nil {
		rc.forgetPending(id)
		return nil, fmt.Errorf("hostclient: write request %s: %w", requestType, err)
	}

	select {
	case env := <-ch:
		if env.RequestStatus == nil || !env.RequestStatus.Result {
			comment := ""
			if env.RequestStatus != nil {
				comment = env.RequestStatus.Comment
			}
			return nil, fmt.Errorf("%w: %s: %s", ErrRequestFailed, requestType, comment)
		}
		return env.ResponseData, nil
	case <-ctx.Done():
		rc.forgetPending(id)
		return nil, fmt.Errorf("hostclient: request %s: %w", requestType, ctx.Err())
	case <-rc.closed:
		rc.forgetPending(id)
		return nil, ErrNotConnected
	}
}

func (rc *rpcConn) forgetPending(id string) {
	rc.mu.Lock()
	delete(rc.pending, id)
	rc.mu.Unlock()
}

// Close closes the connection exactly once, unblocking any in-flight call.
func (rc *rpcConn) Close() {
	rc.once.Do(func() {
		close(rc.closed)
		_ = rc.conn.Close()
	})
}
