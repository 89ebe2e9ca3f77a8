package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errWriterClosed = errors.New("client writer closed")

const (
	clientWriteTimeout = 10 * time.Second
	outboundBacklog    = 256
)

type outbound struct {
	turnID string
	data   []byte
}

// clientWriter is the only goroutine writing data frames to the client socket.
// Frames tagged with a turn id are dropped once that turn is cancelled.
type clientWriter struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	queue     chan outbound
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	cancelled map[string]struct{}
	dropped   int
}

func newClientWriter(conn *websocket.Conn, logger zerolog.Logger) *clientWriter {
	return &clientWriter{
		conn:      conn,
		logger:    logger,
		queue:     make(chan outbound, outboundBacklog),
		done:      make(chan struct{}),
		cancelled: make(map[string]struct{}),
	}
}

// run writes queued frames until ctx is done or a write fails. Frames
// already queued when ctx ends are flushed first.
func (w *clientWriter) run(ctx context.Context) error {
	defer w.closeOnce.Do(func() { close(w.done) })
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case msg := <-w.queue:
			if err := w.write(msg); err != nil {
				return errClientGone
			}
		}
	}
}

func (w *clientWriter) flush() {
	for {
		select {
		case msg := <-w.queue:
			if err := w.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *clientWriter) write(msg outbound) error {
	if msg.turnID != "" && w.isCancelled(msg.turnID) {
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		return nil
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, msg.data)
}

func (w *clientWriter) send(ctx context.Context, data []byte) error {
	return w.enqueue(ctx, outbound{data: data})
}

func (w *clientWriter) sendTurn(ctx context.Context, turnID string, data []byte) error {
	if w.isCancelled(turnID) {
		return nil
	}
	return w.enqueue(ctx, outbound{turnID: turnID, data: data})
}

func (w *clientWriter) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.send(ctx, data)
}

func (w *clientWriter) enqueue(ctx context.Context, msg outbound) error {
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case w.queue <- msg:
		return nil
	case <-w.done:
		return errWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelTurn discards frames of turnID still queued or yet to come
func (w *clientWriter) cancelTurn(turnID string) {
	if turnID == "" {
		return
	}
	w.mu.Lock()
	w.cancelled[turnID] = struct{}{}
	w.mu.Unlock()
}

func (w *clientWriter) isCancelled(turnID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.cancelled[turnID]
	return ok
}

func (w *clientWriter) droppedFrames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
