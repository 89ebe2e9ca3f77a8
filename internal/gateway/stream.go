package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-relay/internal/flow"
	"github.com/lexiqai/voice-relay/internal/observability"
)

const eventQueueSize = 64

// ServeEventStream runs every JSON message the client sends through the flow,
// bound to its ChatInput node, until the client sends end_stream or leaves.
// Queued events are processed before the socket closes.
func (h *Handler) ServeEventStream(w http.ResponseWriter, r *http.Request) {
	conn, identity := h.accept(w, r)
	if conn == nil {
		return
	}
	h.sessions.Add(1)
	h.active.Add(1)
	defer func() {
		h.active.Add(-1)
		h.sessions.Done()
	}()

	flowID := r.PathValue("flow_id")
	sessionID := uuid.NewString()
	logger := observability.SessionLogger(h.logger, sessionID, flowID, identity.UserID)
	metrics := observability.NewSessionMetrics("event_stream")
	metrics.RecordSessionStart()
	defer metrics.RecordSessionEnd()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	meta := h.resolveFlow(ctx, conn, flowID, logger)
	if meta == nil {
		return
	}

	writer := newClientWriter(conn, logger)
	writerCtx, stopWriter := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = writer.run(writerCtx)
	}()

	queue := make(chan map[string]any, eventQueueSize)
	var g errgroup.Group
	g.Go(func() error {
		for event := range queue {
			input, err := json.Marshal(event)
			if err != nil {
				continue
			}
			start := time.Now()
			text, err := flow.CollectText(ctx, h.runner, flow.RunRequest{
				FlowID:      flowID,
				SessionID:   sessionID,
				InputNodeID: meta.InputNodeID,
				InputType:   "any",
				Input:       string(input),
			}, nil)
			if err != nil {
				logger.Error().Err(err).Msg("Error processing event through flow")
				metrics.RecordError("flow_run", "event_stream")
				if sendErr := writer.sendJSON(ctx, errorMessage{Type: "error", Message: "Flow processing error: " + err.Error()}); sendErr != nil {
					return nil
				}
				continue
			}
			logger.Debug().
				Int("result_len", len(text)).
				Dur("elapsed", time.Since(start)).
				Int("queued", len(queue)).
				Msg("Processed event through flow")
		}
		return nil
	})

	reason := h.readEvents(ctx, conn, writer, queue)
	logger.Info().Str("reason", endReason(reason)).Msg("Event stream ending")

	close(queue)
	_ = g.Wait()
	stopWriter()
	<-writerDone
	closeWith(conn, websocket.CloseNormalClosure, "")
	logger.Debug().Msg("Event stream closed")
}

// readEvents queues client events until end_stream, a disconnect or shutdown
func (h *Handler) readEvents(ctx context.Context, conn *websocket.Conn, writer *clientWriter, queue chan<- map[string]any) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errClientGone
		}

		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			if errors.Is(writer.sendJSON(ctx, errorMessage{Type: "error", Message: err.Error()}), errWriterClosed) {
				return errClientGone
			}
			continue
		}
		if t, _ := event["type"].(string); t == "end_stream" {
			return errEndStream
		}

		select {
		case queue <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
