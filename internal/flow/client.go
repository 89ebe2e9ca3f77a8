package flow

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-relay/internal/resilience"
)

// Flow executor RPCs. Requests and responses are google.protobuf.Struct so
// the executor can evolve its payloads without regenerating stubs.
const (
	ServiceName       = "langflow.executor.v1.FlowExecutor"
	resolveFlowMethod = "/" + ServiceName + "/ResolveFlow"
	runFlowMethod     = "/" + ServiceName + "/RunFlow"
)

var runFlowStream = &grpc.StreamDesc{StreamName: "RunFlow", ServerStreams: true}

// ClientConfig configures the executor client
type ClientConfig struct {
	Address    string
	TLS        bool
	Timeout    time.Duration // per unary call
	Retry      *resilience.RetryConfig
	MaxFailure int
	ResetAfter time.Duration
}

// Client talks to the flow executor over gRPC
type Client struct {
	cfg     ClientConfig
	conn    *grpc.ClientConn
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient creates the executor client. The connection is established lazily.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	var opts []grpc.DialOption
	if cfg.TLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow executor client for %s: %w", cfg.Address, err)
	}
	return newClient(conn, cfg, logger), nil
}

func newClient(conn *grpc.ClientConn, cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxFailure <= 0 {
		cfg.MaxFailure = 5
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		conn:    conn,
		breaker: resilience.NewCircuitBreaker("flow_executor", cfg.MaxFailure, cfg.ResetAfter),
		logger:  logger.With().Str("component", "flow_executor").Logger(),
	}
}

// call runs fn under the circuit breaker with retries on transient errors
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.breaker.Execute(func() error {
		return resilience.Retry(ctx, c.cfg.Retry, isRetryable, fn)
	})
}

func isRetryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.Canceled:
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}

// ResolveFlow implements Resolver
func (c *Client) ResolveFlow(ctx context.Context, flowID string) (*Metadata, error) {
	req, err := structpb.NewStruct(map[string]any{"flow_id": flowID})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	err = c.call(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return c.conn.Invoke(ctx, resolveFlowMethod, req, resp)
	})
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve flow %s: %w", flowID, err)
	}

	fields := resp.AsMap()
	meta := &Metadata{ID: flowID}
	meta.Name, _ = fields["name"].(string)
	meta.Description, _ = fields["description"].(string)
	meta.InputNodeID, _ = fields["input_node_id"].(string)
	if meta.InputNodeID == "" {
		return nil, ErrNoInputNode
	}
	return meta, nil
}

// RunFlow implements Runner
func (c *Client) RunFlow(ctx context.Context, req RunRequest, onEvent func(ProgressEvent) error) error {
	payload, err := structpb.NewStruct(map[string]any{
		"flow_id":       req.FlowID,
		"session_id":    req.SessionID,
		"input_node_id": req.InputNodeID,
		"input_type":    req.InputType,
		"input_value":   req.Input,
	})
	if err != nil {
		return fmt.Errorf("encode run request: %w", err)
	}

	var stream grpc.ClientStream
	err = c.call(ctx, func(ctx context.Context) error {
		s, err := c.conn.NewStream(ctx, runFlowStream, runFlowMethod)
		if err != nil {
			return err
		}
		if err := s.SendMsg(payload); err != nil {
			return err
		}
		if err := s.CloseSend(); err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return fmt.Errorf("run flow %s: %w", req.FlowID, err)
	}

	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", ErrFlowNotFound, req.FlowID)
			}
			return fmt.Errorf("run flow %s: %w", req.FlowID, err)
		}
		if err := onEvent(ProgressEvent(msg.AsMap())); err != nil {
			return err
		}
	}
}

// HealthCheck asks the executor's standard gRPC health service
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("flow executor health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("flow executor is %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}
