// internal/common/camunda/client.go
package camunda

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "appointment-bot/internal/common/errors"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client starts the bot's BPMN processes and hands its gateway connection
// to job workers.
type Client struct {
	zb       zbc.Client
	settings Settings
}

// Settings for the gateway connection. Zero values take defaults.
type Settings struct {
	GatewayAddress string
	TLS            bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// StartAttempts bounds StartProcess tries on transient gateway errors.
	StartAttempts int
	Backoff       time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 30 * time.Second
	}
	if s.StartAttempts <= 0 {
		s.StartAttempts = 3
	}
	if s.Backoff <= 0 {
		s.Backoff = 500 * time.Millisecond
	}
	return s
}

// Connect dials the gateway and confirms it answers a topology request.
func Connect(ctx context.Context, settings Settings) (*Client, error) {
	settings = settings.withDefaults()
	zb, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         settings.GatewayAddress,
		UsePlaintextConnection: !settings.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create zeebe client for %s: %w", settings.GatewayAddress, err)
	}

	c := &Client{zb: zb, settings: settings}
	if err := c.HealthCheck(ctx); err != nil {
		zb.Close()
		return nil, err
	}
	return c, nil
}

// JobClient is the connection job workers poll on.
func (c *Client) JobClient() zbc.Client {
	return c.zb
}

func (c *Client) Close() error {
	return c.zb.Close()
}

func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.settings.ConnectTimeout)
	defer cancel()

	if _, err := c.zb.NewTopologyCommand().Send(ctx); err != nil {
		return workflowError("topology", 1, err)
	}
	return nil
}

// StartProcess creates an instance of the latest deployed version of
// bpmnProcessID and returns its key.
func (c *Client) StartProcess(ctx context.Context, bpmnProcessID string, vars map[string]interface{}) (int64, error) {
	cmd, err := c.zb.NewCreateInstanceCommand().
		BPMNProcessId(bpmnProcessID).
		LatestVersion().
		VariablesFromMap(vars)
	if err != nil {
		return 0, workflowError("start "+bpmnProcessID, 0, err)
	}

	var resp *pb.CreateProcessInstanceResponse
	err = c.retry(ctx, "start "+bpmnProcessID, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
		defer cancel()
		var err error
		resp, err = cmd.Send(reqCtx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return resp.GetProcessInstanceKey(), nil
}

func (c *Client) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		werr := workflowError(op, attempt, err)
		if !werr.Retryable || attempt >= c.settings.StartAttempts {
			return werr
		}

		t := time.NewTimer(c.settings.Backoff * time.Duration(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return workflowError(op, attempt, ctx.Err())
		}
	}
}

var transientCodes = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.DeadlineExceeded:  true,
	codes.ResourceExhausted: true,
	codes.Aborted:           true,
}

// workflowError maps a gateway failure onto WORKFLOW_FAILED, retryable
// only for transient gRPC statuses.
func workflowError(op string, attempts int, err error) *apperrors.StandardError {
	code := status.Code(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}

	werr := apperrors.NewWorkflowFailedError(fmt.Errorf("%s (attempt %d): %w", op, attempts, err))
	werr.Retryable = transientCodes[code]
	return werr.WithMetadata("grpcCode", code.String()).WithMetadata("operation", op)
}
