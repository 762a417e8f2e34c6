// Package channel carries execution requests to collectors over gRPC.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/metorial/sentinel-runner/internal/models"
	"github.com/metorial/sentinel-runner/internal/orchestrator"
	"github.com/metorial/sentinel-runner/internal/rpc"
)

const defaultCallTimeout = 30 * time.Second

type GRPCChannel struct {
	resolver    Resolver
	dialOpts    []grpc.DialOption
	callTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func New(resolver Resolver, opts ...grpc.DialOption) *GRPCChannel {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(10 * 1024 * 1024)),
	}
	return &GRPCChannel{
		resolver:    resolver,
		dialOpts:    append(dialOpts, opts...),
		callTimeout: defaultCallTimeout,
		conns:       make(map[string]*grpc.ClientConn),
	}
}

func (c *GRPCChannel) client(collectorID string) (*rpc.ScriptRunnerClient, error) {
	addr, err := c.resolver.Resolve(collectorID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.conns[addr]
	if !ok {
		conn, err = grpc.NewClient(addr, c.dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("create grpc client for %s: %w", addr, err)
		}
		c.conns[addr] = conn
	}
	return rpc.NewScriptRunnerClient(conn), nil
}

func (c *GRPCChannel) callContext(ctx context.Context, cred models.Credential) (context.Context, context.CancelFunc) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		rpc.MetadataAuthorization, "Bearer "+cred.Token,
		rpc.MetadataPortal, cred.PortalID,
	)
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *GRPCChannel) Invoke(ctx context.Context, cred models.Credential, req models.ExecutionRequest) (string, error) {
	client, err := c.client(req.CollectorID)
	if err != nil {
		return "", err
	}

	ctx, cancel := c.callContext(ctx, cred)
	defer cancel()

	resp, err := client.Invoke(ctx, &rpc.InvokeRequest{
		RequestID:    req.RequestID,
		PortalID:     req.PortalID,
		CollectorID:  req.CollectorID,
		Script:       req.ScriptBody,
		Language:     string(req.Language),
		Mode:         string(req.Mode),
		Hostname:     req.Hostname,
		Wildvalue:    req.Wildvalue,
		DeviceID:     req.DeviceID,
		DatasourceID: req.DatasourceID,
	})
	if err != nil {
		return "", mapError("invoke", err)
	}
	return resp.Handle, nil
}

func (c *GRPCChannel) Poll(ctx context.Context, cred models.Credential, collectorID, handle string) (orchestrator.RemoteStatus, error) {
	client, err := c.client(collectorID)
	if err != nil {
		return orchestrator.RemoteStatus{}, err
	}

	ctx, cancel := c.callContext(ctx, cred)
	defer cancel()

	resp, err := client.Poll(ctx, &rpc.HandleRequest{Handle: handle})
	if err != nil {
		return orchestrator.RemoteStatus{}, mapError("poll", err)
	}

	st := orchestrator.RemoteStatus{Output: resp.Output, Message: resp.Error, Truncated: resp.Truncated}
	switch resp.State {
	case rpc.StateComplete:
		st.State = orchestrator.RemoteComplete
	case rpc.StateFailed:
		st.State = orchestrator.RemoteFailed
	default:
		st.State = orchestrator.RemoteRunning
	}
	return st, nil
}

func (c *GRPCChannel) Cancel(ctx context.Context, cred models.Credential, collectorID, handle string) error {
	client, err := c.client(collectorID)
	if err != nil {
		return err
	}

	ctx, cancel := c.callContext(ctx, cred)
	defer cancel()

	if _, err := client.Cancel(ctx, &rpc.HandleRequest{Handle: handle}); err != nil {
		return mapError("cancel", err)
	}
	return nil
}

// Describe returns the collector's self description.
func (c *GRPCChannel) Describe(ctx context.Context, cred models.Credential, collectorID string) (string, error) {
	client, err := c.client(collectorID)
	if err != nil {
		return "", err
	}

	ctx, cancel := c.callContext(ctx, cred)
	defer cancel()

	resp, err := client.Describe(ctx)
	if err != nil {
		return "", mapError("describe", err)
	}
	return resp.Description, nil
}

func (c *GRPCChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}

func mapError(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %s: %w", op, st.Message(), models.ErrNotFound)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return fmt.Errorf("%s: %s: %w", op, st.Message(), models.ErrTransient)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
