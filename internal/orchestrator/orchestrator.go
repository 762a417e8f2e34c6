// Package orchestrator drives remote script executions through
// pending -> running -> complete|error|timeout|cancelled.
//
// The orchestrator owns no timer. Callers invoke PollOnce on the PollInterval cadence;
// Run does so on their behalf for server-side callers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metorial/sentinel-runner/internal/log"
	"github.com/metorial/sentinel-runner/internal/models"
)

const (
	PollInterval              = time.Second
	MaxPollAttempts           = 120
	CredentialRefreshInterval = 10 * time.Minute

	cancelTimeout = 5 * time.Second
)

type execution struct {
	mu         sync.Mutex
	req        models.ExecutionRequest
	cred       models.Credential
	handle     string
	result     models.ExecutionResult
	attempts   int
	responded  bool
	finishedAt time.Time
}

type Orchestrator struct {
	channel  Channel
	creds    Credentials
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	pollInterval time.Duration

	mu         sync.Mutex
	executions map[string]*execution
}

type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(channel Channel, creds Credentials, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		channel:      channel,
		creds:        creds,
		logger:       log.Discard(),
		now:          time.Now,
		pollInterval: PollInterval,
		executions:   make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit starts an execution and returns its request id. Invalid requests and ids that
// were already submitted, finished or not, are rejected without an id. Once an id is returned the execution
// is tracked; a credential or transport failure leaves it in the error state and is
// also returned.
func (o *Orchestrator) Submit(ctx context.Context, req models.ExecutionRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	exec := &execution{
		req: req,
		result: models.ExecutionResult{
			RequestID:   req.RequestID,
			PortalID:    req.PortalID,
			CollectorID: req.CollectorID,
			Status:      models.StatusPending,
			StartedAt:   o.now(),
		},
	}

	if err := o.checkRecorded(req.RequestID); err != nil {
		return "", err
	}

	o.mu.Lock()
	if _, ok := o.executions[req.RequestID]; ok {
		o.mu.Unlock()
		return "", fmt.Errorf("request %s: %w", req.RequestID, models.ErrConflict)
	}
	o.executions[req.RequestID] = exec
	o.mu.Unlock()

	ctx = log.With(ctx,
		slog.String("request_id", req.RequestID),
		slog.String("portal", req.PortalID),
		slog.String("collector", req.CollectorID))

	cred, err := o.ensureCredential(ctx, req.PortalID)
	if err != nil {
		o.fail(exec, err)
		return req.RequestID, err
	}

	handle, err := o.channel.Invoke(ctx, cred, req)
	if err != nil {
		o.logger.WarnContext(ctx, "submit failed", slog.String("error", err.Error()))
		o.fail(exec, err)
		return req.RequestID, err
	}

	exec.mu.Lock()
	exec.cred = cred
	exec.handle = handle
	cancelled := exec.result.Status == models.StatusCancelled
	if !cancelled {
		exec.result.Status = models.StatusRunning
	}
	exec.mu.Unlock()

	if cancelled {
		// Cancelled while the invoke was in flight; tell the collector now that a handle exists.
		o.signalCancel(ctx, cred, req.CollectorID, handle)
		return req.RequestID, nil
	}

	o.logger.InfoContext(ctx, "execution submitted", slog.String("handle", handle))
	return req.RequestID, nil
}

// PollOnce queries the collector once and returns the updated result. Terminal results
// are returned unchanged without contacting the collector.
func (o *Orchestrator) PollOnce(ctx context.Context, requestID string) (models.ExecutionResult, error) {
	exec, ok := o.lookup(requestID)
	if !ok {
		return o.recorded(requestID)
	}

	exec.mu.Lock()
	if exec.result.Status != models.StatusRunning {
		res := o.snapshot(exec)
		exec.mu.Unlock()
		return res, nil
	}
	cred, handle, collectorID := exec.cred, exec.handle, exec.req.CollectorID
	exec.mu.Unlock()

	st, pollErr := o.channel.Poll(ctx, cred, collectorID, handle)

	exec.mu.Lock()
	if exec.result.Status.Terminal() {
		res := o.snapshot(exec)
		exec.mu.Unlock()
		return res, nil
	}
	if pollErr != nil && ctx.Err() != nil {
		// The caller gave up; the attempt says nothing about the collector.
		res := o.snapshot(exec)
		exec.mu.Unlock()
		return res, ctx.Err()
	}

	exec.attempts++
	exhausted := exec.attempts >= MaxPollAttempts
	finished := true

	switch {
	case pollErr != nil && !errors.Is(pollErr, models.ErrTransient):
		o.finishLocked(exec, models.StatusError, pollErr.Error())
	case pollErr != nil && exhausted && exec.responded:
		o.finishLocked(exec, models.StatusTimeout, "no terminal status after "+pollWindow()+": "+pollErr.Error())
	case pollErr != nil && exhausted:
		o.finishLocked(exec, models.StatusError, pollErr.Error())
	case pollErr != nil:
		finished = false
		o.logger.DebugContext(ctx, "transient poll failure",
			slog.String("request_id", requestID),
			slog.Int("attempt", exec.attempts),
			slog.String("error", pollErr.Error()))
	case st.State == RemoteComplete:
		exec.responded = true
		exec.result.RawOutput = st.Output
		note := ""
		if st.Truncated {
			note = "output truncated by collector"
		}
		o.finishLocked(exec, models.StatusComplete, note)
	case st.State == RemoteFailed:
		exec.responded = true
		exec.result.RawOutput = st.Output
		msg := st.Message
		if msg == "" {
			msg = "remote execution failed"
		}
		o.finishLocked(exec, models.StatusError, msg)
	case exhausted:
		exec.responded = true
		o.finishLocked(exec, models.StatusTimeout, "no terminal status after "+pollWindow())
	default:
		exec.responded = true
		finished = false
	}

	res := o.snapshot(exec)
	exec.mu.Unlock()

	if finished {
		o.record(ctx, res)
	}
	return res, nil
}

// Cancel marks a pending or running execution cancelled and signals the collector on a
// best-effort basis. Terminal executions are returned unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, requestID string) (models.ExecutionResult, error) {
	exec, ok := o.lookup(requestID)
	if !ok {
		return o.recorded(requestID)
	}

	exec.mu.Lock()
	if exec.result.Status.Terminal() {
		res := o.snapshot(exec)
		exec.mu.Unlock()
		return res, nil
	}
	wasRunning := exec.result.Status == models.StatusRunning
	cred, handle, collectorID := exec.cred, exec.handle, exec.req.CollectorID
	o.finishLocked(exec, models.StatusCancelled, "")
	res := o.snapshot(exec)
	exec.mu.Unlock()

	o.record(ctx, res)
	if wasRunning {
		o.signalCancel(ctx, cred, collectorID, handle)
	}
	return res, nil
}

// Run submits req and polls it to a terminal status. Cancelling ctx cancels the execution.
func (o *Orchestrator) Run(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
	id, err := o.Submit(ctx, req)
	if err != nil {
		if id == "" {
			return models.ExecutionResult{}, err
		}
		res, _ := o.PollOnce(ctx, id)
		return res, err
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		res, err := o.PollOnce(ctx, id)
		if err != nil && ctx.Err() == nil {
			return res, err
		}
		if err == nil && res.Status.Terminal() {
			return res, nil
		}

		select {
		case <-ctx.Done():
			res, _ := o.Cancel(context.WithoutCancel(ctx), id)
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DescribeCollector asks the collector for its self description when the channel
// supports it. Channels without the capability yield an empty description.
func (o *Orchestrator) DescribeCollector(ctx context.Context, portalID, collectorID string) (string, error) {
	d, ok := o.channel.(Describer)
	if !ok {
		return "", nil
	}
	cred, err := o.ensureCredential(ctx, portalID)
	if err != nil {
		return "", err
	}
	return d.Describe(ctx, cred, collectorID)
}

// Sweep forgets terminal executions that finished more than olderThan ago. Their
// results stay available through the recorder.
func (o *Orchestrator) Sweep(olderThan time.Duration) int {
	cutoff := o.now().Add(-olderThan)

	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for id, exec := range o.executions {
		exec.mu.Lock()
		old := exec.result.Status.Terminal() && exec.finishedAt.Before(cutoff)
		exec.mu.Unlock()
		if old {
			delete(o.executions, id)
			removed++
		}
	}
	return removed
}

func (o *Orchestrator) lookup(requestID string) (*execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executions[requestID]
	return exec, ok
}

func (o *Orchestrator) recorded(requestID string) (models.ExecutionResult, error) {
	if o.recorder != nil {
		res, err := o.recorder.GetExecution(requestID)
		if err == nil {
			return *res, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return models.ExecutionResult{}, fmt.Errorf("load execution %s: %w", requestID, err)
		}
	}
	return models.ExecutionResult{}, fmt.Errorf("execution %s: %w", requestID, models.ErrNotFound)
}

// checkRecorded rejects ids whose results were swept from memory but are still on record.
func (o *Orchestrator) checkRecorded(requestID string) error {
	if o.recorder == nil {
		return nil
	}
	_, err := o.recorder.GetExecution(requestID)
	switch {
	case err == nil:
		return fmt.Errorf("request %s: %w", requestID, models.ErrConflict)
	case errors.Is(err, models.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("load execution %s: %w", requestID, err)
	}
}

func (o *Orchestrator) ensureCredential(ctx context.Context, portalID string) (models.Credential, error) {
	cred, err := o.creds.Credential(portalID)
	if err != nil {
		return models.Credential{}, err
	}
	if cred.Token != "" && cred.Age(o.now()) <= CredentialRefreshInterval {
		return cred, nil
	}

	o.logger.DebugContext(ctx, "refreshing portal session")
	cred, err = o.creds.Refresh(ctx, portalID)
	if err != nil {
		return models.Credential{}, fmt.Errorf("refresh session for portal %s: %w", portalID, err)
	}
	return cred, nil
}

func (o *Orchestrator) fail(exec *execution, err error) {
	exec.mu.Lock()
	if exec.result.Status.Terminal() {
		exec.mu.Unlock()
		return
	}
	o.finishLocked(exec, models.StatusError, err.Error())
	res := o.snapshot(exec)
	exec.mu.Unlock()

	o.record(context.Background(), res)
}

func (o *Orchestrator) signalCancel(ctx context.Context, cred models.Credential, collectorID, handle string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	if err := o.channel.Cancel(ctx, cred, collectorID, handle); err != nil {
		o.logger.WarnContext(ctx, "remote cancel not acknowledged",
			slog.String("handle", handle),
			slog.String("error", err.Error()))
	}
}

// finishLocked moves exec to a terminal status. Callers hold exec.mu.
func (o *Orchestrator) finishLocked(exec *execution, status models.Status, message string) {
	exec.finishedAt = o.now()
	exec.result.Status = status
	exec.result.ErrorMessage = message
	exec.result.DurationMs = exec.finishedAt.Sub(exec.result.StartedAt).Milliseconds()
}

func (o *Orchestrator) snapshot(exec *execution) models.ExecutionResult {
	res := exec.result
	if !res.Status.Terminal() {
		res.DurationMs = o.now().Sub(res.StartedAt).Milliseconds()
	}
	return res
}

func (o *Orchestrator) record(ctx context.Context, res models.ExecutionResult) {
	o.logger.InfoContext(ctx, "execution finished",
		slog.String("request_id", res.RequestID),
		slog.String("status", string(res.Status)),
		slog.Int64("duration_ms", res.DurationMs))

	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordExecution(res); err != nil {
		o.logger.ErrorContext(ctx, "record execution", slog.String("error", err.Error()))
	}
}

func pollWindow() string {
	return fmt.Sprintf("%d poll attempts", MaxPollAttempts)
}
