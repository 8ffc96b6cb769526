package commands

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/internal/apiclient"
	"github.com/rcourtman/pulse-fleet-agent/internal/ledger"
	"github.com/rcourtman/pulse-fleet-agent/pkg/agents/fleet"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvents struct {
	mu     sync.Mutex
	ack    bool
	result bool
	events []fleet.Event
}

func (f *fakeEvents) ReportEvent(_ context.Context, event fleet.Event, expectedType string, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if expectedType == fleet.MsgTypeCommandAck {
		return f.ack
	}
	return f.result
}

func (f *fakeEvents) sent() []fleet.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.Event(nil), f.events...)
}

type fakeStatus struct {
	mu         sync.Mutex
	updates    []fleet.StatusUpdate
	ackErr     error
	resultErrs []error // consumed one per result update
}

func (f *fakeStatus) UpdateCommandStatus(_ context.Context, _ string, update fleet.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	if update.Status == fleet.StatusRunning {
		return f.ackErr
	}
	if len(f.resultErrs) > 0 {
		err := f.resultErrs[0]
		f.resultErrs = f.resultErrs[1:]
		return err
	}
	return nil
}

func (f *fakeStatus) sent() []fleet.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.StatusUpdate(nil), f.updates...)
}

type rateLimitErr struct{}

func (rateLimitErr) Error() string     { return "slow down" }
func (rateLimitErr) RateLimited() bool { return true }

func newTestProcessor(events EventReporter, status StatusUpdater, exec Executor, l ledger.Ledger) *Processor {
	return New(Config{
		AgentID: "agent-1",
		Events:  events,
		Status:  status,
		Routes:  []Route{{Prefix: "proxmox.", Executor: exec}},
		Ledger:  l,
		Logger:  zerolog.Nop(),
	})
}

func testCommand(commandType string) *fleet.QueuedCommand {
	return &fleet.QueuedCommand{ID: "cmd-1", CommandType: commandType, Payload: map[string]any{"vmid": 101}}
}

func countingExecutor(calls *int, result any, err error) Executor {
	return ExecutorFunc(func(context.Context, *fleet.QueuedCommand) (any, error) {
		*calls++
		return result, err
	})
}

func TestProcessExpiredCommandIsNeverExecuted(t *testing.T) {
	var calls int
	events := &fakeEvents{ack: true, result: false}
	status := &fakeStatus{}
	p := newTestProcessor(events, status, countingExecutor(&calls, nil, nil), nil)

	cmd := testCommand("proxmox.start")
	past := time.Now().Add(-time.Minute)
	cmd.ExpiresAt = &past

	assert.Equal(t, OutcomeSkipped, p.Process(context.Background(), cmd))
	assert.Zero(t, calls)

	sent := events.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, fleet.MsgTypeCommandResult, sent[0].Type)
	assert.Equal(t, fleet.StatusFailed, sent[0].Status)
	assert.Equal(t, expiredMessage, sent[0].ErrorMessage)

	updates := status.sent()
	require.Len(t, updates, 1)
	assert.Equal(t, fleet.StatusFailed, updates[0].Status)
	assert.Equal(t, expiredMessage, updates[0].ErrorMessage)
}

func TestProcessSuccessReportsOnceOverWebSocket(t *testing.T) {
	var calls int
	events := &fakeEvents{ack: true, result: true}
	status := &fakeStatus{}
	p := newTestProcessor(events, status, countingExecutor(&calls, map[string]any{"upid": "UPID:h1"}, nil), nil)

	assert.Equal(t, OutcomeDone, p.Process(context.Background(), testCommand("proxmox.start")))
	assert.Equal(t, 1, calls)

	sent := events.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, fleet.MsgTypeCommandAck, sent[0].Type)
	assert.Equal(t, fleet.StatusRunning, sent[0].Status)
	assert.Equal(t, "agent-1", sent[0].AgentID)
	assert.Equal(t, fleet.MsgTypeCommandResult, sent[1].Type)
	assert.Equal(t, fleet.StatusSucceeded, sent[1].Status)
	assert.Equal(t, map[string]any{"upid": "UPID:h1"}, sent[1].Result)

	assert.Empty(t, status.sent())
}

func TestProcessFallsBackToHTTP(t *testing.T) {
	var calls int
	events := &fakeEvents{}
	status := &fakeStatus{}
	p := newTestProcessor(events, status, countingExecutor(&calls, "ok", nil), nil)

	assert.Equal(t, OutcomeDone, p.Process(context.Background(), testCommand("proxmox.start")))
	assert.Equal(t, 1, calls)

	updates := status.sent()
	require.Len(t, updates, 2)
	assert.Equal(t, fleet.StatusRunning, updates[0].Status)
	assert.Equal(t, fleet.StatusSucceeded, updates[1].Status)
	assert.Equal(t, "ok", updates[1].Result)
}

func TestProcessWithoutWebSocket(t *testing.T) {
	var calls int
	status := &fakeStatus{}
	p := newTestProcessor(nil, status, countingExecutor(&calls, nil, nil), nil)

	assert.Equal(t, OutcomeDone, p.Process(context.Background(), testCommand("proxmox.stop")))
	assert.Len(t, status.sent(), 2)
}

func TestProcessAckFailure(t *testing.T) {
	tests := []struct {
		name   string
		ackErr error
		want   Outcome
	}{
		{
			name:   "rate limited",
			ackErr: &apiclient.Error{Code: apiclient.CodeRateLimited, HTTPStatus: 429, Message: "too many"},
			want:   OutcomeRateLimited,
		},
		{
			name:   "other failure",
			ackErr: &apiclient.Error{Code: apiclient.CodeNetworkError, Message: "connection refused"},
			want:   OutcomeSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			status := &fakeStatus{ackErr: tt.ackErr}
			p := newTestProcessor(&fakeEvents{}, status, countingExecutor(&calls, nil, nil), nil)

			assert.Equal(t, tt.want, p.Process(context.Background(), testCommand("proxmox.start")))
			assert.Zero(t, calls)
			assert.Len(t, status.sent(), 1)
		})
	}
}

func TestProcessExecutionFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{name: "plain error", err: errors.New("VM 101 not running"), want: OutcomeDone},
		{name: "rate limited error", err: rateLimitErr{}, want: OutcomeRateLimited},
		{name: "wrapped rate limited error", err: errors.Join(errors.New("outer"), rateLimitErr{}), want: OutcomeRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			events := &fakeEvents{ack: true, result: true}
			status := &fakeStatus{}
			p := newTestProcessor(events, status, countingExecutor(&calls, nil, tt.err), nil)

			assert.Equal(t, tt.want, p.Process(context.Background(), testCommand("proxmox.start")))

			sent := events.sent()
			require.Len(t, sent, 2)
			assert.Equal(t, fleet.StatusFailed, sent[1].Status)
			assert.Equal(t, tt.err.Error(), sent[1].ErrorMessage)
			assert.Nil(t, sent[1].Result)
			assert.Empty(t, status.sent())
		})
	}
}

func TestProcessUnsupportedCommandType(t *testing.T) {
	var calls int
	status := &fakeStatus{}
	p := newTestProcessor(nil, status, countingExecutor(&calls, nil, nil), nil)

	assert.Equal(t, OutcomeDone, p.Process(context.Background(), testCommand("docker.restart")))
	assert.Zero(t, calls)

	updates := status.sent()
	require.Len(t, updates, 2)
	assert.Equal(t, fleet.StatusFailed, updates[1].Status)
	assert.Contains(t, updates[1].ErrorMessage, `unsupported command type "docker.restart"`)
}

func TestProcessRecoversExecutorPanic(t *testing.T) {
	status := &fakeStatus{}
	exec := ExecutorFunc(func(context.Context, *fleet.QueuedCommand) (any, error) {
		panic("boom")
	})
	p := newTestProcessor(nil, status, exec, nil)

	assert.Equal(t, OutcomeDone, p.Process(context.Background(), testCommand("proxmox.start")))

	updates := status.sent()
	require.Len(t, updates, 2)
	assert.Equal(t, fleet.StatusFailed, updates[1].Status)
	assert.Contains(t, updates[1].ErrorMessage, "panicked: boom")
}

func TestProcessSkipsCommandsInLedger(t *testing.T) {
	var calls int
	mem := ledger.NewMemory(16)
	status := &fakeStatus{}
	p := newTestProcessor(nil, status, countingExecutor(&calls, nil, nil), mem)

	cmd := testCommand("proxmox.start")
	assert.Equal(t, OutcomeDone, p.Process(context.Background(), cmd))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, mem.Len())

	assert.Equal(t, OutcomeSkipped, p.Process(context.Background(), cmd))
	assert.Equal(t, 1, calls)
	assert.Len(t, status.sent(), 2)
}

func TestProcessResendsUndeliveredResultWithoutExecuting(t *testing.T) {
	var calls int
	mem := ledger.NewMemory(16)
	status := &fakeStatus{resultErrs: []error{errors.New("control plane unavailable")}}
	p := newTestProcessor(nil, status, countingExecutor(&calls, map[string]any{"upid": "UPID:h1"}, nil), mem)
	cmd := testCommand("proxmox.start")

	assert.Equal(t, OutcomeDone, p.Process(context.Background(), cmd))
	assert.Equal(t, 1, calls)
	entry, err := mem.Lookup(context.Background(), cmd.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.Reported, "failed delivery must not mark the command reported")
	assert.Equal(t, string(fleet.StatusSucceeded), entry.Status)

	// Redelivery sends the stored result instead of executing again.
	assert.Equal(t, OutcomeDone, p.Process(context.Background(), cmd))
	assert.Equal(t, 1, calls)

	updates := status.sent()
	require.Len(t, updates, 3)
	assert.Equal(t, fleet.StatusRunning, updates[0].Status)
	assert.Equal(t, fleet.StatusSucceeded, updates[1].Status)
	assert.Equal(t, fleet.StatusSucceeded, updates[2].Status)
	raw, ok := updates[2].Result.(json.RawMessage)
	require.True(t, ok, "resent result must carry the stored payload, got %T", updates[2].Result)
	assert.JSONEq(t, `{"upid":"UPID:h1"}`, string(raw))

	entry, _ = mem.Lookup(context.Background(), cmd.ID)
	assert.True(t, entry.Reported)

	// Once delivered, further redeliveries are skipped silently.
	assert.Equal(t, OutcomeSkipped, p.Process(context.Background(), cmd))
	assert.Equal(t, 1, calls)
	assert.Len(t, status.sent(), 3)
}

func TestProcessResendFailureKeepsEntryPending(t *testing.T) {
	var calls int
	mem := ledger.NewMemory(16)
	status := &fakeStatus{resultErrs: []error{errors.New("down"), errors.New("still down")}}
	p := newTestProcessor(nil, status, countingExecutor(&calls, nil, errors.New("disk full")), mem)
	cmd := testCommand("proxmox.start")

	assert.Equal(t, OutcomeDone, p.Process(context.Background(), cmd))
	assert.Equal(t, OutcomeSkipped, p.Process(context.Background(), cmd))
	assert.Equal(t, 1, calls)

	entry, _ := mem.Lookup(context.Background(), cmd.ID)
	require.NotNil(t, entry)
	assert.False(t, entry.Reported)
	assert.Equal(t, "disk full", entry.ErrorMessage)

	assert.Equal(t, OutcomeDone, p.Process(context.Background(), cmd))
	updates := status.sent()
	last := updates[len(updates)-1]
	assert.Equal(t, fleet.StatusFailed, last.Status)
	assert.Equal(t, "disk full", last.ErrorMessage)
	assert.Equal(t, 1, calls)
}

func TestProcessRoutesByPrefix(t *testing.T) {
	var proxmoxCalls, otherCalls int
	status := &fakeStatus{}
	p := New(Config{
		AgentID: "agent-1",
		Status:  status,
		Routes: []Route{
			{Prefix: "proxmox.", Executor: countingExecutor(&proxmoxCalls, nil, nil)},
			{Prefix: "agent.", Executor: countingExecutor(&otherCalls, nil, nil)},
		},
		Logger: zerolog.Nop(),
	})

	p.Process(context.Background(), testCommand("agent.ping"))
	assert.Zero(t, proxmoxCalls)
	assert.Equal(t, 1, otherCalls)
}

func TestProcessNilCommand(t *testing.T) {
	p := newTestProcessor(nil, &fakeStatus{}, nil, nil)
	assert.Equal(t, OutcomeSkipped, p.Process(context.Background(), nil))
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(rateLimitErr{}))
	assert.True(t, IsRateLimited(&apiclient.Error{HTTPStatus: 429}))
	assert.False(t, IsRateLimited(&apiclient.Error{HTTPStatus: 500}))
	assert.False(t, IsRateLimited(errors.New("x")))
	assert.False(t, IsRateLimited(nil))
}
