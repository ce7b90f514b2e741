package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/crewd/internal/governance"
)

type mockApprover struct {
	mock.Mock
}

func (m *mockApprover) Approve(ctx context.Context, req *Request) (*Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Response), args.Error(1)
}

func request(tool string) *Request {
	return &Request{
		SessionID: "sess-1",
		Role:      governance.RoleImpl,
		Call:      governance.ToolCall{Name: tool},
	}
}

func TestNewHandlerRequiresApprover(t *testing.T) {
	_, err := NewHandler(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approver is required")
}

func TestIsSensitive(t *testing.T) {
	handler, err := NewHandler(nil, &mockApprover{})
	require.NoError(t, err)

	assert.True(t, handler.IsSensitive("run_command"))
	assert.True(t, handler.IsSensitive("spawn_agent"))
	assert.False(t, handler.IsSensitive("read_file"))
}

func TestEvaluateNonSensitiveSkipsApprover(t *testing.T) {
	approver := &mockApprover{}
	handler, err := NewHandler(nil, approver)
	require.NoError(t, err)

	result := handler.Evaluate(context.Background(), request("read_file"))
	assert.Equal(t, DecisionApproved, result.Decision)
	approver.AssertNotCalled(t, "Approve", mock.Anything, mock.Anything)
}

func TestEvaluateApproved(t *testing.T) {
	approver := &mockApprover{}
	approver.On("Approve", mock.Anything, mock.Anything).
		Return(&Response{Approved: true, Actor: "alice"}, nil)

	handler, err := NewHandler(nil, approver)
	require.NoError(t, err)

	result := handler.Evaluate(context.Background(), request("run_command"))
	assert.Equal(t, DecisionApproved, result.Decision)
	assert.Equal(t, "alice", result.Actor)
	assert.Empty(t, result.Reason)
}

func TestEvaluateRejected(t *testing.T) {
	approver := &mockApprover{}
	approver.On("Approve", mock.Anything, mock.Anything).
		Return(&Response{Approved: false, Reason: "migration not reviewed", Actor: "alice"}, nil)

	handler, err := NewHandler(nil, approver)
	require.NoError(t, err)

	result := handler.Evaluate(context.Background(), request("run_command"))
	assert.Equal(t, DecisionRejected, result.Decision)
	assert.Equal(t, "migration not reviewed", result.Reason)
}

func TestEvaluateRejectedWithoutReason(t *testing.T) {
	approver := &mockApprover{}
	approver.On("Approve", mock.Anything, mock.Anything).
		Return(&Response{Approved: false, Actor: "bob"}, nil)

	handler, err := NewHandler(nil, approver)
	require.NoError(t, err)

	result := handler.Evaluate(context.Background(), request("run_command"))
	assert.Equal(t, DecisionRejected, result.Decision)
	assert.Contains(t, result.Reason, "rejected by bob")
}

func TestEvaluateTimeoutPauses(t *testing.T) {
	approver := &mockApprover{}
	approver.On("Approve", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			<-ctx.Done()
		}).
		Return(nil, context.DeadlineExceeded)

	handler, err := NewHandler(&Config{
		SensitiveActions: []string{"run_command"},
		ApprovalTimeout:  20 * time.Millisecond,
	}, approver)
	require.NoError(t, err)

	result := handler.Evaluate(context.Background(), request("run_command"))
	assert.Equal(t, DecisionTimeout, result.Decision)
	assert.Contains(t, result.Reason, "timed out")
}

func TestEvaluateApproverErrorPauses(t *testing.T) {
	approver := &mockApprover{}
	approver.On("Approve", mock.Anything, mock.Anything).
		Return(nil, errors.New("approval channel down"))

	handler, err := NewHandler(nil, approver)
	require.NoError(t, err)

	result := handler.Evaluate(context.Background(), request("run_command"))
	assert.Equal(t, DecisionTimeout, result.Decision)
	assert.Contains(t, result.Reason, "unavailable")
}

func TestEvaluateNilResponsePauses(t *testing.T) {
	approver := &mockApprover{}
	approver.On("Approve", mock.Anything, mock.Anything).
		Return(nil, nil)

	handler, err := NewHandler(nil, approver)
	require.NoError(t, err)

	result := handler.Evaluate(context.Background(), request("run_command"))
	assert.Equal(t, DecisionTimeout, result.Decision)
	assert.Contains(t, result.Reason, "unavailable")
}

func TestCustomSensitiveSet(t *testing.T) {
	approver := &mockApprover{}
	approver.On("Approve", mock.Anything, mock.Anything).
		Return(&Response{Approved: true}, nil)

	handler, err := NewHandler(&Config{
		SensitiveActions: []string{"write_file"},
		ApprovalTimeout:  time.Second,
	}, approver)
	require.NoError(t, err)

	assert.True(t, handler.IsSensitive("write_file"))
	assert.False(t, handler.IsSensitive("run_command"))
}
