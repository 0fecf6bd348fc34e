package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

func validTask() domain.TaskMessage {
	return domain.TaskMessage{
		TaskID:    "t-1",
		Type:      domain.TaskGenerate,
		Inputs:    []string{"hello"},
		NodeID:    "n1",
		ProjectID: "p1",
		UserID:    "u1",
		Priority:  domain.PriorityHigh,
		Timestamp: time.Now().UTC(),
	}
}

func TestValidateTaskMessage_OK(t *testing.T) {
	t.Parallel()
	require.NoError(t, domain.ValidateTaskMessage(validTask()))
}

func TestValidateTaskMessage_SingleInputValid(t *testing.T) {
	t.Parallel()
	m := validTask()
	m.Inputs = []string{"x"}
	require.NoError(t, domain.ValidateTaskMessage(m))
}

func TestValidateTaskMessage_EmptyInputsRejected(t *testing.T) {
	t.Parallel()
	m := validTask()
	m.Inputs = nil
	err := domain.ValidateTaskMessage(m)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestValidateTaskMessage_BlankInputRejected(t *testing.T) {
	t.Parallel()
	m := validTask()
	m.Inputs = []string{""}
	assert.ErrorIs(t, domain.ValidateTaskMessage(m), domain.ErrSchemaInvalid)
}

func TestValidateTaskMessage_UnknownTypeRejected(t *testing.T) {
	t.Parallel()
	m := validTask()
	m.Type = "summon"
	assert.ErrorIs(t, domain.ValidateTaskMessage(m), domain.ErrSchemaInvalid)
}

func TestValidateTaskMessage_TemperatureBounds(t *testing.T) {
	t.Parallel()
	m := validTask()
	high := 2.5
	m.Metadata.Temperature = &high
	assert.ErrorIs(t, domain.ValidateTaskMessage(m), domain.ErrSchemaInvalid)

	ok := 2.0
	m.Metadata.Temperature = &ok
	assert.NoError(t, domain.ValidateTaskMessage(m))
}

func TestValidateTaskMessage_RetryCountBounds(t *testing.T) {
	t.Parallel()
	m := validTask()
	m.Metadata.RetryCount = 4
	assert.ErrorIs(t, domain.ValidateTaskMessage(m), domain.ErrSchemaInvalid)

	m.Metadata.RetryCount = 3
	assert.NoError(t, domain.ValidateTaskMessage(m))
}

func validResult() domain.TaskResult {
	return domain.TaskResult{
		TaskID:  "t-1",
		Type:    domain.TaskGenerate,
		NodeID:  "n1",
		Success: true,
		Result:  &domain.ResultPayload{Content: "out", Confidence: 0.9},
	}
}

func TestValidateTaskResult_OK(t *testing.T) {
	t.Parallel()
	require.NoError(t, domain.ValidateTaskResult(validResult()))
}

func TestValidateTaskResult_SuccessRequiresPayload(t *testing.T) {
	t.Parallel()
	r := validResult()
	r.Result = nil
	assert.ErrorIs(t, domain.ValidateTaskResult(r), domain.ErrSchemaInvalid)
}

func TestValidateTaskResult_FailureRequiresError(t *testing.T) {
	t.Parallel()
	r := validResult()
	r.Success = false
	r.Result = nil
	assert.ErrorIs(t, domain.ValidateTaskResult(r), domain.ErrSchemaInvalid)

	r.Error = &domain.TaskErrorInfo{Code: "ENGINE_DOWN", Message: "boom", Severity: domain.SeverityHigh}
	assert.NoError(t, domain.ValidateTaskResult(r))
}

func TestValidateTaskResult_ConfidenceBounds(t *testing.T) {
	t.Parallel()
	r := validResult()
	r.Result.Confidence = 1.2
	assert.ErrorIs(t, domain.ValidateTaskResult(r), domain.ErrSchemaInvalid)

	r.Result.Confidence = -0.1
	assert.ErrorIs(t, domain.ValidateTaskResult(r), domain.ErrSchemaInvalid)
}

func TestValidateTaskResult_EmptyContentRejected(t *testing.T) {
	t.Parallel()
	r := validResult()
	r.Result.Content = ""
	assert.ErrorIs(t, domain.ValidateTaskResult(r), domain.ErrSchemaInvalid)
}

func TestValidateBatch(t *testing.T) {
	t.Parallel()
	b := domain.TaskBatch{
		BatchID:   "b-1",
		Tasks:     []domain.TaskMessage{validTask()},
		Options:   domain.DefaultBatchOptions(),
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, domain.ValidateBatch(b))

	b.Options.Concurrency = 11
	assert.ErrorIs(t, domain.ValidateBatch(b), domain.ErrSchemaInvalid)

	b.Options = domain.DefaultBatchOptions()
	b.Tasks = nil
	assert.ErrorIs(t, domain.ValidateBatch(b), domain.ErrSchemaInvalid)
}

func TestValidateBatch_BadTaskRejected(t *testing.T) {
	t.Parallel()
	bad := validTask()
	bad.Inputs = nil
	b := domain.TaskBatch{
		BatchID: "b-1",
		Tasks:   []domain.TaskMessage{validTask(), bad},
		Options: domain.DefaultBatchOptions(),
	}
	err := domain.ValidateBatch(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task 1")
}

func TestValidateEvent(t *testing.T) {
	t.Parallel()
	e := domain.Event{EventID: "e-1", Type: "node.created", Timestamp: time.Now().UTC()}
	require.NoError(t, domain.ValidateEvent(e))

	e.Type = ""
	assert.ErrorIs(t, domain.ValidateEvent(e), domain.ErrSchemaInvalid)
}
