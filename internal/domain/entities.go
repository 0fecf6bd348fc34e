// Package domain defines the core entities and ports of the workspace
// broker: AI task messages, results, domain events, and the interfaces
// implemented by the AMQP and store adapters.
package domain

import (
	"context"
	"time"
)

// TaskType enumerates the supported AI processing operations.
type TaskType string

const (
	TaskGenerate TaskType = "generate"
	TaskOptimize TaskType = "optimize"
	TaskFusion   TaskType = "fusion"
	TaskAnalyze  TaskType = "analyze"
	TaskExpand   TaskType = "expand"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskGenerate, TaskOptimize, TaskFusion, TaskAnalyze, TaskExpand:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of an in-flight task.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusTimeout    TaskStatus = "timeout"
)

// Terminal reports whether s is a terminal state. Terminal transitions
// remove the in-memory task record.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Priority is the caller-facing task priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Level maps a priority to its AMQP envelope priority.
// Unknown values map to the normal level.
func (p Priority) Level() uint8 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 5
	case PriorityHigh:
		return 8
	case PriorityUrgent:
		return 10
	default:
		return 5
	}
}

// TaskMetadata carries optional per-task tuning and bookkeeping fields.
type TaskMetadata struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `json:"max_tokens,omitempty" validate:"gte=0"`
	TimeoutMs   int64    `json:"timeout_ms,omitempty" validate:"gte=0"`
	RetryCount  int      `json:"retry_count,omitempty" validate:"gte=0,lte=3"`
	RequestID   string   `json:"request_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	BatchID     string   `json:"batch_id,omitempty"`
}

// TaskMessage is the wire format for a task published on the direct
// task exchange.
// Invariant: Inputs has at least one element.
type TaskMessage struct {
	TaskID      string       `json:"task_id" validate:"required"`
	Type        TaskType     `json:"type" validate:"required"`
	Inputs      []string     `json:"inputs" validate:"required,min=1"`
	Context     string       `json:"context,omitempty"`
	Instruction string       `json:"instruction,omitempty"`
	NodeID      string       `json:"node_id" validate:"required"`
	ProjectID   string       `json:"project_id" validate:"required"`
	UserID      string       `json:"user_id" validate:"required"`
	Priority    Priority     `json:"priority,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Metadata    TaskMetadata `json:"metadata,omitempty"`
}

// ProcessingMetadata describes how the engine produced a result.
type ProcessingMetadata struct {
	Model            string   `json:"model,omitempty"`
	TokenCount       int      `json:"token_count,omitempty"`
	Temperature      float64  `json:"temperature,omitempty"`
	Steps            []string `json:"steps,omitempty"`
	RequestID        string   `json:"request_id,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms,omitempty"`
	Cost             float64  `json:"cost,omitempty"`
}

// ResultPayload is the successful outcome of a task.
type ResultPayload struct {
	Content      string             `json:"content" validate:"required"`
	Title        string             `json:"title,omitempty"`
	Confidence   float64            `json:"confidence" validate:"gte=0,lte=1"`
	Tags         []string           `json:"tags,omitempty"`
	Reasoning    string             `json:"reasoning,omitempty"`
	Alternatives []string           `json:"alternatives,omitempty"`
	SemanticType string             `json:"semantic_type,omitempty"`
	Processing   ProcessingMetadata `json:"processing,omitempty"`
}

// ErrorSeverity classifies engine-side failures.
type ErrorSeverity string

const (
	SeverityLow    ErrorSeverity = "low"
	SeverityMedium ErrorSeverity = "medium"
	SeverityHigh   ErrorSeverity = "high"
)

// TaskErrorInfo is the failure outcome of a task.
type TaskErrorInfo struct {
	Code         string        `json:"code" validate:"required"`
	Message      string        `json:"message" validate:"required"`
	Details      string        `json:"details,omitempty"`
	Retryable    bool          `json:"retryable"`
	RetryAfterMs int64         `json:"retry_after_ms,omitempty"`
	Severity     ErrorSeverity `json:"severity,omitempty" validate:"omitempty,oneof=low medium high"`
}

// TaskResult is the wire format published by the engine on the results
// exchange.
// Invariant: Success implies Result != nil; !Success implies Error != nil.
type TaskResult struct {
	TaskID           string         `json:"task_id" validate:"required"`
	Type             TaskType       `json:"type,omitempty"`
	NodeID           string         `json:"node_id,omitempty"`
	ProjectID        string         `json:"project_id,omitempty"`
	UserID           string         `json:"user_id,omitempty"`
	Status           TaskStatus     `json:"status,omitempty"`
	Success          bool           `json:"success"`
	Result           *ResultPayload `json:"result,omitempty"`
	Error            *TaskErrorInfo `json:"error,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// BatchOptions tunes batch execution on the engine side.
type BatchOptions struct {
	Concurrency    int  `json:"concurrency" validate:"gte=1,lte=10"`
	FailFast       bool `json:"fail_fast"`
	CollectResults bool `json:"collect_results"`
}

// DefaultBatchOptions returns the batch defaults: concurrency 3 and
// result collection enabled.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{Concurrency: 3, CollectResults: true}
}

// TaskBatch is the wire format for a batch submission.
type TaskBatch struct {
	BatchID   string        `json:"batch_id" validate:"required"`
	Tasks     []TaskMessage `json:"tasks" validate:"required,min=1,dive"`
	Options   BatchOptions  `json:"options"`
	Timestamp time.Time     `json:"timestamp"`
}

// Event is the envelope for a domain event on the topic/fanout exchanges.
type Event struct {
	EventID       string    `json:"event_id" validate:"required"`
	Type          string    `json:"type" validate:"required"`
	Source        string    `json:"source,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// TaskState is the scheduler's in-memory view of an active task.
// It is created on submission and destroyed on any terminal transition.
type TaskState struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Progress  *int       `json:"progress,omitempty"`
	Message   string     `json:"message,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	Deadline  time.Time  `json:"deadline"`
}

// TaskRecord is the durable task representation owned by the store
// service; the broker only reads and writes it through the Store port.
type TaskRecord struct {
	TaskID      string     `json:"task_id"`
	Type        TaskType   `json:"type"`
	Status      TaskStatus `json:"status"`
	NodeID      string     `json:"node_id"`
	ProjectID   string     `json:"project_id"`
	UserID      string     `json:"user_id"`
	Priority    Priority   `json:"priority"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SystemStats is the store's aggregate view of the system.
type SystemStats struct {
	TasksQueued    int64 `json:"tasks_queued"`
	TasksActive    int64 `json:"tasks_active"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	Nodes          int64 `json:"nodes"`
	Projects       int64 `json:"projects"`
	Users          int64 `json:"users"`
}

// IntegrityReport is the outcome of a store data-integrity pass.
type IntegrityReport struct {
	Checked  int64    `json:"checked"`
	Repaired int64    `json:"repaired"`
	Orphans  []string `json:"orphans,omitempty"`
}

// Ports

// Delivery is a broker-agnostic view of an inbound message handed to
// consumer handlers. Ack/nack is owned by the broker adapter: a handler
// error results in a nack without requeue.
type Delivery struct {
	Body          []byte
	RoutingKey    string
	CorrelationID string
	Type          string
	MessageID     string
	Redelivered   bool
	Headers       map[string]any
}

// DeliveryHandler processes one delivery. Returning an error nacks the
// message without requeue (dead-lettered when a DLX is bound).
type DeliveryHandler func(ctx context.Context, d Delivery) error

// PublishOptions controls the AMQP envelope of an outbound message.
type PublishOptions struct {
	Persistent    bool
	Priority      uint8
	Expiration    string
	Mandatory     bool
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Type          string
	UserID        string
	AppID         string
	Headers       map[string]any
}

// ConsumeOptions controls consumer registration.
type ConsumeOptions struct {
	AutoAck     bool
	Exclusive   bool
	NoLocal     bool
	ConsumerTag string
	Priority    int
	Args        map[string]any
}

// QueueInfo is a point-in-time snapshot of a queue.
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// Broker is the message-broker port used by the scheduler, the event
// layer, and the service integrator.
type Broker interface {
	// Publish serializes payload as JSON and publishes without waiting
	// for broker acknowledgement.
	Publish(ctx context.Context, exchange, routingKey string, payload any, opts PublishOptions) error
	// PublishWithConfirm publishes and returns only once the broker has
	// acked the message, or fails on nack / confirm timeout.
	PublishWithConfirm(ctx context.Context, exchange, routingKey string, payload any, opts PublishOptions) error
	// Consume registers a supervised consumer and returns its tag.
	Consume(ctx context.Context, queue string, handler DeliveryHandler, opts ConsumeOptions) (string, error)
	// CancelConsumer stops the consumer with the given tag.
	CancelConsumer(tag string) error
	// Request performs an RPC over a temporary reply queue.
	Request(ctx context.Context, exchange, routingKey string, payload any, timeout time.Duration) ([]byte, error)

	DeclareTransientQueue(ctx context.Context, name string) (string, error)
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	DeleteQueue(ctx context.Context, queue string, ifUnused, ifEmpty bool) error
	QueueInfo(ctx context.Context, queue string) (QueueInfo, error)
	PurgeQueue(ctx context.Context, queue string) (int, error)

	// IsReady reports started AND connected AND both channels open.
	IsReady() bool
	// OnReconnect registers a callback invoked after channels have been
	// rebuilt following a connection loss.
	OnReconnect(fn func())
}

// CacheEntry pairs a cache key with its raw value.
type CacheEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Store is the typed facade over the external store service. Failures
// are propagated as-is; the scheduler does not hide them.
type Store interface {
	CreateTask(ctx context.Context, rec TaskRecord) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, error)
	UpdateTask(ctx context.Context, rec TaskRecord) error
	DeleteTask(ctx context.Context, taskID string) error
	ListQueuedTasks(ctx context.Context, limit int) ([]TaskRecord, error)
	CleanupTasks(ctx context.Context, olderThan time.Duration) (int64, error)

	CacheGet(ctx context.Context, key string) ([]byte, error)
	CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CacheDelete(ctx context.Context, pattern string) (int64, error)

	BatchCreateTasks(ctx context.Context, recs []TaskRecord) error
	ValidateIntegrity(ctx context.Context, repair bool) (IntegrityReport, error)
	SystemStats(ctx context.Context) (SystemStats, error)
	HealthCheck(ctx context.Context) error
	SetAuthToken(token string)
	ClearAuthToken()
}
