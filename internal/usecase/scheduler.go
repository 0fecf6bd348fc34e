// Package usecase contains the application services built on the broker
// ports: the AI task scheduler and the service integrator.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// TaskRequest is the caller-facing submission for one AI task.
type TaskRequest struct {
	Type        domain.TaskType
	Inputs      []string
	Context     string
	Instruction string
	NodeID      string
	ProjectID   string
	UserID      string
	Priority    domain.Priority
	Metadata    domain.TaskMetadata
}

// TaskObserver receives task lifecycle notifications. Callbacks run on
// scheduler goroutines and must not block.
type TaskObserver interface {
	OnTaskScheduled(task domain.TaskMessage)
	OnTaskStatusUpdated(state domain.TaskState)
	OnTaskCompleted(result domain.TaskResult)
	OnTaskTimeout(taskID string)
	OnTaskCancelled(taskID string)
	OnBatchScheduled(batch domain.TaskBatch)
}

// NopObserver implements TaskObserver with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) OnTaskScheduled(domain.TaskMessage)   {}
func (NopObserver) OnTaskStatusUpdated(domain.TaskState) {}
func (NopObserver) OnTaskCompleted(domain.TaskResult)    {}
func (NopObserver) OnTaskTimeout(string)                 {}
func (NopObserver) OnTaskCancelled(string)               {}
func (NopObserver) OnBatchScheduled(domain.TaskBatch)    {}

// SchedulerStats is a point-in-time counter snapshot.
type SchedulerStats struct {
	Scheduled int64 `json:"scheduled"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Cancelled int64 `json:"cancelled"`
	Active    int   `json:"active"`
}

// activeTask is the in-memory record of one in-flight task. The timer
// fires the timeout transition; every terminal transition stops it.
type activeTask struct {
	msg   domain.TaskMessage
	state domain.TaskState
	timer *time.Timer
}

// cancelMessage is the control message published on the task exchange
// to tell the engine to abandon a task.
type cancelMessage struct {
	TaskID      string    `json:"task_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// progressUpdate is the non-terminal status message the engine may
// publish on the results exchange while a task runs.
type progressUpdate struct {
	TaskID   string `json:"task_id"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Scheduler submits AI tasks over the broker and tracks them until the
// engine reports a terminal outcome or the deadline fires. A task id is
// tracked at most once; any terminal transition removes the record, so
// exactly one terminal notification is emitted per task.
type Scheduler struct {
	cfg    config.Config
	broker domain.Broker
	store  domain.Store // nil disables durable records

	mu          sync.Mutex
	tasks       map[string]*activeTask
	observers   []TaskObserver
	stats       SchedulerStats
	consumerTag string
	stopped     bool
}

// NewScheduler constructs a Scheduler. store may be nil. The results
// consumer is re-registered automatically after broker reconnects.
func NewScheduler(cfg config.Config, broker domain.Broker, store domain.Store) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		broker: broker,
		store:  store,
		tasks:  make(map[string]*activeTask),
	}
	broker.OnReconnect(func() {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		// Reuse the Start retry loop: the broker may still be settling
		// right after recovery.
		if err := s.Start(context.Background()); err != nil {
			slog.Error("result consumer re-registration failed", slog.Any("error", err))
		}
	})
	return s
}

// AddObserver registers a lifecycle observer. Not safe to call after
// tasks are in flight from other goroutines.
func (s *Scheduler) AddObserver(o TaskObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Scheduler) notify(fn func(TaskObserver)) {
	s.mu.Lock()
	observers := append([]TaskObserver{}, s.observers...)
	s.mu.Unlock()
	for _, o := range observers {
		fn(o)
	}
}

// Start registers the results consumer, waiting for broker readiness
// with a progressive delay between attempts.
func (s *Scheduler) Start(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.ConsumerSetupRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * s.cfg.ConsumerSetupBaseWait
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !s.broker.IsReady() {
			lastErr = domain.ErrNotReady
			continue
		}
		if err := s.startConsumer(ctx); err != nil {
			lastErr = err
			slog.Warn("result consumer setup failed",
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
			continue
		}
		return nil
	}
	return fmt.Errorf("op=scheduler.Start: consumer setup exhausted %d attempts: %w", s.cfg.ConsumerSetupRetries, lastErr)
}

func (s *Scheduler) startConsumer(ctx context.Context) error {
	tag, err := s.broker.Consume(ctx, config.QueueResults, s.handleResult, domain.ConsumeOptions{})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.consumerTag = tag
	s.mu.Unlock()
	slog.Info("result consumer registered", slog.String("queue", config.QueueResults), slog.String("tag", tag))
	return nil
}

// Stop cancels the results consumer and stops all deadline timers.
// In-flight tasks are left to the engine; their records stay in memory.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tag := s.consumerTag
	s.consumerTag = ""
	for _, t := range s.tasks {
		t.timer.Stop()
	}
	s.mu.Unlock()
	if tag != "" {
		if err := s.broker.CancelConsumer(tag); err != nil {
			slog.Debug("result consumer cancel failed", slog.Any("error", err))
		}
	}
}

// Convenience wrappers per task type.

// ScheduleGenerate submits a content generation task.
func (s *Scheduler) ScheduleGenerate(ctx context.Context, req TaskRequest) (string, error) {
	req.Type = domain.TaskGenerate
	return s.ScheduleTask(ctx, req)
}

// ScheduleOptimize submits a content optimization task.
func (s *Scheduler) ScheduleOptimize(ctx context.Context, req TaskRequest) (string, error) {
	req.Type = domain.TaskOptimize
	return s.ScheduleTask(ctx, req)
}

// ScheduleFusion submits a multi-input fusion task.
func (s *Scheduler) ScheduleFusion(ctx context.Context, req TaskRequest) (string, error) {
	req.Type = domain.TaskFusion
	return s.ScheduleTask(ctx, req)
}

// ScheduleAnalyze submits an analysis task.
func (s *Scheduler) ScheduleAnalyze(ctx context.Context, req TaskRequest) (string, error) {
	req.Type = domain.TaskAnalyze
	return s.ScheduleTask(ctx, req)
}

// ScheduleExpand submits a content expansion task.
func (s *Scheduler) ScheduleExpand(ctx context.Context, req TaskRequest) (string, error) {
	req.Type = domain.TaskExpand
	return s.ScheduleTask(ctx, req)
}

// ScheduleTask validates the request, publishes it with broker
// confirmation, and starts tracking it. A failed publish leaves no
// record behind. Returns the generated task id.
func (s *Scheduler) ScheduleTask(ctx context.Context, req TaskRequest) (string, error) {
	msg := s.buildMessage(req)
	if err := domain.ValidateTaskMessage(msg); err != nil {
		return "", err
	}

	err := s.broker.PublishWithConfirm(ctx, config.ExchangeTasks, config.KeySubmit, msg, domain.PublishOptions{
		Persistent:    true,
		Priority:      msg.Priority.Level(),
		CorrelationID: msg.TaskID,
		MessageID:     msg.TaskID,
		Type:          "ai_task",
		AppID:         "scheduler",
	})
	if err != nil {
		return "", fmt.Errorf("op=scheduler.ScheduleTask: %w", err)
	}

	s.track(msg)
	s.persistRecord(ctx, msg)
	s.notify(func(o TaskObserver) { o.OnTaskScheduled(msg) })
	slog.Info("task scheduled",
		slog.String("task_id", msg.TaskID),
		slog.String("type", string(msg.Type)),
		slog.String("priority", string(msg.Priority)))
	return msg.TaskID, nil
}

// ScheduleBatch submits several tasks as one batch envelope on the
// batch routing key. All tasks succeed or fail together at publish
// time; each is then tracked individually.
func (s *Scheduler) ScheduleBatch(ctx context.Context, reqs []TaskRequest, opts domain.BatchOptions) (domain.TaskBatch, error) {
	if opts.Concurrency == 0 {
		opts.Concurrency = domain.DefaultBatchOptions().Concurrency
	}
	batch := domain.TaskBatch{
		BatchID:   "batch-" + strings.ToLower(ulid.Make().String()),
		Tasks:     make([]domain.TaskMessage, 0, len(reqs)),
		Options:   opts,
		Timestamp: time.Now().UTC(),
	}
	for _, req := range reqs {
		msg := s.buildMessage(req)
		msg.Metadata.BatchID = batch.BatchID
		batch.Tasks = append(batch.Tasks, msg)
	}
	if err := domain.ValidateBatch(batch); err != nil {
		return domain.TaskBatch{}, err
	}

	err := s.broker.PublishWithConfirm(ctx, config.ExchangeTasks, config.KeyBatchSubmit, batch, domain.PublishOptions{
		Persistent:    true,
		CorrelationID: batch.BatchID,
		MessageID:     batch.BatchID,
		Type:          "ai_task_batch",
		AppID:         "scheduler",
	})
	if err != nil {
		return domain.TaskBatch{}, fmt.Errorf("op=scheduler.ScheduleBatch: %w", err)
	}

	for _, msg := range batch.Tasks {
		s.track(msg)
	}
	s.persistBatch(ctx, batch)
	s.notify(func(o TaskObserver) { o.OnBatchScheduled(batch) })
	slog.Info("batch scheduled",
		slog.String("batch_id", batch.BatchID),
		slog.Int("tasks", len(batch.Tasks)))
	return batch, nil
}

func (s *Scheduler) buildMessage(req TaskRequest) domain.TaskMessage {
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	return domain.TaskMessage{
		TaskID:      "task-" + strings.ToLower(ulid.Make().String()),
		Type:        req.Type,
		Inputs:      req.Inputs,
		Context:     req.Context,
		Instruction: req.Instruction,
		NodeID:      req.NodeID,
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Priority:    priority,
		Timestamp:   time.Now().UTC(),
		Metadata:    req.Metadata,
	}
}

func (s *Scheduler) taskTimeout(msg domain.TaskMessage) time.Duration {
	if msg.Metadata.TimeoutMs > 0 {
		return time.Duration(msg.Metadata.TimeoutMs) * time.Millisecond
	}
	return s.cfg.EffectiveTaskTimeout()
}

// track records the task in memory and arms its deadline timer.
func (s *Scheduler) track(msg domain.TaskMessage) {
	timeout := s.taskTimeout(msg)
	now := time.Now().UTC()
	taskID := msg.TaskID

	s.mu.Lock()
	s.tasks[taskID] = &activeTask{
		msg: msg,
		state: domain.TaskState{
			TaskID:    taskID,
			Status:    domain.StatusQueued,
			UpdatedAt: now,
			Deadline:  now.Add(timeout),
		},
		timer: time.AfterFunc(timeout, func() { s.timeoutTask(taskID) }),
	}
	s.stats.Scheduled++
	s.mu.Unlock()

	observability.ScheduleTask(string(msg.Type), string(msg.Priority))
}

func (s *Scheduler) persistRecord(ctx context.Context, msg domain.TaskMessage) {
	if s.store == nil {
		return
	}
	now := time.Now().UTC()
	rec := domain.TaskRecord{
		TaskID:    msg.TaskID,
		Type:      msg.Type,
		Status:    domain.StatusQueued,
		NodeID:    msg.NodeID,
		ProjectID: msg.ProjectID,
		UserID:    msg.UserID,
		Priority:  msg.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTask(ctx, rec); err != nil {
		slog.Warn("task record write failed", slog.String("task_id", msg.TaskID), slog.Any("error", err))
	}
}

func (s *Scheduler) persistBatch(ctx context.Context, batch domain.TaskBatch) {
	if s.store == nil {
		return
	}
	now := time.Now().UTC()
	recs := make([]domain.TaskRecord, 0, len(batch.Tasks))
	for _, msg := range batch.Tasks {
		recs = append(recs, domain.TaskRecord{
			TaskID:    msg.TaskID,
			Type:      msg.Type,
			Status:    domain.StatusQueued,
			NodeID:    msg.NodeID,
			ProjectID: msg.ProjectID,
			UserID:    msg.UserID,
			Priority:  msg.Priority,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := s.store.BatchCreateTasks(ctx, recs); err != nil {
		slog.Warn("batch record write failed", slog.String("batch_id", batch.BatchID), slog.Any("error", err))
	}
}

// CancelTask publishes a cancel control message and finalizes the task
// locally. Unknown task ids report domain.ErrNotFound.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	_, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, domain.ErrNotFound)
	}

	err := s.broker.Publish(ctx, config.ExchangeTasks, config.KeyCancel, cancelMessage{
		TaskID:      taskID,
		CancelledAt: time.Now().UTC(),
	}, domain.PublishOptions{
		Persistent:    true,
		CorrelationID: taskID,
		Type:          "task_cancel",
		AppID:         "scheduler",
	})
	if err != nil {
		return fmt.Errorf("op=scheduler.CancelTask: %w", err)
	}

	task, ok := s.finalize(taskID, domain.StatusCancelled)
	if !ok {
		// A result or timeout won the race; the cancel is moot.
		return nil
	}
	s.updateRecord(ctx, task.msg, domain.StatusCancelled, "cancelled by caller")
	s.notify(func(o TaskObserver) { o.OnTaskCancelled(taskID) })
	slog.Info("task cancelled", slog.String("task_id", taskID))
	return nil
}

// handleResult processes one message from the results queue. Progress
// updates mutate the tracked state; terminal results finalize the task.
// Results for unknown ids are acked and dropped.
func (s *Scheduler) handleResult(ctx context.Context, d domain.Delivery) error {
	if d.Type == "task_progress" {
		return s.handleProgress(d)
	}

	var result domain.TaskResult
	if err := json.Unmarshal(d.Body, &result); err != nil {
		return fmt.Errorf("%w: decode result: %v", domain.ErrSchemaInvalid, err)
	}
	if err := domain.ValidateTaskResult(result); err != nil {
		return err
	}

	status := domain.StatusCompleted
	if !result.Success {
		status = domain.StatusFailed
	}
	task, ok := s.finalize(result.TaskID, status)
	if !ok {
		slog.Debug("result for unknown task dropped", slog.String("task_id", result.TaskID))
		return nil
	}

	errMsg := ""
	if result.Error != nil {
		errMsg = result.Error.Message
	}
	s.updateRecord(ctx, task.msg, status, errMsg)
	if result.ProcessingTimeMs > 0 {
		observability.TaskProcessingDuration.WithLabelValues(string(task.msg.Type)).
			Observe(float64(result.ProcessingTimeMs) / 1000)
	}
	s.notify(func(o TaskObserver) { o.OnTaskCompleted(result) })
	slog.Info("task finished",
		slog.String("task_id", result.TaskID),
		slog.String("status", string(status)),
		slog.Int64("processing_time_ms", result.ProcessingTimeMs))
	return nil
}

func (s *Scheduler) handleProgress(d domain.Delivery) error {
	var upd progressUpdate
	if err := json.Unmarshal(d.Body, &upd); err != nil {
		return fmt.Errorf("%w: decode progress: %v", domain.ErrSchemaInvalid, err)
	}

	s.mu.Lock()
	task, ok := s.tasks[upd.TaskID]
	var state domain.TaskState
	if ok {
		task.state.Status = domain.StatusProcessing
		task.state.Progress = upd.Progress
		task.state.Message = upd.Message
		task.state.UpdatedAt = time.Now().UTC()
		state = task.state
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.notify(func(o TaskObserver) { o.OnTaskStatusUpdated(state) })
	return nil
}

// timeoutTask fires when a deadline timer expires. Losing the race
// against a result or cancel is fine: finalize is first-wins.
func (s *Scheduler) timeoutTask(taskID string) {
	task, ok := s.finalize(taskID, domain.StatusTimeout)
	if !ok {
		return
	}
	s.updateRecord(context.Background(), task.msg, domain.StatusTimeout, "deadline exceeded")
	s.notify(func(o TaskObserver) { o.OnTaskTimeout(taskID) })
	slog.Warn("task timed out",
		slog.String("task_id", taskID),
		slog.Time("deadline", task.state.Deadline))
}

// finalize removes the task record under the mutex, making terminal
// transitions mutually exclusive. Returns false when the task is gone.
func (s *Scheduler) finalize(taskID string, status domain.TaskStatus) (*activeTask, bool) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	delete(s.tasks, taskID)
	task.timer.Stop()
	switch status {
	case domain.StatusCompleted:
		s.stats.Completed++
	case domain.StatusFailed:
		s.stats.Failed++
	case domain.StatusTimeout:
		s.stats.TimedOut++
	case domain.StatusCancelled:
		s.stats.Cancelled++
	}
	s.mu.Unlock()

	observability.FinishTask(string(task.msg.Type), string(status))
	return task, true
}

func (s *Scheduler) updateRecord(ctx context.Context, msg domain.TaskMessage, status domain.TaskStatus, errMsg string) {
	if s.store == nil {
		return
	}
	now := time.Now().UTC()
	rec := domain.TaskRecord{
		TaskID:    msg.TaskID,
		Type:      msg.Type,
		Status:    status,
		NodeID:    msg.NodeID,
		ProjectID: msg.ProjectID,
		UserID:    msg.UserID,
		Priority:  msg.Priority,
		Error:     errMsg,
		UpdatedAt: now,
	}
	if status.Terminal() {
		rec.CompletedAt = &now
	}
	if err := s.store.UpdateTask(ctx, rec); err != nil {
		slog.Warn("task record update failed", slog.String("task_id", msg.TaskID), slog.Any("error", err))
	}
}

// GetTaskStatus returns the in-memory state of an active task.
func (s *Scheduler) GetTaskStatus(taskID string) (domain.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return domain.TaskState{}, fmt.Errorf("task %q: %w", taskID, domain.ErrNotFound)
	}
	return task.state, nil
}

// GetActiveTasks returns a snapshot of every tracked task state.
func (s *Scheduler) GetActiveTasks() []domain.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TaskState, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.state)
	}
	return out
}

// GetStats returns a snapshot of the lifetime counters.
func (s *Scheduler) GetStats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Active = len(s.tasks)
	return stats
}
