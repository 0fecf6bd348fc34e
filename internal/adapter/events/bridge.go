package events

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// TaskBridge republishes scheduler lifecycle notifications as domain
// events so websocket and storage consumers can follow task progress.
// Publish failures are logged and dropped; event fan-out is best effort.
type TaskBridge struct {
	publisher *Publisher
}

// NewTaskBridge constructs a TaskBridge over publisher.
func NewTaskBridge(publisher *Publisher) *TaskBridge {
	return &TaskBridge{publisher: publisher}
}

func (b *TaskBridge) emit(eventType string, payload any) {
	if _, err := b.publisher.Publish(context.Background(), eventType, payload, PublishOptions{}); err != nil {
		slog.Warn("task event publish failed", slog.String("type", eventType), slog.Any("error", err))
	}
}

// OnTaskScheduled implements usecase.TaskObserver.
func (b *TaskBridge) OnTaskScheduled(task domain.TaskMessage) {
	b.emit("ai.scheduled", map[string]any{
		"task_id":    task.TaskID,
		"type":       task.Type,
		"node_id":    task.NodeID,
		"project_id": task.ProjectID,
		"priority":   task.Priority,
	})
}

// OnTaskStatusUpdated implements usecase.TaskObserver.
func (b *TaskBridge) OnTaskStatusUpdated(state domain.TaskState) {
	b.emit("ai.progress", state)
}

// OnTaskCompleted implements usecase.TaskObserver.
func (b *TaskBridge) OnTaskCompleted(result domain.TaskResult) {
	eventType := "ai.completed"
	if !result.Success {
		eventType = "ai.failed"
	}
	b.emit(eventType, result)
}

// OnTaskTimeout implements usecase.TaskObserver.
func (b *TaskBridge) OnTaskTimeout(taskID string) {
	b.emit("ai.timeout", map[string]string{"task_id": taskID})
}

// OnTaskCancelled implements usecase.TaskObserver.
func (b *TaskBridge) OnTaskCancelled(taskID string) {
	b.emit("ai.cancelled", map[string]string{"task_id": taskID})
}

// OnBatchScheduled implements usecase.TaskObserver.
func (b *TaskBridge) OnBatchScheduled(batch domain.TaskBatch) {
	ids := make([]string, 0, len(batch.Tasks))
	for _, t := range batch.Tasks {
		ids = append(ids, t.TaskID)
	}
	b.emit("ai.batch_scheduled", map[string]any{
		"batch_id": batch.BatchID,
		"task_ids": ids,
	})
}
