package worker

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"boxoffice/internal/domain"
	"boxoffice/internal/notify"
)

// Reporter tells the operator about aborted tasks. Callers report a task only
// after their own status write aborted it, so each abort is reported once.
type Reporter struct {
	Sender   notify.Sender
	Operator domain.Recipient
	Logger   *zap.Logger
}

type abortReport struct {
	TaskID           string                   `json:"task_id"`
	Name             domain.TaskName          `json:"name"`
	NumberOfTried    int                      `json:"number_of_tried"`
	Data             json.RawMessage          `json:"data"`
	ExecutionResults []domain.ExecutionResult `json:"execution_results"`
}

// Report logs t and sends it to the operator recipient when one is set. A
// failed delivery is logged and not retried.
func (r *Reporter) Report(ctx context.Context, t domain.Task) {
	if r == nil {
		return
	}
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.String("task_name", string(t.Name)),
		zap.Int("number_of_tried", t.NumberOfTried),
	}
	if n := len(t.ExecutionResults); n > 0 && t.ExecutionResults[n-1].Error != nil {
		fields = append(fields, zap.String("last_error", t.ExecutionResults[n-1].Error.Message))
	}
	log.Warn("task aborted", fields...)

	if r.Sender == nil || r.Operator.URL == "" {
		return
	}
	data, err := json.Marshal(abortReport{
		TaskID:           t.ID,
		Name:             t.Name,
		NumberOfTried:    t.NumberOfTried,
		Data:             t.Data,
		ExecutionResults: t.ExecutionResults,
	})
	if err != nil {
		log.Error("encode abort report", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	msg := notify.Message{
		ID:      t.ID,
		Event:   notify.EventTaskAborted,
		Project: t.Project,
		Subject: string(t.Name),
		Time:    t.UpdatedAt,
		Data:    data,
	}
	if err := r.Sender.Send(ctx, r.Operator, msg); err != nil {
		log.Error("abort report not delivered", zap.String("task_id", t.ID), zap.Error(err))
	}
}
