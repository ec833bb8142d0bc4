package executor

import "context"

// CheckpointManager persists executor progress to support resume semantics.
type CheckpointManager interface {
	StartRun(ctx context.Context, runID string) error
	SaveTaskStart(ctx context.Context, runID string, task PlanTask, attempt int) error
	SaveTaskSuccess(ctx context.Context, runID string, task PlanTask, attempt int) error
	SaveTaskFailure(ctx context.Context, runID string, task PlanTask, attempt int, err error) error
}

// NoopCheckpointManager is a default implementation that records nothing;
// the tool_plan step chain checkpoints through telemetry instead (§4.1), so
// RunPlanSteps always wires this in rather than a persistent manager.
type NoopCheckpointManager struct{}

// NewNoopCheckpointManager returns a checkpoint manager that does nothing.
func NewNoopCheckpointManager() *NoopCheckpointManager { return &NoopCheckpointManager{} }

func (NoopCheckpointManager) StartRun(ctx context.Context, runID string) error { return nil }
func (NoopCheckpointManager) SaveTaskStart(ctx context.Context, runID string, task PlanTask, attempt int) error {
	return nil
}
func (NoopCheckpointManager) SaveTaskSuccess(ctx context.Context, runID string, task PlanTask, attempt int) error {
	return nil
}
func (NoopCheckpointManager) SaveTaskFailure(ctx context.Context, runID string, task PlanTask, attempt int, err error) error {
	return nil
}
