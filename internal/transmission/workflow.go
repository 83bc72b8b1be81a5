package transmission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
)

const (
	DefaultTaskQueue         = "heartbee-drain"
	drainWorkflowName        = "heartbee.drain"
	drainOnlineActivityName  = "heartbee.drain.online"
	drainOfflineActivityName = "heartbee.drain.offline"
)

// DrainInput carries the trigger reason into the workflow for logging.
type DrainInput struct {
	Reason string `json:"reason"`
}

// DrainActivities exposes the manager's bucket legs as Temporal activities.
type DrainActivities struct {
	manager *Manager
	logger  *slog.Logger
}

func NewDrainActivities(manager *Manager, logger *slog.Logger) *DrainActivities {
	return &DrainActivities{manager: manager, logger: logger}
}

// DrainOnline empties the online bucket.
func (a *DrainActivities) DrainOnline(ctx context.Context, input DrainInput) (Summary, error) {
	sum, err := a.manager.DrainBucket(ctx, events.BucketOnline)
	if err != nil {
		a.logger.Error("activity drain online failed", "error", err, "reason", input.Reason)
		return sum, err
	}
	a.logger.Info("activity drain online", "events", sum.Events, "batches", sum.Batches, "reason", input.Reason)
	return sum, nil
}

// DrainOffline empties the offline bucket.
func (a *DrainActivities) DrainOffline(ctx context.Context, input DrainInput) (Summary, error) {
	sum, err := a.manager.DrainBucket(ctx, events.BucketOffline)
	if err != nil {
		a.logger.Error("activity drain offline failed", "error", err, "reason", input.Reason)
		return sum, err
	}
	a.logger.Info("activity drain offline", "events", sum.Events, "batches", sum.Batches, "reason", input.Reason)
	return sum, nil
}

// DrainWorkflow runs the online activity and, only when it succeeds, the
// offline one. The HTTP client already retries transport failures, so each
// activity gets a single attempt and the next dispatch tick retries the cycle.
func DrainWorkflow(ctx workflow.Context, input DrainInput) (CycleSummary, error) {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	result := CycleSummary{StartedAt: workflow.Now(ctx)}
	logger.Info("drain workflow started", "reason", input.Reason)

	if err := workflow.ExecuteActivity(ctx, drainOnlineActivityName, input).Get(ctx, &result.Online); err != nil {
		logger.Error("online drain activity failed", "error", err)
		return result, err
	}
	if err := workflow.ExecuteActivity(ctx, drainOfflineActivityName, input).Get(ctx, &result.Offline); err != nil {
		logger.Error("offline drain activity failed", "error", err)
		return result, err
	}

	result.CompletedAt = workflow.Now(ctx)
	logger.Info("drain workflow finished", "online_events", result.Online.Events, "offline_events", result.Offline.Events)
	return result, nil
}

// RegisterDrainWorker wires up the Temporal worker consuming the drain task queue.
func RegisterDrainWorker(c client.Client, taskQueue string, manager *Manager, logger *slog.Logger) temporalworker.Worker {
	w := temporalworker.New(c, taskQueue, temporalworker.Options{})
	w.RegisterWorkflowWithOptions(DrainWorkflow, workflow.RegisterOptions{Name: drainWorkflowName})
	activities := NewDrainActivities(manager, logger.With("component", "drain.activities"))
	w.RegisterActivityWithOptions(activities.DrainOnline, activity.RegisterOptions{Name: drainOnlineActivityName})
	w.RegisterActivityWithOptions(activities.DrainOffline, activity.RegisterOptions{Name: drainOfflineActivityName})
	return w
}

// TemporalOrchestrator runs drain cycles as workflows so every cycle is
// recorded and visible in Temporal.
type TemporalOrchestrator struct {
	client    client.Client
	taskQueue string
	deviceID  string
	logger    *slog.Logger
}

func NewTemporalOrchestrator(c client.Client, taskQueue, deviceID string, logger *slog.Logger) *TemporalOrchestrator {
	return &TemporalOrchestrator{
		client:    c,
		taskQueue: taskQueue,
		deviceID:  deviceID,
		logger:    logger.With("component", "drain.orchestrator"),
	}
}

// ExecuteDrainCycle starts a drain workflow and waits for its result.
func (o *TemporalOrchestrator) ExecuteDrainCycle(ctx context.Context) (CycleSummary, error) {
	options := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("drain-%s-%d", o.deviceID, time.Now().UnixNano()),
		TaskQueue:                o.taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: 15 * time.Minute,
	}
	we, err := o.client.ExecuteWorkflow(ctx, options, drainWorkflowName, DrainInput{Reason: "dispatch"})
	if err != nil {
		o.logger.Error("start drain workflow failed", "error", err)
		return CycleSummary{}, err
	}
	var result CycleSummary
	if err := we.Get(ctx, &result); err != nil {
		o.logger.Warn("drain workflow failed", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "error", err)
		return result, err
	}
	o.logger.Debug("drain workflow completed", "workflow_id", we.GetID(), "run_id", we.GetRunID())
	return result, nil
}
