package robot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flowbotics/conductor/internal/protocol"
)

// ProgressFunc streams execution progress back to the orchestrator. Progress
// is a fraction in [0, 1]; currentNode names the workflow step being run.
type ProgressFunc func(progress float64, currentNode string)

// Executor runs one workflow on the robot. Implementations must honor
// context cancellation promptly; a cancelled context means the orchestrator
// asked for the job to stop or the session is gone.
type Executor interface {
	Execute(ctx context.Context, job *protocol.JobAssignPayload, report ProgressFunc) (json.RawMessage, error)
}

// ExecutionError carries structured failure detail for JOB_FAILED reports.
type ExecutionError struct {
	Type string
	Node string
	Err  error
}

func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// SimExecutor walks a fixed list of workflow nodes with a delay per node,
// reporting progress after each. A workflow reference containing "fail"
// fails at the midpoint, which makes end-to-end failure paths easy to drive
// in development setups.
type SimExecutor struct {
	Nodes     []string
	NodeDelay time.Duration
}

// NewSimExecutor creates a simulator with a small default workflow.
func NewSimExecutor(nodeDelay time.Duration) *SimExecutor {
	return &SimExecutor{
		Nodes:     []string{"start", "fetch-input", "transform", "submit", "verify"},
		NodeDelay: nodeDelay,
	}
}

func (e *SimExecutor) Execute(ctx context.Context, job *protocol.JobAssignPayload, report ProgressFunc) (json.RawMessage, error) {
	for i, node := range e.Nodes {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.NodeDelay):
		}

		if strings.Contains(job.WorkflowRef, "fail") && i == len(e.Nodes)/2 {
			return nil, &ExecutionError{
				Type: "NODE_ERROR",
				Node: node,
				Err:  fmt.Errorf("node %s failed", node),
			}
		}

		report(float64(i+1)/float64(len(e.Nodes)), node)
	}

	result, err := json.Marshal(map[string]any{
		"workflow_reference": job.WorkflowRef,
		"nodes_executed":     len(e.Nodes),
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
