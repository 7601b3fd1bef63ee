package safety

import (
	"fmt"
	"time"

	"github.com/toolgate/toolgate/internal/request"
)

// ExecPlan is the concrete command an approved request should run inside
// its sandbox. An empty Command means the request is evaluation-only: the
// gateway renders its verdict without spawning anything.
type ExecPlan struct {
	Command []string
	Env     map[string]string
	Stdin   string
	Timeout time.Duration
}

// Executor turns an approved request into an ExecPlan. The default reads
// the plan out of the request parameters; embedders with in-process tools
// supply their own.
type Executor interface {
	Build(req *request.ToolRequest) (ExecPlan, error)
}

// ParameterExecutor builds the plan from well-known request parameters:
// "command" ([]string or space-free string), "env" (map), "stdin" (string),
// "timeout_seconds" (number).
type ParameterExecutor struct{}

func (ParameterExecutor) Build(req *request.ToolRequest) (ExecPlan, error) {
	var plan ExecPlan

	switch cmd := req.Parameters["command"].(type) {
	case nil:
	case string:
		if cmd != "" {
			plan.Command = []string{"sh", "-c", cmd}
		}
	case []string:
		plan.Command = cmd
	case []any:
		for _, v := range cmd {
			s, ok := v.(string)
			if !ok {
				return ExecPlan{}, fmt.Errorf("command element %v is not a string", v)
			}
			plan.Command = append(plan.Command, s)
		}
	default:
		return ExecPlan{}, fmt.Errorf("unsupported command parameter type %T", cmd)
	}

	if env, ok := req.Parameters["env"].(map[string]string); ok {
		plan.Env = env
	} else if env, ok := req.Parameters["env"].(map[string]any); ok {
		plan.Env = make(map[string]string, len(env))
		for k, v := range env {
			if s, ok := v.(string); ok {
				plan.Env[k] = s
			}
		}
	}

	if stdin, ok := req.Parameters["stdin"].(string); ok {
		plan.Stdin = stdin
	}
	switch t := req.Parameters["timeout_seconds"].(type) {
	case int:
		plan.Timeout = time.Duration(t) * time.Second
	case float64:
		plan.Timeout = time.Duration(t * float64(time.Second))
	}
	return plan, nil
}
