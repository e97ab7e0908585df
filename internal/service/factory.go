package service

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
)

// roleProfile binds a role-specific system prompt and a bounded
// tool/permission set to an agent type.
type roleProfile struct {
	prompt string
	caps   agent.Capabilities
}

var roleProfiles = map[agent.Type]roleProfile{
	agent.TypeCoordinator: {
		prompt: "You are a coordination agent. Decompose the task into independent sub-objectives, assign them to workers, and integrate their results into one coherent outcome.",
		caps: agent.Capabilities{
			Plan:   true,
			Review: true,
			Tools:  []string{"read_file", "list_files"},
		},
	},
	agent.TypePlanner: {
		prompt: "You are a planning agent. Produce a concrete, ordered plan of implementation steps for the task. Be specific about files, interfaces, and risks.",
		caps: agent.Capabilities{
			Plan:  true,
			Tools: []string{"read_file", "list_files", "search"},
		},
	},
	agent.TypeCoder: {
		prompt: "You are a coding agent. Implement the requested change with minimal, correct, idiomatic code. Output only the change and a short rationale.",
		caps: agent.Capabilities{
			Code:  true,
			Tools: []string{"read_file", "write_file", "list_files", "search"},
		},
	},
	agent.TypeReviewer: {
		prompt: "You are a review agent. Check the provided work for correctness, regressions, and missed requirements. Be direct about defects.",
		caps: agent.Capabilities{
			Review: true,
			Tools:  []string{"read_file", "list_files", "search"},
		},
	},
	agent.TypeResearcher: {
		prompt: "You are a research agent. Gather the relevant facts, constraints, and prior art for the task and summarize them with sources.",
		caps: agent.Capabilities{
			Research: true,
			Tools:    []string{"read_file", "search", "fetch_url"},
		},
	},
	agent.TypeExecutor: {
		prompt: "You are an execution agent. Run the requested operational steps and report exact outcomes, including failures, verbatim.",
		caps: agent.Capabilities{
			Execute: true,
			Tools:   []string{"run_command", "read_file"},
		},
	},
	agent.TypeTester: {
		prompt: "You are a testing agent. Write and reason about tests that pin the intended behavior, including edge cases and failure paths.",
		caps: agent.Capabilities{
			Code:    true,
			Execute: true,
			Tools:   []string{"read_file", "write_file", "run_command"},
		},
	},
	agent.TypeDocumenter: {
		prompt: "You are a documentation agent. Produce clear, accurate documentation for the given change or system, written for its actual audience.",
		caps: agent.Capabilities{
			Tools: []string{"read_file", "write_file", "list_files"},
		},
	},
}

// AgentFactory constructs agents from the role registry. Pure
// construction: no model call happens here.
type AgentFactory struct{}

// NewAgentFactory creates an AgentFactory.
func NewAgentFactory() *AgentFactory {
	return &AgentFactory{}
}

// CreateAgent builds an agent of the given type. The only error this
// component raises is a configuration error for an unknown type.
func (f *AgentFactory) CreateAgent(name string, typ agent.Type) (*agent.Agent, error) {
	profile, ok := roleProfiles[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown agent type %q", domain.ErrConfiguration, typ)
	}

	id := uuid.NewString()
	if name == "" {
		name = fmt.Sprintf("%s-%s", typ, id[:8])
	}
	return agent.NewAgent(id, name, typ, profile.prompt, profile.caps, agent.Sandbox{}), nil
}

// Roles returns the set of known agent types.
func (f *AgentFactory) Roles() []agent.Type {
	roles := make([]agent.Type, 0, len(roleProfiles))
	for t := range roleProfiles {
		roles = append(roles, t)
	}
	return roles
}
