package service_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/service"
)

func TestCreateAgentKnownTypes(t *testing.T) {
	factory := service.NewAgentFactory()

	for _, typ := range factory.Roles() {
		a, err := factory.CreateAgent("", typ)
		if err != nil {
			t.Fatalf("create %s: %v", typ, err)
		}
		if a.ID == "" {
			t.Fatalf("%s: agent id must be assigned", typ)
		}
		if a.SystemPrompt == "" {
			t.Fatalf("%s: agent must carry a role prompt", typ)
		}
		if len(a.Capabilities.Tools) == 0 {
			t.Fatalf("%s: agent must carry role capabilities", typ)
		}
		if a.Status() != agent.StatusInitializing {
			t.Fatalf("%s: new agent status = %s, want initializing", typ, a.Status())
		}
		if !strings.HasPrefix(a.Name, string(typ)+"-") {
			t.Fatalf("%s: auto-generated name %q missing type prefix", typ, a.Name)
		}
	}
}

func TestCreateAgentExplicitName(t *testing.T) {
	factory := service.NewAgentFactory()
	a, err := factory.CreateAgent("lead-reviewer", agent.TypeReviewer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Name != "lead-reviewer" {
		t.Fatalf("name = %q, want lead-reviewer", a.Name)
	}
}

func TestCreateAgentUnknownType(t *testing.T) {
	factory := service.NewAgentFactory()
	_, err := factory.CreateAgent("x", agent.Type("astrologer"))
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCreateAgentUniqueIDs(t *testing.T) {
	factory := service.NewAgentFactory()
	seen := map[string]bool{}
	for range 10 {
		a, err := factory.CreateAgent("", agent.TypeCoder)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[a.ID] {
			t.Fatalf("duplicate agent id %s", a.ID)
		}
		seen[a.ID] = true
	}
}
