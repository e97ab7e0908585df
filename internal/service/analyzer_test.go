package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/domain/task"
	"github.com/ensembleworks/ensemble/internal/service"
)

func TestComplexityBounds(t *testing.T) {
	descriptions := []string{
		"",
		"   ",
		"Fix a typo in the README file",
		"Design the microservices architecture with a distributed database layer",
		strings.Repeat("refactor the distributed security database system and also ", 40),
		"multiple several many and also then test api interface framework",
	}
	for _, d := range descriptions {
		c := service.Complexity(d)
		if c < 0 || c > 1 {
			t.Errorf("complexity out of range for %q: %f", d, c)
		}
	}
}

func TestComplexityTrivialTask(t *testing.T) {
	c := service.Complexity("Fix a typo in the README file")
	if c != 0.1 {
		t.Fatalf("expected base complexity 0.1, got %f", c)
	}
}

func TestComplexityHighKeywordTask(t *testing.T) {
	c := service.Complexity("Design the microservices architecture with a distributed database layer")
	if c < 0.89 || c > 0.91 {
		t.Fatalf("expected complexity 0.9 for 4 high-weight keywords, got %f", c)
	}
}

func TestComplexityLengthAndConjunctions(t *testing.T) {
	long := strings.Repeat("develop the widget ", 30) // > 500 chars, no keywords
	c := service.Complexity(long)
	if c < 0.29 || c > 0.31 {
		t.Fatalf("expected 0.3 for long keyword-free text, got %f", c)
	}

	c = service.Complexity("do this and do that")
	if c < 0.29 || c > 0.31 {
		t.Fatalf("expected 0.3 for conjunction text, got %f", c)
	}

	// "command" must not count as a conjunction.
	c = service.Complexity("run the command")
	if c != 0.1 {
		t.Fatalf("expected 0.1, substring must not match conjunction: %f", c)
	}
}

func TestAnalyzeEmptyDescription(t *testing.T) {
	a := service.NewHeuristicAnalyzer().Analyze("")
	if a.Complexity != 0.1 {
		t.Fatalf("expected minimal complexity, got %f", a.Complexity)
	}
	if a.Strategy != plan.KindSequential {
		t.Fatalf("expected sequential default, got %s", a.Strategy)
	}
	if len(a.RequiredRoles) == 0 {
		t.Fatal("expected at least one required role")
	}
}

func TestAnalyzeEscalatesWithComplexity(t *testing.T) {
	analyzer := service.NewHeuristicAnalyzer()

	low := analyzer.Analyze("Fix a typo in the README file")
	if low.Strategy != plan.KindSequential {
		t.Fatalf("trivial task should be sequential, got %s", low.Strategy)
	}
	if low.Risk != task.RiskLow {
		t.Fatalf("trivial task should be low risk, got %s", low.Risk)
	}

	high := analyzer.Analyze("Design the microservices architecture with a distributed database layer")
	if high.Strategy == plan.KindSequential {
		t.Fatal("high-complexity task should escalate past sequential")
	}
	if high.Risk != task.RiskHigh {
		t.Fatalf("expected high risk at complexity 0.9, got %s", high.Risk)
	}
}

func TestStrategyScoresTieBreakOrder(t *testing.T) {
	// At minimal complexity sequential must win outright.
	a := service.NewHeuristicAnalyzer().Analyze("tiny fix")
	scores := service.StrategyScores(a)
	for kind, score := range scores {
		if kind == plan.KindSequential {
			continue
		}
		if score >= scores[plan.KindSequential] {
			t.Errorf("%s score %f should be below sequential %f at low complexity",
				kind, score, scores[plan.KindSequential])
		}
	}
}

// memCache is a trivial cache.Cache for analyzer memoization tests.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
	hits int
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func TestCachedAnalyzer(t *testing.T) {
	cache := &memCache{}
	analyzer := service.NewCachedAnalyzer(service.NewHeuristicAnalyzer(), cache, time.Minute)

	first := analyzer.Analyze("Design the microservices architecture with a distributed database layer")
	second := analyzer.Analyze("Design the microservices architecture with a distributed database layer")

	if first.Complexity != second.Complexity || first.Strategy != second.Strategy {
		t.Fatal("cached analysis must match the original")
	}
	if cache.hits == 0 {
		t.Fatal("second analysis should hit the cache")
	}
}
