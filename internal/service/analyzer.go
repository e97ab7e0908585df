// Package service implements the orchestration use-cases: task
// analysis, agent construction, coordination strategies, the swarm
// coordinator, and the orchestrator composition root.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/domain/task"
	"github.com/ensembleworks/ensemble/internal/port/cache"
)

// Analyzer scores a task description. Implementations never fail:
// malformed or empty input degrades to minimal complexity and the
// sequential default so callers always get a usable analysis.
type Analyzer interface {
	Analyze(description string) task.Analysis
}

// Complexity scoring weights. The keyword lists are deliberately
// approximate; they bias toward over-estimating rather than missing
// genuinely complex work.
const (
	baseComplexity     = 0.1
	highKeywordWeight  = 0.2
	medKeywordWeight   = 0.15
	lengthWeight       = 0.2
	conjunctionWeight  = 0.2
	multiplicityWeight = 0.15
)

var highKeywords = []string{
	"architecture", "distributed", "security", "database", "algorithm",
	"machine learning", "refactor", "system", "microservice",
	"infrastructure", "concurrency", "scalability",
}

var mediumKeywords = []string{
	"test", "api", "interface", "framework", "configuration",
	"deployment", "component", "integration", "schema", "pipeline",
	"protocol", "cache",
}

var conjunctionWords = map[string]bool{"and": true, "also": true, "then": true}

var multiplicityWords = map[string]bool{"multiple": true, "several": true, "many": true}

// HeuristicAnalyzer is the default keyword-weighted analyzer.
type HeuristicAnalyzer struct{}

// NewHeuristicAnalyzer creates the default analyzer.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

// Analyze derives a full analysis from the description. Deterministic
// and side-effect-free.
func (a *HeuristicAnalyzer) Analyze(description string) task.Analysis {
	complexity := Complexity(description)
	categories := categorize(description)
	risk := riskFor(complexity)
	roles := requiredRoles(categories, complexity, risk)

	analysis := task.Analysis{
		Complexity:        complexity,
		Categories:        categories,
		RequiredRoles:     roles,
		Risk:              risk,
		EstimatedDuration: estimateDuration(complexity, len(roles)),
		EstimatedAgents:   len(roles),
	}
	analysis.Strategy = pickStrategy(analysis)
	return analysis
}

// Complexity computes the keyword-weighted complexity score, clamped
// to [0,1].
func Complexity(description string) float64 {
	text := strings.ToLower(description)
	if strings.TrimSpace(text) == "" {
		return baseComplexity
	}

	score := baseComplexity
	for _, kw := range highKeywords {
		if strings.Contains(text, kw) {
			score += highKeywordWeight
		}
	}
	for _, kw := range mediumKeywords {
		if strings.Contains(text, kw) {
			score += medKeywordWeight
		}
	}

	if len(description) > 500 {
		score += lengthWeight
	}
	if len(description) > 1000 {
		score += lengthWeight
	}

	conjunction, multiplicity := false, false
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z')
	}) {
		if conjunctionWords[word] {
			conjunction = true
		}
		if multiplicityWords[word] {
			multiplicity = true
		}
	}
	if conjunction {
		score += conjunctionWeight
	}
	if multiplicity {
		score += multiplicityWeight
	}

	return clamp01(score)
}

// StrategyScores computes a per-strategy suitability score from
// complexity, categories, and risk. Higher is better; ties break along
// the fixed plan.Kinds() order, which favors cheaper strategies.
func StrategyScores(a task.Analysis) map[plan.Kind]float64 {
	c := a.Complexity
	scores := map[plan.Kind]float64{
		plan.KindSequential:   0.8 - 0.5*c,
		plan.KindParallel:     0.2 + 0.5*c,
		plan.KindPipeline:     0.1 + 0.4*c,
		plan.KindHierarchical: 1.2*c - 0.3,
		plan.KindSwarm:        1.4*c - 0.5,
	}

	if len(a.Categories) > 1 {
		scores[plan.KindParallel] += 0.1
	}
	if a.HasCategory(task.CategoryRefactoring) || a.HasCategory(task.CategoryDeployment) {
		scores[plan.KindPipeline] += 0.3
	}
	if a.Risk == task.RiskHigh {
		scores[plan.KindHierarchical] += 0.1
	}
	if a.HasCategory(task.CategoryResearch) {
		scores[plan.KindSwarm] += 0.1
	}
	return scores
}

func pickStrategy(a task.Analysis) plan.Kind {
	scores := StrategyScores(a)
	best := plan.KindSequential
	bestScore := scores[best]
	for _, k := range plan.Kinds() {
		if scores[k] > bestScore {
			best, bestScore = k, scores[k]
		}
	}
	return best
}

var categoryKeywords = []struct {
	category task.Category
	words    []string
}{
	{task.CategoryArchitecture, []string{"architecture", "design", "structure", "system"}},
	{task.CategoryImplementation, []string{"implement", "build", "create", "add", "feature", "write"}},
	{task.CategoryTesting, []string{"test", "verify", "validate", "coverage"}},
	{task.CategoryDocumentation, []string{"document", "readme", "docs", "comment"}},
	{task.CategoryResearch, []string{"research", "investigate", "explore", "analyze", "compare"}},
	{task.CategoryRefactoring, []string{"refactor", "cleanup", "restructure", "simplify"}},
	{task.CategoryDeployment, []string{"deploy", "release", "ship", "infrastructure", "provision"}},
}

func categorize(description string) []task.Category {
	text := strings.ToLower(description)
	var cats []task.Category
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(text, w) {
				cats = append(cats, ck.category)
				break
			}
		}
	}
	if len(cats) == 0 {
		cats = []task.Category{task.CategoryGeneral}
	}
	return cats
}

func riskFor(complexity float64) task.Risk {
	switch {
	case complexity >= 0.7:
		return task.RiskHigh
	case complexity >= 0.4:
		return task.RiskMedium
	default:
		return task.RiskLow
	}
}

func requiredRoles(cats []task.Category, complexity float64, risk task.Risk) []agent.Type {
	var roles []agent.Type
	seen := map[agent.Type]bool{}
	push := func(t agent.Type) {
		if !seen[t] {
			roles = append(roles, t)
			seen[t] = true
		}
	}

	if complexity >= 0.4 {
		push(agent.TypePlanner)
	}
	for _, c := range cats {
		switch c {
		case task.CategoryArchitecture:
			push(agent.TypePlanner)
			push(agent.TypeCoder)
		case task.CategoryImplementation, task.CategoryRefactoring:
			push(agent.TypeCoder)
		case task.CategoryTesting:
			push(agent.TypeTester)
		case task.CategoryDocumentation:
			push(agent.TypeDocumenter)
		case task.CategoryResearch:
			push(agent.TypeResearcher)
		case task.CategoryDeployment:
			push(agent.TypeExecutor)
		}
	}
	if len(roles) == 0 {
		push(agent.TypeCoder)
	}
	if risk != task.RiskLow {
		push(agent.TypeReviewer)
	}
	return roles
}

func estimateDuration(complexity float64, agents int) time.Duration {
	base := 2 * time.Minute
	return base + time.Duration(complexity*float64(10*time.Minute)) +
		time.Duration(agents)*30*time.Second
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CachedAnalyzer memoizes analyses keyed by description hash. Cache
// faults degrade silently to a fresh computation.
type CachedAnalyzer struct {
	inner Analyzer
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedAnalyzer wraps inner with a cache layer.
func NewCachedAnalyzer(inner Analyzer, c cache.Cache, ttl time.Duration) *CachedAnalyzer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedAnalyzer{inner: inner, cache: c, ttl: ttl}
}

// Analyze implements Analyzer.
func (a *CachedAnalyzer) Analyze(description string) task.Analysis {
	sum := sha256.Sum256([]byte(description))
	key := "analysis:" + hex.EncodeToString(sum[:])
	ctx := context.Background()

	if data, ok, err := a.cache.Get(ctx, key); err == nil && ok {
		var cached task.Analysis
		if json.Unmarshal(data, &cached) == nil {
			return cached
		}
	}

	analysis := a.inner.Analyze(description)
	if data, err := json.Marshal(analysis); err == nil {
		_ = a.cache.Set(ctx, key, data, a.ttl)
	}
	return analysis
}
