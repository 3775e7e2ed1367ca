// Package graph provides the dependency analyzer: it validates declared
// features, detects circular dependencies, and levels the dependency graph
// into batches that maximize same-level parallelism.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrDuplicateFeature indicates a feature ID was added twice.
var ErrDuplicateFeature = errors.New("duplicate feature")

// ErrMissingID indicates a feature was added without an ID.
var ErrMissingID = errors.New("feature id is required")

// ErrMissingAgentType indicates a feature was added without an agent type.
var ErrMissingAgentType = errors.New("feature agent type is required")

// ValidationResult reports the outcome of Validate.
type ValidationResult struct {
	// Valid is true when every dependency references a known feature.
	Valid bool
	// Errors holds one entry per dependency referencing an unknown feature.
	Errors []string
}

// Cycle is one circular dependency path, listing the feature IDs involved.
type Cycle []string

// CycleReport is the outcome of DetectCycles.
type CycleReport struct {
	// HasCycles is true when at least one cycle exists.
	HasCycles bool
	// Cycles lists each detected cycle path.
	Cycles []Cycle
}

// Statistics summarizes the analyzed graph.
type Statistics struct {
	// TotalFeatures is the number of features added.
	TotalFeatures int
	// TotalDependencies is the number of dependency edges.
	TotalDependencies int
	// RootFeatures is the number of features with no dependencies.
	RootFeatures int
	// LeafFeatures is the number of features nothing depends on.
	LeafFeatures int
	// TotalBatches is the number of levels GenerateBatches would produce,
	// or zero when the graph is cyclic.
	TotalBatches int
	// MaxParallelism is the size of the largest batch.
	MaxParallelism int
}

// Analyzer builds and queries the feature dependency graph.
// Features are immutable once added.
type Analyzer struct {
	mu sync.RWMutex
	// features maps feature ID to the feature itself.
	features map[string]models.Feature
	// order preserves insertion order for deterministic outputs.
	order []string
	// logger is never nil; defaults to a no-op logger.
	logger *zap.Logger
	// bus is the optional observability side channel.
	bus events.Bus
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the analyzer's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithEventBus sets the observability event bus.
func WithEventBus(bus events.Bus) Option {
	return func(a *Analyzer) { a.bus = bus }
}

// NewAnalyzer creates an empty dependency analyzer.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{
		features: make(map[string]models.Feature),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddFeature registers a feature. An unset priority defaults to medium.
// Fails on a missing ID, a missing agent type, or a duplicate ID.
func (a *Analyzer) AddFeature(f models.Feature) error {
	if f.ID == "" {
		return ErrMissingID
	}
	if f.AgentType == "" {
		return fmt.Errorf("feature %s: %w", f.ID, ErrMissingAgentType)
	}
	if f.Priority == "" {
		f.Priority = models.PriorityMedium
	}
	if !f.Priority.Valid() {
		return fmt.Errorf("feature %s: unknown priority %q", f.ID, f.Priority)
	}

	a.mu.Lock()
	if _, exists := a.features[f.ID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("feature %s: %w", f.ID, ErrDuplicateFeature)
	}
	a.features[f.ID] = f
	a.order = append(a.order, f.ID)
	a.mu.Unlock()

	a.logger.Debug("feature added",
		zap.String("feature_id", f.ID),
		zap.String("agent_type", f.AgentType),
		zap.Int("dependencies", len(f.Dependencies)))
	a.publish(events.TypeFeatureAdded, map[string]any{
		"feature_id": f.ID,
		"agent_type": f.AgentType,
	})
	return nil
}

// Validate checks that every dependency references a known feature.
// It reports one error per unknown reference and never mutates state.
func (a *Analyzer) Validate() ValidationResult {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := ValidationResult{Valid: true}
	for _, id := range a.order {
		for _, dep := range a.features[id].Dependencies {
			if _, exists := a.features[dep]; !exists {
				result.Valid = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("feature %s depends on unknown feature %s", id, dep))
			}
		}
	}

	if result.Valid {
		a.publish(events.TypeValidationSuccess, map[string]any{"features": len(a.features)})
	} else {
		a.publish(events.TypeValidationFailure, map[string]any{"errors": len(result.Errors)})
	}
	return result
}

// DetectCycles finds circular dependencies using three-color DFS.
// A feature depending on itself counts as a cycle. Never returns an error.
func (a *Analyzer) DetectCycles() CycleReport {
	a.mu.RLock()
	defer a.mu.RUnlock()

	report := a.detectCyclesLocked()
	if report.HasCycles {
		a.publish(events.TypeCyclesDetected, map[string]any{"cycles": len(report.Cycles)})
	}
	return report
}

// detectCyclesLocked assumes a.mu is held.
func (a *Analyzer) detectCyclesLocked() CycleReport {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(a.features))
	var report CycleReport
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = 1
		stack = append(stack, id)

		for _, dep := range a.features[id].Dependencies {
			if _, exists := a.features[dep]; !exists {
				continue // unknown deps are Validate's concern
			}
			switch colors[dep] {
			case 1:
				// Back edge: the cycle is the stack suffix starting at dep.
				start := 0
				for i, sid := range stack {
					if sid == dep {
						start = i
						break
					}
				}
				cycle := make(Cycle, len(stack)-start)
				copy(cycle, stack[start:])
				report.HasCycles = true
				report.Cycles = append(report.Cycles, cycle)
			case 0:
				visit(dep)
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
	}

	for _, id := range a.order {
		if colors[id] == 0 {
			visit(id)
		}
	}
	return report
}

// TopologicalSort returns feature IDs ordered so every dependency precedes
// its dependents. Fails with ErrCycleDetected on any cycle.
func (a *Analyzer) TopologicalSort() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.detectCyclesLocked().HasCycles {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(a.features))
	result := make([]string, 0, len(a.features))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range a.features[id].Dependencies {
			if _, exists := a.features[dep]; exists {
				visit(dep)
			}
		}
		result = append(result, id)
	}

	for _, id := range a.order {
		visit(id)
	}
	return result, nil
}

// GenerateBatches levels the graph into the minimal number of sequential
// groups such that each feature's group index exceeds every dependency's
// group index. All features ready at a level share one batch.
// Fails with ErrCycleDetected on any cycle.
func (a *Analyzer) GenerateBatches() ([][]models.Feature, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.detectCyclesLocked().HasCycles {
		return nil, ErrCycleDetected
	}
	return a.generateBatchesLocked(), nil
}

// generateBatchesLocked assumes a.mu is held and the graph is acyclic.
func (a *Analyzer) generateBatchesLocked() [][]models.Feature {
	level := make(map[string]int, len(a.features))

	var levelOf func(id string) int
	levelOf = func(id string) int {
		if l, ok := level[id]; ok {
			return l
		}
		max := 0
		for _, dep := range a.features[id].Dependencies {
			if _, exists := a.features[dep]; !exists {
				continue
			}
			if dl := levelOf(dep) + 1; dl > max {
				max = dl
			}
		}
		level[id] = max
		return max
	}

	maxLevel := -1
	for _, id := range a.order {
		if l := levelOf(id); l > maxLevel {
			maxLevel = l
		}
	}
	if maxLevel < 0 {
		return nil
	}

	batches := make([][]models.Feature, maxLevel+1)
	for _, id := range a.order {
		l := level[id]
		batches[l] = append(batches[l], a.features[id])
	}
	return batches
}

// GetFeature returns the feature for an ID and whether it exists.
func (a *Analyzer) GetFeature(id string) (models.Feature, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.features[id]
	return f, ok
}

// GetDependencies returns the IDs the given feature depends on.
func (a *Analyzer) GetDependencies(id string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.features[id]
	if !ok {
		return nil
	}
	deps := make([]string, len(f.Dependencies))
	copy(deps, f.Dependencies)
	return deps
}

// GetDependents returns the IDs of features that depend on the given feature.
func (a *Analyzer) GetDependents(id string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var dependents []string
	for _, fid := range a.order {
		for _, dep := range a.features[fid].Dependencies {
			if dep == id {
				dependents = append(dependents, fid)
				break
			}
		}
	}
	return dependents
}

// GetRootFeatures returns features with no dependencies, in insertion order.
func (a *Analyzer) GetRootFeatures() []models.Feature {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var roots []models.Feature
	for _, id := range a.order {
		if len(a.features[id].Dependencies) == 0 {
			roots = append(roots, a.features[id])
		}
	}
	return roots
}

// GetLeafFeatures returns features nothing depends on, in insertion order.
func (a *Analyzer) GetLeafFeatures() []models.Feature {
	a.mu.RLock()
	defer a.mu.RUnlock()

	hasDependent := make(map[string]bool, len(a.features))
	for _, id := range a.order {
		for _, dep := range a.features[id].Dependencies {
			hasDependent[dep] = true
		}
	}

	var leaves []models.Feature
	for _, id := range a.order {
		if !hasDependent[id] {
			leaves = append(leaves, a.features[id])
		}
	}
	return leaves
}

// Size returns the number of features in the graph.
func (a *Analyzer) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.features)
}

// GetStatistics summarizes the graph. Batch figures are zero for cyclic graphs.
func (a *Analyzer) GetStatistics() Statistics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Statistics{TotalFeatures: len(a.features)}

	hasDependent := make(map[string]bool, len(a.features))
	for _, id := range a.order {
		deps := a.features[id].Dependencies
		stats.TotalDependencies += len(deps)
		if len(deps) == 0 {
			stats.RootFeatures++
		}
		for _, dep := range deps {
			hasDependent[dep] = true
		}
	}
	for _, id := range a.order {
		if !hasDependent[id] {
			stats.LeafFeatures++
		}
	}

	if !a.detectCyclesLocked().HasCycles {
		batches := a.generateBatchesLocked()
		stats.TotalBatches = len(batches)
		for _, b := range batches {
			if len(b) > stats.MaxParallelism {
				stats.MaxParallelism = len(b)
			}
		}
	}
	return stats
}

// publish emits an observability event when a bus is configured.
func (a *Analyzer) publish(typ events.Type, data map[string]any) {
	if a.bus == nil {
		return
	}
	_ = a.bus.Publish(context.Background(), events.TopicGraph, events.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
