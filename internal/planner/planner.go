// Package planner turns dependency-ordered feature batches into an
// execution plan: each feature is assigned to a compatible worker by a
// greedy least-loaded rule, with deterministic duration estimates and
// per-worker utilization.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/pkg/models"
)

// ErrNoBatches indicates planning was attempted with no batches.
var ErrNoBatches = errors.New("no batches to plan")

// ErrNoWorkers indicates planning was attempted with no workers.
var ErrNoWorkers = errors.New("no workers available")

// ErrNoCompatibleWorker indicates a feature's agent type matches no worker,
// or every compatible worker is at its per-batch cap.
var ErrNoCompatibleWorker = errors.New("no compatible worker")

// DefaultBaseDuration estimates features whose agent type has no
// calibrated base duration.
const DefaultBaseDuration = 5 * time.Minute

// Options tunes plan construction. The zero value gets sane defaults.
type Options struct {
	// MaxConcurrentPerWorker caps how many features one worker may be
	// assigned within a single batch. Zero or negative means unlimited.
	// This is a planning-time constraint, not a dispatch-time gate.
	MaxConcurrentPerWorker int
	// BaseDurations maps agent type to its base duration estimate.
	// Missing types fall back to DefaultBaseDuration.
	BaseDurations map[string]time.Duration
	// PriorityMultipliers scales the base duration per priority. Missing
	// priorities fall back to the defaults.
	PriorityMultipliers map[models.Priority]float64
}

// defaultMultipliers is monotonically increasing with urgency: higher
// priority work is assumed larger in scope.
var defaultMultipliers = map[models.Priority]float64{
	models.PriorityLow:      1.0,
	models.PriorityMedium:   1.5,
	models.PriorityHigh:     2.0,
	models.PriorityCritical: 3.0,
}

// Statistics summarizes an execution plan.
type Statistics struct {
	TotalBatches       int                `json:"total_batches"`
	TotalFeatures      int                `json:"total_features"`
	TotalEstimatedTime time.Duration      `json:"total_estimated_time"`
	AvgBatchTime       time.Duration      `json:"avg_batch_time"`
	MaxBatchTime       time.Duration      `json:"max_batch_time"`
	WorkerUtilization  map[string]float64 `json:"worker_utilization"`
}

// Planner builds and rebalances execution plans.
type Planner struct {
	logger *zap.Logger
	bus    events.Bus
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEventBus sets the observability event bus.
func WithEventBus(bus events.Bus) Option {
	return func(p *Planner) { p.bus = bus }
}

// NewPlanner creates a planner.
func NewPlanner(opts ...Option) *Planner {
	p := &Planner{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateExecutionPlan assigns every feature in the given batches to a
// worker. Within each batch, features are processed in descending priority
// order; each is assigned to the compatible worker with the fewest
// assignments so far in the plan, ties broken by worker declaration order.
func (p *Planner) CreateExecutionPlan(batches [][]models.Feature, workers []models.Worker, opts Options) (*models.ExecutionPlan, error) {
	if len(batches) == 0 {
		return nil, ErrNoBatches
	}
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}

	// Assignment counts accumulate across the whole plan so load evens out
	// over batches, not just within one.
	planLoad := make(map[string]int, len(workers))
	workerTime := make(map[string]time.Duration, len(workers))

	plan := &models.ExecutionPlan{
		Batches:           make([]models.PlannedBatch, 0, len(batches)),
		WorkerUtilization: make(map[string]float64, len(workers)),
	}

	for batchIdx, batch := range batches {
		ordered := make([]models.Feature, len(batch))
		copy(ordered, batch)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Priority.Weight() > ordered[j].Priority.Weight()
		})

		batchLoad := make(map[string]int, len(workers))
		batchWorkerTime := make(map[string]time.Duration, len(workers))
		planned := models.PlannedBatch{Assignments: make([]models.Assignment, 0, len(ordered))}

		for _, feature := range ordered {
			worker, err := pickWorker(feature, workers, planLoad, batchLoad, opts.MaxConcurrentPerWorker)
			if err != nil {
				return nil, fmt.Errorf("batch %d, feature %s: %w", batchIdx, feature.ID, err)
			}

			estimate := estimateDuration(feature, opts)
			planned.Assignments = append(planned.Assignments, models.Assignment{
				FeatureID:     feature.ID,
				WorkerID:      worker.ID,
				AgentType:     feature.AgentType,
				EstimatedTime: estimate,
			})
			planLoad[worker.ID]++
			batchLoad[worker.ID]++
			workerTime[worker.ID] += estimate
			batchWorkerTime[worker.ID] += estimate
			plan.TotalFeatures++
		}

		// A batch runs as long as its busiest worker.
		for _, d := range batchWorkerTime {
			if d > planned.EstimatedTime {
				planned.EstimatedTime = d
			}
		}
		plan.TotalEstimatedTime += planned.EstimatedTime
		plan.Batches = append(plan.Batches, planned)
	}

	if plan.TotalEstimatedTime > 0 {
		for id, d := range workerTime {
			plan.WorkerUtilization[id] = float64(d) / float64(plan.TotalEstimatedTime)
		}
	}

	p.logger.Info("execution plan created",
		zap.Int("batches", len(plan.Batches)),
		zap.Int("features", plan.TotalFeatures),
		zap.Duration("total_estimated_time", plan.TotalEstimatedTime))
	p.publish(events.TypePlanCreated, map[string]any{
		"batches":              len(plan.Batches),
		"features":             plan.TotalFeatures,
		"total_estimated_time": plan.TotalEstimatedTime.String(),
	})
	return plan, nil
}

// pickWorker applies the selection rule for one feature: filter by
// capability, drop workers at the per-batch cap, then take the least
// plan-loaded candidate, ties by declaration order.
func pickWorker(feature models.Feature, workers []models.Worker, planLoad, batchLoad map[string]int, perWorkerCap int) (*models.Worker, error) {
	var chosen *models.Worker
	for i := range workers {
		w := &workers[i]
		if !w.Accepts(feature.AgentType) {
			continue
		}
		if perWorkerCap > 0 && batchLoad[w.ID] >= perWorkerCap {
			continue
		}
		if chosen == nil || planLoad[w.ID] < planLoad[chosen.ID] {
			chosen = w
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("agent type %q: %w", feature.AgentType, ErrNoCompatibleWorker)
	}
	return chosen, nil
}

// estimateDuration is deterministic: base duration per agent type scaled
// by the feature's priority multiplier.
func estimateDuration(feature models.Feature, opts Options) time.Duration {
	base := DefaultBaseDuration
	if d, ok := opts.BaseDurations[feature.AgentType]; ok && d > 0 {
		base = d
	}
	mult, ok := opts.PriorityMultipliers[feature.Priority]
	if !ok {
		mult = defaultMultipliers[feature.Priority]
	}
	if mult <= 0 {
		mult = 1.0
	}
	return time.Duration(float64(base) * mult)
}

// OptimizePlan rebalances a plan over the given workers, covering the same
// feature set batch by batch. Duration estimates carry over unchanged; only
// worker assignments are recomputed. The input plan is never mutated.
func (p *Planner) OptimizePlan(plan *models.ExecutionPlan, workers []models.Worker, opts Options) (*models.ExecutionPlan, error) {
	if plan == nil || len(plan.Batches) == 0 {
		return nil, ErrNoBatches
	}
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}

	planLoad := make(map[string]int, len(workers))
	workerTime := make(map[string]time.Duration, len(workers))

	rebalanced := &models.ExecutionPlan{
		Batches:           make([]models.PlannedBatch, 0, len(plan.Batches)),
		TotalFeatures:     plan.TotalFeatures,
		WorkerUtilization: make(map[string]float64, len(workers)),
	}

	for batchIdx, batch := range plan.Batches {
		// Longest estimates first, the same ordering priority produced
		// when the plan was built.
		ordered := make([]models.Assignment, len(batch.Assignments))
		copy(ordered, batch.Assignments)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].EstimatedTime > ordered[j].EstimatedTime
		})

		batchLoad := make(map[string]int, len(workers))
		batchWorkerTime := make(map[string]time.Duration, len(workers))
		planned := models.PlannedBatch{Assignments: make([]models.Assignment, 0, len(ordered))}

		for _, a := range ordered {
			feature := models.Feature{ID: a.FeatureID, AgentType: a.AgentType}
			worker, err := pickWorker(feature, workers, planLoad, batchLoad, opts.MaxConcurrentPerWorker)
			if err != nil {
				return nil, fmt.Errorf("optimize batch %d, feature %s: %w", batchIdx, a.FeatureID, err)
			}
			planned.Assignments = append(planned.Assignments, models.Assignment{
				FeatureID:     a.FeatureID,
				WorkerID:      worker.ID,
				AgentType:     a.AgentType,
				EstimatedTime: a.EstimatedTime,
			})
			planLoad[worker.ID]++
			batchLoad[worker.ID]++
			workerTime[worker.ID] += a.EstimatedTime
			batchWorkerTime[worker.ID] += a.EstimatedTime
		}

		for _, d := range batchWorkerTime {
			if d > planned.EstimatedTime {
				planned.EstimatedTime = d
			}
		}
		rebalanced.TotalEstimatedTime += planned.EstimatedTime
		rebalanced.Batches = append(rebalanced.Batches, planned)
	}

	if rebalanced.TotalEstimatedTime > 0 {
		for id, d := range workerTime {
			rebalanced.WorkerUtilization[id] = float64(d) / float64(rebalanced.TotalEstimatedTime)
		}
	}

	p.logger.Info("execution plan optimized",
		zap.Int("features", rebalanced.TotalFeatures),
		zap.Duration("total_estimated_time", rebalanced.TotalEstimatedTime))
	p.publish(events.TypePlanOptimized, map[string]any{
		"features":             rebalanced.TotalFeatures,
		"total_estimated_time": rebalanced.TotalEstimatedTime.String(),
	})
	return rebalanced, nil
}

// GetPlanStatistics summarizes a plan.
func (p *Planner) GetPlanStatistics(plan *models.ExecutionPlan) Statistics {
	var stats Statistics
	if plan == nil {
		return stats
	}
	stats.WorkerUtilization = make(map[string]float64, len(plan.WorkerUtilization))
	stats.TotalBatches = len(plan.Batches)
	stats.TotalFeatures = plan.TotalFeatures
	stats.TotalEstimatedTime = plan.TotalEstimatedTime
	for _, b := range plan.Batches {
		if b.EstimatedTime > stats.MaxBatchTime {
			stats.MaxBatchTime = b.EstimatedTime
		}
	}
	if len(plan.Batches) > 0 {
		stats.AvgBatchTime = plan.TotalEstimatedTime / time.Duration(len(plan.Batches))
	}
	for id, u := range plan.WorkerUtilization {
		stats.WorkerUtilization[id] = u
	}
	return stats
}

func (p *Planner) publish(typ events.Type, data map[string]any) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(context.Background(), events.TopicPlanner, events.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
