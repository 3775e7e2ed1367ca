package models

import "time"

// Assignment binds one feature to the worker that will execute it.
type Assignment struct {
	// FeatureID is the feature being assigned.
	FeatureID string `json:"feature_id"`
	// WorkerID is the worker chosen for the feature.
	WorkerID string `json:"worker_id"`
	// AgentType is the agent type the feature requires.
	AgentType string `json:"agent_type"`
	// EstimatedTime is the deterministic duration estimate for this feature.
	EstimatedTime time.Duration `json:"estimated_time"`
}

// PlannedBatch is one dependency level of an execution plan. All assignments
// within a batch may run concurrently.
type PlannedBatch struct {
	// Assignments are the feature-to-worker bindings for this batch.
	Assignments []Assignment `json:"assignments"`
	// EstimatedTime is the wall-clock estimate for the batch: the longest
	// per-worker serial chain within it.
	EstimatedTime time.Duration `json:"estimated_time"`
}

// ExecutionPlan is the read-only output of the planner. Consumers must not
// mutate a plan; OptimizePlan returns a fresh plan instead.
type ExecutionPlan struct {
	// Batches are the dependency-ordered waves of assignments.
	Batches []PlannedBatch `json:"batches"`
	// TotalFeatures is the number of features across all batches.
	TotalFeatures int `json:"total_features"`
	// TotalEstimatedTime is the sum of batch estimates.
	TotalEstimatedTime time.Duration `json:"total_estimated_time"`
	// WorkerUtilization maps worker ID to the fraction of total plan time
	// that worker is estimated to be busy.
	WorkerUtilization map[string]float64 `json:"worker_utilization"`
}

// Clone returns a deep copy of the plan. Used wherever a plan must be
// reshaped without touching the original.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	out := &ExecutionPlan{
		Batches:            make([]PlannedBatch, len(p.Batches)),
		TotalFeatures:      p.TotalFeatures,
		TotalEstimatedTime: p.TotalEstimatedTime,
		WorkerUtilization:  make(map[string]float64, len(p.WorkerUtilization)),
	}
	for i, b := range p.Batches {
		nb := PlannedBatch{
			Assignments:   make([]Assignment, len(b.Assignments)),
			EstimatedTime: b.EstimatedTime,
		}
		copy(nb.Assignments, b.Assignments)
		out.Batches[i] = nb
	}
	for k, v := range p.WorkerUtilization {
		out.WorkerUtilization[k] = v
	}
	return out
}

// FeatureIDs returns every feature ID in the plan in batch order.
func (p *ExecutionPlan) FeatureIDs() []string {
	var ids []string
	for _, b := range p.Batches {
		for _, a := range b.Assignments {
			ids = append(ids, a.FeatureID)
		}
	}
	return ids
}
