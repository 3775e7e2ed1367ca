package models

import "testing"

func TestPriority_Valid(t *testing.T) {
	tests := []struct {
		name     string
		priority Priority
		want     bool
	}{
		{"low is valid", PriorityLow, true},
		{"medium is valid", PriorityMedium, true},
		{"high is valid", PriorityHigh, true},
		{"critical is valid", PriorityCritical, true},
		{"empty string is invalid", Priority(""), false},
		{"unknown priority is invalid", Priority("urgent"), false},
		{"uppercase is invalid", Priority("HIGH"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.priority.Valid(); got != tt.want {
				t.Errorf("Priority(%q).Valid() = %v, want %v", tt.priority, got, tt.want)
			}
		})
	}
}

func TestPriority_WeightOrdering(t *testing.T) {
	// The planner relies on critical > high > medium > low.
	ordered := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Weight() <= ordered[i-1].Weight() {
			t.Errorf("Weight(%q) = %d should exceed Weight(%q) = %d",
				ordered[i], ordered[i].Weight(), ordered[i-1], ordered[i-1].Weight())
		}
	}

	if Priority("bogus").Weight() >= PriorityLow.Weight() {
		t.Error("unknown priority should rank below low")
	}
}

func TestWorker_Accepts(t *testing.T) {
	tests := []struct {
		name      string
		worker    Worker
		agentType string
		want      bool
	}{
		{"empty capabilities accept anything", Worker{ID: "w1"}, "backend", true},
		{"matching capability", Worker{ID: "w1", Capabilities: []string{"backend"}}, "backend", true},
		{"non-matching capability", Worker{ID: "w1", Capabilities: []string{"frontend"}}, "backend", false},
		{"one of several capabilities", Worker{ID: "w1", Capabilities: []string{"frontend", "backend", "testing"}}, "backend", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.worker.Accepts(tt.agentType); got != tt.want {
				t.Errorf("Accepts(%q) = %v, want %v", tt.agentType, got, tt.want)
			}
		})
	}
}
