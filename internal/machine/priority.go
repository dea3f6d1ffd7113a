package machine

import (
	"sort"

	"github.com/ecrain/phalanx/pkg/models"
)

// decisionPriorities fixes the total order over decision types. Lower values
// are surfaced first.
var decisionPriorities = map[models.DecisionType]int{
	models.DecisionSafetyApproval:  1,
	models.DecisionPhaseApproval:   2,
	models.DecisionTimeoutRecovery: 3,
	models.DecisionErrorRecovery:   4,
}

// unknownDecisionPriority sorts unrecognized types after all known ones.
const unknownDecisionPriority = 100

// GetDecisionPriority returns the numeric priority for a decision type.
func GetDecisionPriority(t models.DecisionType) int {
	if p, ok := decisionPriorities[t]; ok {
		return p
	}
	return unknownDecisionPriority
}

// SortDecisionsByPriority returns a new slice sorted by priority, stable
// with respect to the input order. The input slice is not mutated.
func SortDecisionsByPriority(decisions []models.PendingDecision) []models.PendingDecision {
	sorted := make([]models.PendingDecision, len(decisions))
	copy(sorted, decisions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return GetDecisionPriority(sorted[i].Type) < GetDecisionPriority(sorted[j].Type)
	})
	return sorted
}
