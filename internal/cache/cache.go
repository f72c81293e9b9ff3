// Package cache keeps finalized trial results of a session until they are
// confirmed saved, so a failed submission can be retried or exported.
package cache

import (
	"context"
	"sort"

	"github.com/terra-clan/research-engine/internal/models"
)

// Cache stores pending trial results per session.
// Results are keyed by trial, so storing a trial twice keeps one copy.
type Cache interface {
	// Put stores results for a session, replacing any with the same key
	Put(ctx context.Context, sessionID string, results ...models.TrialResult) error

	// Load returns the cached results of a session ordered by phase and index
	Load(ctx context.Context, sessionID string) ([]models.TrialResult, error)

	// Remove drops confirmed results of a session
	Remove(ctx context.Context, sessionID string, keys ...models.TrialKey) error

	// Clear drops everything cached for a session
	Clear(ctx context.Context, sessionID string) error

	// Sessions lists the sessions that still hold cached results
	Sessions(ctx context.Context) ([]string, error)
}

var phaseOrder = map[models.Phase]int{
	models.PhasePractice: 0,
	models.PhaseMain:     1,
}

// SortResults orders results by phase, then index
func SortResults(results []models.TrialResult) {
	sort.Slice(results, func(i, j int) bool {
		pi, pj := phaseOrder[results[i].Phase], phaseOrder[results[j].Phase]
		if pi != pj {
			return pi < pj
		}
		return results[i].Index < results[j].Index
	})
}
