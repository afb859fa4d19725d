// Package intents maintains the append-only audit ledger of notable
// monitor and agent events.
package intents

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshmon/meshmon/internal/models"
	"github.com/meshmon/meshmon/internal/store"
)

// Recorder appends entries to the intent ledger. A failed write is
// logged but never propagated, the ledger must not break the operation
// it is auditing.
type Recorder struct {
	store *store.Store
}

func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

func (r *Recorder) record(ctx context.Context, rec *models.IntentRecord) *models.IntentRecord {
	rec.CreatedAt = time.Now().UTC()
	if err := r.store.InsertIntent(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("agentID", rec.AgentID).
			Str("type", string(rec.Type)).
			Str("category", rec.Category).
			Msg("Failed to write intent record")
		return nil
	}
	return rec
}

// RecordDecision logs an adjudicated or autonomous remediation decision.
func (r *Recorder) RecordDecision(ctx context.Context, agentID string, level models.IssueLevel, category, description, status string, metadata map[string]any) *models.IntentRecord {
	return r.record(ctx, &models.IntentRecord{
		AgentID:     agentID,
		Type:        models.IntentDecision,
		Level:       level,
		Category:    category,
		Description: description,
		Status:      status,
		Metadata:    metadata,
	})
}

// RecordBlocker logs a critical issue that requires human intervention.
func (r *Recorder) RecordBlocker(ctx context.Context, agentID, category, description string, metadata map[string]any) *models.IntentRecord {
	return r.record(ctx, &models.IntentRecord{
		AgentID:     agentID,
		Type:        models.IntentBlocker,
		Level:       models.LevelL3,
		Category:    category,
		Description: description,
		Status:      "open",
		Metadata:    metadata,
	})
}

// RecordMilestone logs a lifecycle event such as registration or a
// status flip.
func (r *Recorder) RecordMilestone(ctx context.Context, agentID, category, description string, metadata map[string]any) *models.IntentRecord {
	return r.record(ctx, &models.IntentRecord{
		AgentID:     agentID,
		Type:        models.IntentMilestone,
		Category:    category,
		Description: description,
		Metadata:    metadata,
	})
}

// RecordNote logs free-form operator or system commentary.
func (r *Recorder) RecordNote(ctx context.Context, agentID, category, description string, metadata map[string]any) *models.IntentRecord {
	return r.record(ctx, &models.IntentRecord{
		AgentID:     agentID,
		Type:        models.IntentNote,
		Category:    category,
		Description: description,
		Metadata:    metadata,
	})
}

// UpdateStatus changes the status of an earlier entry, for example
// when a blocker is cleared.
func (r *Recorder) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.store.UpdateIntentStatus(ctx, id, status)
}

// List queries the ledger.
func (r *Recorder) List(ctx context.Context, filter store.IntentFilter) ([]*models.IntentRecord, error) {
	return r.store.ListIntents(ctx, filter)
}
