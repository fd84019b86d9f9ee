package contextstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nainya/convmemory/pkg/codec"
	"github.com/nainya/convmemory/pkg/conversation"
	"github.com/nainya/convmemory/pkg/summarizer"
)

// CleanupExpiredContexts deletes every context past its ExpiresAt and
// returns how many were removed
func (s *Store) CleanupExpiredContexts(ctx context.Context) (removed int, err error) {
	start := time.Now()
	defer func() { s.observe("cleanup_expired", "", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list contexts: %w", err)
	}

	now := s.clock.Now()
	bytes := 0
	for _, cc := range all {
		if !now.After(cc.ExpiresAt) {
			bytes += codec.Size(cc)
			continue
		}
		if err := s.repo.Delete(ctx, cc.ID); err != nil {
			return removed, fmt.Errorf("failed to delete context %s: %w", cc.ID, err)
		}
		removed++
	}

	s.metrics.RecordExpired(removed, nil)
	s.metrics.UpdateStorageStats(len(all)-removed, bytes)
	s.log.LogCleanup("expired", removed, time.Since(start))
	return removed, nil
}

// OptimizeStorage compacts oversized contexts and applies the cleanup
// policies across everything stored
func (s *Store) OptimizeStorage(ctx context.Context) (report summarizer.OptimizationReport, err error) {
	start := time.Now()
	defer func() { s.observe("optimize_storage", "", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.repo.List(ctx)
	if err != nil {
		return summarizer.OptimizationReport{}, fmt.Errorf("failed to list contexts: %w", err)
	}

	kept, report := s.summarizer.OptimizeContextStorage(all)
	bytes := 0
	for _, cc := range kept {
		bytes += codec.Size(cc)
		if !slices.Contains(report.CompressedIDs, cc.ID) {
			continue
		}
		if err := s.repo.Save(ctx, cc); err != nil {
			return report, fmt.Errorf("failed to save compacted context %s: %w", cc.ID, err)
		}
	}
	for _, id := range report.Cleanup.RemovedIDs {
		if err := s.repo.Delete(ctx, id); err != nil {
			return report, fmt.Errorf("failed to delete context %s: %w", id, err)
		}
	}

	s.metrics.RecordCompactions(report.ContextsCompressed, report.RemovedTurns)
	s.metrics.RecordExpired(report.ContextsCleaned, report.Cleanup.Firings)
	s.metrics.UpdateStorageStats(len(kept), bytes)
	s.log.LogCleanup("policies", report.ContextsCleaned, time.Since(start))
	return report, nil
}

// MemoryUsage reports the estimated footprint of all stored contexts
func (s *Store) MemoryUsage(ctx context.Context) (summarizer.MemoryUsage, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return summarizer.MemoryUsage{}, fmt.Errorf("failed to list contexts: %w", err)
	}
	usage := s.summarizer.CalculateMemoryUsage(all)
	s.metrics.UpdateStorageStats(usage.TotalContexts, usage.TotalBytes)
	return usage, nil
}

// MergeSessions folds the contexts of sourceSessionIDs into the target
// session's context and deletes the sources
func (s *Store) MergeSessions(ctx context.Context, targetSessionID string, sourceSessionIDs ...string) (merged conversation.ConversationContext, err error) {
	start := time.Now()
	defer func() { s.observe("merge_sessions", targetSessionID, start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.loadBySession(ctx, targetSessionID)
	if err != nil {
		return conversation.ConversationContext{}, err
	}
	contexts := []conversation.ConversationContext{target}
	for _, sid := range sourceSessionIDs {
		if sid == targetSessionID {
			continue
		}
		cc, err := s.loadBySession(ctx, sid)
		if err != nil {
			return conversation.ConversationContext{}, err
		}
		contexts = append(contexts, cc)
	}

	merged, err = s.enricher.MergeRelatedContexts(contexts)
	if err != nil {
		return conversation.ConversationContext{}, err
	}
	if s.summarizer.NeedsCompression(merged) && len(merged.ConversationThread) > s.config.MaxTurnsPerContext {
		compacted, result := s.summarizer.CompressContext(merged)
		merged = compacted
		s.metrics.RecordCompaction(result.RemovedTurns)
	}

	if err := ctx.Err(); err != nil {
		return conversation.ConversationContext{}, err
	}
	if err := s.repo.Save(ctx, merged); err != nil {
		return conversation.ConversationContext{}, fmt.Errorf("failed to save merged context: %w", err)
	}
	for _, cc := range contexts[1:] {
		if err := s.repo.Delete(ctx, cc.ID); err != nil {
			return merged, fmt.Errorf("failed to delete merged source %s: %w", cc.ID, err)
		}
	}
	return merged, nil
}
