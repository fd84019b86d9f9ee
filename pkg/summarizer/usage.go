package summarizer

import (
	"math"

	"github.com/nainya/convmemory/pkg/codec"
	"github.com/nainya/convmemory/pkg/conversation"
)

// compressionGrowth inverts an assumed ~30% size reduction per compaction pass
const compressionGrowth = 1.43

// MemoryUsage is an estimate of what a set of contexts occupies
type MemoryUsage struct {
	TotalContexts          int     `json:"totalContexts"`
	TotalTurns             int     `json:"totalTurns"`
	TotalEntities          int     `json:"totalEntities"`
	TotalBytes             int     `json:"totalBytes"`
	CompressedContexts     int     `json:"compressedContexts"`
	EstimatedOriginalBytes int     `json:"estimatedOriginalBytes"`
	EstimatedBytesSaved    int     `json:"estimatedBytesSaved"`
	AverageTurnsPerContext float64 `json:"averageTurnsPerContext"`
}

// OptimizationReport summarizes a compaction-plus-cleanup pass
type OptimizationReport struct {
	ContextsCompressed int           `json:"contextsCompressed"`
	ContextsSummarized int           `json:"contextsSummarized"`
	ContextsCleaned    int           `json:"contextsCleaned"`
	RemovedTurns       int           `json:"removedTurns"`
	SpaceSaved         int           `json:"spaceSaved"`
	CompressedIDs      []string      `json:"compressedIds"`
	Cleanup            CleanupReport `json:"cleanup"`
}

// CalculateMemoryUsage reports sizes and counts over contexts
func (s *Summarizer) CalculateMemoryUsage(contexts []conversation.ConversationContext) MemoryUsage {
	var usage MemoryUsage
	for _, cc := range contexts {
		size := codec.Size(cc)
		original := int(float64(size) * math.Pow(compressionGrowth, float64(cc.Metadata.CompressionLevel)))

		usage.TotalContexts++
		usage.TotalTurns += len(cc.ConversationThread)
		usage.TotalEntities += len(cc.CumulativeContext.ExtractedEntities)
		usage.TotalBytes += size
		usage.EstimatedOriginalBytes += original
		usage.EstimatedBytesSaved += original - size
		if cc.Metadata.CompressionLevel > 0 {
			usage.CompressedContexts++
		}
	}
	if usage.TotalContexts > 0 {
		usage.AverageTurnsPerContext = float64(usage.TotalTurns) / float64(usage.TotalContexts)
	}
	return usage
}

// OptimizeContextStorage compresses oversized contexts, then applies the
// cleanup policies to the result
func (s *Summarizer) OptimizeContextStorage(contexts []conversation.ConversationContext) ([]conversation.ConversationContext, OptimizationReport) {
	report := OptimizationReport{CompressedIDs: []string{}}

	compacted := make([]conversation.ConversationContext, 0, len(contexts))
	for _, cc := range contexts {
		if !s.NeedsCompression(cc) {
			compacted = append(compacted, cc)
			continue
		}
		out, result := s.CompressContext(cc)
		report.ContextsCompressed++
		report.CompressedIDs = append(report.CompressedIDs, cc.ID)
		if result.SummaryGenerated {
			report.ContextsSummarized++
		}
		report.RemovedTurns += result.RemovedTurns
		report.SpaceSaved += result.OriginalSize - result.CompressedSize
		compacted = append(compacted, out)
	}

	kept, cleanup := s.ApplyCleanupPolicies(compacted)
	report.Cleanup = cleanup
	report.ContextsCleaned = cleanup.ContextsRemoved
	report.SpaceSaved += cleanup.BytesFreed

	s.log.Info().
		Int("contexts", len(contexts)).
		Int("compressed", report.ContextsCompressed).
		Int("removed_turns", report.RemovedTurns).
		Int("cleaned", report.ContextsCleaned).
		Int("space_saved", report.SpaceSaved).
		Msg("Optimized context storage")
	return kept, report
}
