package summarizer

import (
	"slices"
	"sort"

	"github.com/nainya/convmemory/pkg/codec"
	"github.com/nainya/convmemory/pkg/conversation"
)

// CompressionResult describes one compaction pass
type CompressionResult struct {
	OriginalSize     int     `json:"originalSize"`
	CompressedSize   int     `json:"compressedSize"`
	CompressionRatio float64 `json:"compressionRatio"` // CompressedSize / OriginalSize
	PreservedTurns   int     `json:"preservedTurns"`
	RemovedTurns     int     `json:"removedTurns"`
	SummaryGenerated bool    `json:"summaryGenerated"`
}

// NeedsCompression reports whether cc exceeds the compaction trigger
func (s *Summarizer) NeedsCompression(cc conversation.ConversationContext) bool {
	return len(cc.ConversationThread) > s.config.MaxContextLength
}

// CompressContext evicts the least relevant older turns of cc into a summary.
// Contexts at or under MaxContextLength come back unchanged with ratio 1.0.
func (s *Summarizer) CompressContext(cc conversation.ConversationContext) (conversation.ConversationContext, CompressionResult) {
	originalSize := codec.Size(cc)
	out := conversation.CloneContext(cc)

	if !s.NeedsCompression(cc) {
		return out, CompressionResult{
			OriginalSize:     originalSize,
			CompressedSize:   originalSize,
			CompressionRatio: 1.0,
			PreservedTurns:   len(cc.ConversationThread),
		}
	}

	thread := out.ConversationThread
	preserve := min(max(s.config.PreserveRecentTurns, 0), len(thread))
	older := thread[:len(thread)-preserve]
	recent := thread[len(thread)-preserve:]

	keep := max(1, int(float64(s.config.MaxContextLength-s.config.PreserveRecentTurns)*s.config.CompressionRatio))

	scored := make([]scoredTurn, 0, len(older))
	for _, turn := range older {
		scored = append(scored, scoredTurn{turn: turn, score: s.ScoreTurn(turn, cc.CumulativeContext)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score.Overall > scored[j].score.Overall
	})

	var kept, removed []conversation.ConversationTurn
	for i, st := range scored {
		if i < keep {
			kept = append(kept, st.turn)
		} else {
			removed = append(removed, st.turn)
		}
	}
	kept = append(kept, recent...)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].TurnNumber < kept[j].TurnNumber })
	sort.SliceStable(removed, func(i, j int) bool { return removed[i].TurnNumber < removed[j].TurnNumber })
	for i := range kept {
		kept[i].TurnNumber = i + 1
	}

	result := CompressionResult{
		OriginalSize:   originalSize,
		PreservedTurns: len(kept),
		RemovedTurns:   len(removed),
	}
	if len(removed) > 0 {
		out.Summaries = append(out.Summaries, s.summarize(removed, cc.CumulativeContext))
		result.SummaryGenerated = true
	}

	out.ConversationThread = kept
	out.CumulativeContext = s.builder.BuildCumulativeContext(kept)
	out.Metadata.CompressionLevel++
	out.Metadata.Tags = addTag(out.Metadata.Tags, conversation.TagCompressed)
	if result.SummaryGenerated {
		out.Metadata.Tags = addTag(out.Metadata.Tags, conversation.TagSummarized)
	}
	out.LastUpdated = s.clock.Now()

	result.CompressedSize = codec.Size(out)
	if originalSize > 0 {
		result.CompressionRatio = float64(result.CompressedSize) / float64(originalSize)
	}

	s.log.Debug().
		Str("context_id", cc.ID).
		Int("turns_before", len(thread)).
		Int("turns_after", len(kept)).
		Int("level", out.Metadata.CompressionLevel).
		Float64("ratio", result.CompressionRatio).
		Msg("Compressed context")
	return out, result
}

func addTag(tags []string, tag string) []string {
	if slices.Contains(tags, tag) {
		return tags
	}
	return append(tags, tag)
}
