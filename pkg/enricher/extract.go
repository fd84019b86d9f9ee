// ABOUTME: Entity, topic and token extraction for technical drawing conversations
// ABOUTME: Domain vocabulary plus value+unit measurement patterns

package enricher

import (
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nainya/convmemory/pkg/conversation"
)

// Entity types produced by extraction
const (
	EntityComponent   = "component"
	EntityMaterial    = "material"
	EntityAnnotation  = "annotation"
	EntityMeasurement = "measurement"
)

// RelationshipCoOccurrence labels entities seen in the same turn
const RelationshipCoOccurrence = "co_occurrence"

// TopicGeneral is assigned when no other topic applies
const TopicGeneral = "general"

const (
	vocabularyConfidence  = 0.8
	measurementConfidence = 0.9
)

// Vocabulary maps a domain term to its entity type
type Vocabulary map[string]string

// DefaultVocabulary covers common architectural and mechanical drawing terms
func DefaultVocabulary() Vocabulary {
	v := Vocabulary{}
	for _, term := range []string{
		"beam", "column", "wall", "slab", "footing", "foundation", "door", "window",
		"stair", "roof", "truss", "girder", "joist", "pipe", "duct", "valve", "pump",
		"flange", "bolt", "weld", "rebar", "anchor", "bracket", "plate", "shaft",
		"bearing", "gear", "hole", "thread", "chamfer", "fillet", "keyway", "groove",
	} {
		v[term] = EntityComponent
	}
	for _, term := range []string{
		"steel", "stainless steel", "concrete", "aluminum", "aluminium", "timber",
		"wood", "brass", "copper", "pvc", "glass", "masonry",
	} {
		v[term] = EntityMaterial
	}
	for _, term := range []string{
		"dimension", "tolerance", "elevation", "section", "detail", "scale", "grid",
		"datum", "revision", "title block", "legend", "note", "callout", "symbol",
	} {
		v[term] = EntityAnnotation
	}
	return v
}

// topicKeywords drives the topic-assignment heuristic over query text
var topicKeywords = map[string][]string{
	"dimensions":  {"dimension", "dimensions", "size", "length", "width", "height", "depth", "thickness", "diameter", "radius", "measurement", "span", "distance"},
	"materials":   {"material", "materials", "steel", "concrete", "timber", "wood", "aluminum", "aluminium", "brass", "copper", "pvc", "finish", "grade"},
	"tolerances":  {"tolerance", "tolerances", "fit", "clearance", "deviation", "allowance"},
	"compliance":  {"code", "standard", "standards", "compliance", "compliant", "regulation", "requirement", "requirements"},
	"annotations": {"note", "notes", "callout", "symbol", "legend", "revision", "annotation", "label"},
	"structure":   {"beam", "column", "slab", "footing", "foundation", "load", "truss", "girder", "joist", "rebar"},
	"mep":         {"pipe", "duct", "valve", "pump", "electrical", "plumbing", "hvac", "conduit"},
	"location":    {"where", "location", "located", "grid", "elevation", "level", "floor"},
}

var (
	tokenPattern       = regexp.MustCompile(`[a-z0-9]+`)
	measurementPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(mm|cm|km|m|inches|inch|in|feet|ft|lbs|lb|kg|psi|mpa|kpa|kn|deg|°)`)
	spacePattern       = regexp.MustCompile(`\s+`)
)

var unitAliases = map[string]string{
	"inches": "in",
	"inch":   "in",
	"feet":   "ft",
	"lbs":    "lb",
	"°":      "deg",
}

var stopwords = map[string]bool{
	"the": true, "is": true, "are": true, "of": true, "on": true, "in": true, "at": true,
	"to": true, "and": true, "or": true, "what": true, "which": true, "this": true,
	"that": true, "for": true, "it": true, "be": true, "an": true, "as": true, "by": true,
	"with": true, "from": true, "there": true, "how": true, "does": true, "do": true,
}

// extracted is one entity found in a turn
type extracted struct {
	key        string
	text       string
	kind       string
	confidence float64
}

// NormalizeEntity produces the aggregate key for entity text
func NormalizeEntity(text string) string {
	return spacePattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
}

// Tokenize splits text into lowercase alphanumeric tokens of length >= 2
func Tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := matches[:0]
	for _, m := range matches {
		if len(m) >= 2 {
			tokens = append(tokens, m)
		}
	}
	return tokens
}

// contentTokens returns the distinct non-stopword tokens of text
func contentTokens(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range Tokenize(text) {
		if !stopwords[tok] {
			set[tok] = true
		}
	}
	return set
}

// extractFromText finds vocabulary terms and measurements in free text
func (e *Enricher) extractFromText(text string) map[string]extracted {
	found := make(map[string]extracted)
	padded := " " + strings.Join(Tokenize(text), " ") + " "

	for term, kind := range e.vocab {
		if strings.Contains(padded, " "+term+" ") ||
			strings.Contains(padded, " "+term+"s ") ||
			strings.Contains(padded, " "+term+"es ") {
			found[term] = extracted{key: term, text: term, kind: kind, confidence: vocabularyConfidence}
		}
	}

	for _, idx := range measurementPattern.FindAllStringSubmatchIndex(text, -1) {
		// Reject matches that run into a longer word ("12 mmHg", "5 inside").
		if idx[1] < len(text) && isWordByte(text[idx[1]]) {
			continue
		}
		value := text[idx[2]:idx[3]]
		unit := strings.ToLower(text[idx[4]:idx[5]])
		if alias, ok := unitAliases[unit]; ok {
			unit = alias
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			value = strconv.FormatFloat(f, 'f', -1, 64)
		}
		key := value + " " + unit
		found[key] = extracted{key: key, text: key, kind: EntityMeasurement, confidence: measurementConfidence}
	}

	return found
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// extractEntities returns the distinct entities of a turn sorted by key
func (e *Enricher) extractEntities(turn conversation.ConversationTurn) []extracted {
	found := e.extractFromText(turn.Text())

	// Upstream entities win over heuristic matches for the same key.
	for _, qe := range turn.Query.Entities {
		key := NormalizeEntity(qe.Text)
		if key == "" {
			continue
		}
		kind := qe.Type
		if kind == "" {
			kind = found[key].kind
		}
		found[key] = extracted{key: key, text: qe.Text, kind: kind, confidence: qe.Confidence}
	}

	out := make([]extracted, 0, len(found))
	for _, ex := range found {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// EntityKeys returns the sorted aggregate keys of the entities in turn,
// normalized the same way BuildCumulativeContext stores them
func (e *Enricher) EntityKeys(turn conversation.ConversationTurn) []string {
	entities := e.extractEntities(turn)
	keys := make([]string, len(entities))
	for i, ex := range entities {
		keys[i] = ex.key
	}
	return keys
}

// entityKeys returns the sorted keys of the entities in text
func (e *Enricher) entityKeys(text string) []string {
	found := e.extractFromText(text)
	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// assignTopics applies the topic heuristic to a query
func assignTopics(query conversation.ProcessedQuery) []string {
	set := make(map[string]bool)

	intent := strings.ReplaceAll(NormalizeEntity(query.Intent.Type), " ", "_")
	if intent != "" && intent != "unknown" && intent != TopicGeneral {
		set[intent] = true
	}

	tokens := contentTokens(query.Text())
	for topic, words := range topicKeywords {
		for _, w := range words {
			if tokens[w] {
				set[topic] = true
				break
			}
		}
	}
	if measurementPattern.MatchString(query.Text()) {
		set["dimensions"] = true
	}

	if len(set) == 0 {
		return []string{TopicGeneral}
	}
	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

// queryKey identifies a turn's query inside topic nodes
func queryKey(turn conversation.ConversationTurn) string {
	if turn.Query.ID != "" {
		return turn.Query.ID
	}
	return turn.ID
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut, suffix := maxLen-3, "..."
	if maxLen < 4 {
		cut, suffix = maxLen, ""
	}
	// Never split a multi-byte rune; snapshots must stay valid UTF-8.
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}
