package citations

import (
	"sort"

	"github.com/itsneelabh/llmrouter/core"
)

// Candidate is one source surfaced by a provider response before
// resolution and deduplication. Adapters build candidates from tool
// outputs, grounding chunks, and message annotations.
type Candidate struct {
	URI       string
	Title     string
	SourceRef string
	// Anchored marks sources referenced by a text-span grounding support
	// or an inline annotation.
	Anchored bool
	// SpanStart/SpanEnd are character offsets into the output text when a
	// grounding support provides them; both -1 otherwise.
	SpanStart int
	SpanEnd   int
}

// Result is the extractor output for one response.
type Result struct {
	// Citations is the final capped list, newest first.
	Citations []core.Citation
	// AnchoredCount and UnlinkedCount are raw counts before capping;
	// telemetry records these, not len(Citations).
	AnchoredCount       int
	UnlinkedCount       int
	AnchoredCoveragePct float64
}

// ExtractorConfig tunes the extractor.
type ExtractorConfig struct {
	// EmitUnlinked controls whether unlinked sources appear in the final
	// citation list. Raw counts are recorded either way.
	EmitUnlinked bool
	// PerDomainCap bounds citations kept per registrable domain.
	PerDomainCap int
	// MaxCitations bounds the final list.
	MaxCitations int
}

// Extractor turns raw source candidates into normalized citations.
type Extractor struct {
	config ExtractorConfig
}

// NewExtractor builds an extractor; zero config fields get defaults.
func NewExtractor(config ExtractorConfig) *Extractor {
	if config.PerDomainCap <= 0 {
		config.PerDomainCap = 3
	}
	if config.MaxCitations <= 0 {
		config.MaxCitations = 10
	}
	return &Extractor{config: config}
}

// Extract resolves redirects, normalizes, dedups, and caps the candidate
// sources. outputText is the final model text, used for anchored coverage
// when span offsets are present.
func (e *Extractor) Extract(candidates []Candidate, outputText string) Result {
	var res Result

	type entry struct {
		citation core.Citation
		order    int
	}
	byURL := make(map[string]*entry)
	var ordered []*entry

	for i, cand := range candidates {
		resolved, rawURI := ResolveRedirect(cand.URI)
		normalized, domain, ok := Normalize(resolved)
		if !ok {
			continue
		}
		if prev, seen := byURL[normalized]; seen {
			// Anchoring evidence from any duplicate wins.
			if cand.Anchored && !prev.citation.Anchored {
				prev.citation.Anchored = true
			}
			if prev.citation.Title == "" && cand.Title != "" {
				prev.citation.Title = cand.Title
			}
			continue
		}
		ent := &entry{
			citation: core.Citation{
				URL:       normalized,
				Title:     cand.Title,
				Domain:    domain,
				Anchored:  cand.Anchored,
				SourceRef: cand.SourceRef,
				RawURI:    rawURI,
			},
			order: i,
		}
		byURL[normalized] = ent
		ordered = append(ordered, ent)
	}

	perDomain := make(map[string]int)
	var kept []core.Citation
	for _, ent := range ordered {
		if ent.citation.Anchored {
			res.AnchoredCount++
		} else {
			res.UnlinkedCount++
		}
		if perDomain[ent.citation.Domain] >= e.config.PerDomainCap {
			continue
		}
		if !ent.citation.Anchored && !e.config.EmitUnlinked {
			continue
		}
		perDomain[ent.citation.Domain]++
		kept = append(kept, ent.citation)
	}

	// Candidates arrive in response order; reverse so the newest lead,
	// then cap.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	if len(kept) > e.config.MaxCitations {
		kept = kept[:e.config.MaxCitations]
	}
	res.Citations = kept

	res.AnchoredCoveragePct = coverage(candidates, outputText)
	return res
}

// coverage computes the share of the output text covered by anchored
// span supports. Overlapping spans are merged before measuring.
func coverage(candidates []Candidate, outputText string) float64 {
	if len(outputText) == 0 {
		return 0
	}
	type span struct{ start, end int }
	var spans []span
	for _, cand := range candidates {
		if !cand.Anchored || cand.SpanStart < 0 || cand.SpanEnd <= cand.SpanStart {
			continue
		}
		start, end := cand.SpanStart, cand.SpanEnd
		if end > len(outputText) {
			end = len(outputText)
		}
		if start >= end {
			continue
		}
		spans = append(spans, span{start, end})
	}
	if len(spans) == 0 {
		return 0
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	covered := 0
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.start <= cur.end {
			if s.end > cur.end {
				cur.end = s.end
			}
			continue
		}
		covered += cur.end - cur.start
		cur = s
	}
	covered += cur.end - cur.start
	return float64(covered) / float64(len(outputText))
}
