package resolver

import (
	"sort"

	"ironscout.dev/feedcore/db"
	"ironscout.dev/feedcore/normalize"
)

// WeightsVersion is recorded in evidence so a future reweighting can be
// distinguished from the scores it produced.
const WeightsVersion = "v1"

// Fixed-weight fuzzy scoring strategy.
const (
	weightBrand   = 0.25
	weightCaliber = 0.30
	weightPack    = 0.20
	weightGrain   = 0.15
	weightTitle   = 0.10
)

const (
	maxCandidates  = 200
	topK           = 10
	ambiguousLow   = 0.55
	ambiguousHigh  = 0.70
	ambiguousDelta = 0.03
)

// scoreCandidate compares in against candidate, returning the weighted
// total plus each component so evidence can show its work.
func scoreCandidate(in SourceInput, candidate db.Product) CandidateEvidence {
	brandScore := 0.0
	if in.BrandNorm != "" && in.BrandNorm == candidate.BrandNorm {
		brandScore = 1.0
	}

	caliberScore := 0.0
	if in.CaliberNorm != "" && in.CaliberNorm == candidate.CaliberNorm {
		caliberScore = 1.0
	}

	packScore := 0.0
	if in.HasPack && candidate.RoundCount != nil && in.PackCount == *candidate.RoundCount {
		packScore = 1.0
	}

	grainScore := 0.0
	if in.HasGrain && candidate.GrainWeight != nil && in.GrainWeight == *candidate.GrainWeight {
		grainScore = 1.0
	}

	// Candidate names are populated from the source title at creation, so
	// the signatures are directly comparable.
	titleScore := 0.0
	if in.TitleSignature != "" && candidate.Name != "" &&
		normalize.TitleSignature(candidate.Name) == in.TitleSignature {
		titleScore = 1.0
	}

	total := brandScore*weightBrand + caliberScore*weightCaliber +
		packScore*weightPack + grainScore*weightGrain + titleScore*weightTitle

	return CandidateEvidence{
		ProductID:    candidate.ID,
		Score:        total,
		BrandScore:   brandScore,
		CaliberScore: caliberScore,
		PackScore:    packScore,
		GrainScore:   grainScore,
		TitleScore:   titleScore,
	}
}

// rankCandidates scores every candidate, sorts descending by score, and
// truncates to topK.
func rankCandidates(in SourceInput, candidates []db.Product) []CandidateEvidence {
	scored := make([]CandidateEvidence, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoreCandidate(in, c))
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// isAmbiguous: best score in the gray
// band [0.55, 0.70), or best and second-best within 0.03 of each other.
func isAmbiguous(ranked []CandidateEvidence) bool {
	if len(ranked) == 0 {
		return false
	}
	best := ranked[0].Score
	if best >= ambiguousLow && best < ambiguousHigh {
		return true
	}
	if len(ranked) > 1 {
		second := ranked[1].Score
		if best-second < ambiguousDelta {
			return true
		}
	}
	return false
}
