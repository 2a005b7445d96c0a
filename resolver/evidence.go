package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// maxEvidenceBytes is the persist-size bound that triggers progressive
// truncation.
const maxEvidenceBytes = 500 * 1024

// CandidateEvidence is one scored candidate recorded for audit, in
// descending score order.
type CandidateEvidence struct {
	ProductID   uint    `json:"productId"`
	Score       float64 `json:"score"`
	BrandScore  float64 `json:"brandScore"`
	CaliberScore float64 `json:"caliberScore"`
	PackScore   float64 `json:"packScore"`
	GrainScore  float64 `json:"grainScore"`
	TitleScore  float64 `json:"titleScore"`
}

// Evidence is the JSON document persisted alongside every ProductLink
// decision, sufficient to replay and audit it.
type Evidence struct {
	DictionaryVersion  string              `json:"dictionaryVersion"`
	TrustConfigVersion int                 `json:"trustConfigVersion"`
	WeightsVersion     string              `json:"weightsVersion"`
	InputNormalized    InputNormalized     `json:"inputNormalized"`
	InputHash          string              `json:"inputHash"`
	RulesFired         []string            `json:"rulesFired"`
	Candidates         []CandidateEvidence `json:"candidates,omitempty"`
	PreviousDecision   *PreviousDecision   `json:"previousDecision,omitempty"`
	Manual             *ManualProvenance   `json:"manual,omitempty"`
	SystemError        string              `json:"systemError,omitempty"`
	AliasHops          []uint              `json:"aliasHops,omitempty"`
	NormalizationErrors []string           `json:"normalizationErrors,omitempty"`
	Truncated          []string            `json:"truncated,omitempty"`
}

// InputNormalized is the normalized-field snapshot hashed into InputHash.
// BrandAliasApplied/BrandAliasID record whether the brand value came out of
// the alias table rather than straight from the feed row.
type InputNormalized struct {
	Title             string `json:"title"`
	BrandNorm         string `json:"brandNorm"`
	CaliberNorm       string `json:"caliberNorm"`
	UPCNorm           string `json:"upcNorm,omitempty"`
	IdentityKey       string `json:"identityKey,omitempty"`
	BrandAliasApplied bool   `json:"brandAliasApplied,omitempty"`
	BrandAliasID      string `json:"brandAliasId,omitempty"`
}

// PreviousDecision captures the prior ProductLink's outcome for relink
// hysteresis comparisons and evidence trails.
type PreviousDecision struct {
	ProductID  uint       `json:"productId"`
	MatchType  MatchType  `json:"matchType"`
	Confidence float64    `json:"confidence"`
}

// ManualProvenance is the optional provenance block for MANUAL links.
// Resolve does not fill it: evidence returned on the MANUAL_LOCKED path
// has Manual nil, and db.ProductLink carries no setter or set-time fields.
type ManualProvenance struct {
	SetBy string `json:"setBy"`
	SetAt string `json:"setAt"`
}

// ComputeInputHash hashes the normalized input together with the
// dictionary and trust-config versions. Two calls with
// unchanged inputs produce the same hash, which is what drives the
// resolver's idempotent-rerun skip.
func ComputeInputHash(in InputNormalized, dictionaryVersion string, trustConfigVersion int) string {
	parts := []string{
		in.Title, in.BrandNorm, in.CaliberNorm, in.UPCNorm, in.IdentityKey,
		dictionaryVersion,
		strconv.Itoa(trustConfigVersion),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Truncate applies the progressive truncation ladder until the marshaled
// size is within maxEvidenceBytes, recording each step taken.
func (e *Evidence) Truncate() []byte {
	encode := func() []byte {
		b, _ := json.Marshal(e)
		return b
	}

	b := encode()
	if len(b) <= maxEvidenceBytes {
		return b
	}

	if len(e.Candidates) > 5 {
		e.Candidates = e.Candidates[:5]
		e.Truncated = append(e.Truncated, "candidates_top5")
		b = encode()
		if len(b) <= maxEvidenceBytes {
			return b
		}
	}

	if len(e.Candidates) > 0 {
		e.Candidates = nil
		e.Truncated = append(e.Truncated, "candidates_dropped")
		b = encode()
		if len(b) <= maxEvidenceBytes {
			return b
		}
	}

	if len(e.NormalizationErrors) > 3 {
		e.NormalizationErrors = e.NormalizationErrors[:3]
		e.Truncated = append(e.Truncated, "normalization_errors_top3")
		b = encode()
		if len(b) <= maxEvidenceBytes {
			return b
		}
	}

	if len(e.InputNormalized.Title) > 100 {
		e.InputNormalized.Title = e.InputNormalized.Title[:100] + "..."
		e.Truncated = append(e.Truncated, "title_truncated")
		b = encode()
	}

	return b
}
