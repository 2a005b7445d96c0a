// Package resolver implements the deterministic source-product-to-canonical-product
// matching function: a pure decision over its inputs and a
// small set of injected lookups, with every step recorded as replayable
// evidence. The resolver never persists anything itself; db/repository
// callers (worker.ResolverWorker) own writes.
package resolver

import "ironscout.dev/feedcore/db"

// Trigger is why a resolve was invoked.
type Trigger = db.ResolveTrigger

// Re-export the closed enums the resolver decides over so callers only
// need to import this package, not db, for result handling.
type (
	MatchType  = db.MatchType
	LinkStatus = db.LinkStatus
	ReasonCode = db.ReasonCode
)

// Rule names recorded in Evidence.RulesFired, each corresponding to one
// branch of the fixed-priority decision list.
const (
	RuleSourceNotFound       = "SOURCE_NOT_FOUND"
	RuleManualLocked         = "MANUAL_LOCKED"
	RuleInputHashSkip        = "INPUT_HASH_SKIP"
	RuleUPCMatchAttempted    = "UPC_MATCH_ATTEMPTED"
	RuleUPCNotTrusted        = "UPC_NOT_TRUSTED"
	RuleProductRaceRetry     = "PRODUCT_RACE_RETRY"
	RuleIdentityKeyMatched   = "IDENTITY_KEY_MATCHED"
	RuleIdentityKeyCreated   = "IDENTITY_KEY_CREATED"
	RuleCandidateOverflow    = "CANDIDATE_OVERFLOW"
	RuleFuzzyMatched         = "FUZZY_MATCHED"
	RuleFuzzyAmbiguous       = "AMBIGUOUS_FINGERPRINT"
	RuleFuzzyCreated         = "FUZZY_CREATED"
	RuleInsufficientData     = "INSUFFICIENT_DATA"
	RuleAliasHop             = "ALIAS_HOP"
	RuleAliasChainTooDeep    = "ALIAS_CHAIN_TOO_DEEP"
	RuleRelinkBlocked        = "RELINK_BLOCKED_HYSTERESIS"
	RuleRelinkAllowed        = "RELINK_ALLOWED"
)

// SourceInput is the normalized view of one SourceProduct the resolver
// operates over; Resolve builds it (buildInput) from the loaded
// db.SourceProduct + normalize.*.
type SourceInput struct {
	SourceProductID uint
	SourceID        string

	Title     string
	BrandNorm string

	CaliberNorm string
	GrainWeight int
	HasGrain    bool
	PackCount   int
	HasPack     bool
	LoadType    string
	ShellLength string

	UPCNorm  string
	HasUPC   bool

	TitleSignature string

	AliasApplied bool
	AliasID      string

	NormalizationErrors []string
}

// Result is the resolver's full decision.
type Result struct {
	ProductID       *uint
	MatchType       MatchType
	Status          LinkStatus
	ReasonCode      ReasonCode
	Confidence      float64
	ResolverVersion string
	Evidence        Evidence
	SourceKind      string
	Skipped         bool
	IsRelink        bool
	RelinkBlocked   bool
	CreatedProduct  bool
}
