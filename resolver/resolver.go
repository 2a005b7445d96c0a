package resolver

import (
	"context"
	"encoding/json"
	"fmt"

	"ironscout.dev/feedcore/cache"
	"ironscout.dev/feedcore/db"
	"ironscout.dev/feedcore/normalize"
)

// Deps bundles every dependency Resolve needs. All fields are required;
// Resolver is constructed once at startup and shared across worker
// goroutines (every method here is read-only against its deps).
type Deps struct {
	SourceProducts SourceProductReader
	Links          LinkReader
	Products       ProductReader
	AliasWalker    AliasWalker
	Trust          *cache.TrustCache
	Aliases        *cache.AliasCache

	DictionaryVersion string
	ResolverVersion   string
}

// The three interfaces below are the exact subset of db/repository's
// interfaces the resolver reads; declared locally (not reusing
// repository.FooRepository directly) so this package stays buildable
// without importing db/repository, avoiding an import cycle
// (db/repository depends on cache, which the resolver also depends on).
type SourceProductReader interface {
	GetSourceProduct(ctx context.Context, id uint) (*db.SourceProduct, error)
}

type LinkReader interface {
	GetLinkBySourceProduct(ctx context.Context, sourceProductID uint) (*db.ProductLink, error)
}

type ProductReader interface {
	GetProductByCanonicalKey(ctx context.Context, canonicalKey string) (*db.Product, error)
	CreateProduct(ctx context.Context, product *db.Product) (created bool, err error)
	ListCandidates(ctx context.Context, brandNorm, caliberNorm string, limit int) ([]db.Product, error)
}

// Resolver implements the deterministic source-product-to-canonical-product
// matching function.
type Resolver struct {
	deps Deps
}

// New constructs a Resolver over deps.
func New(deps Deps) *Resolver {
	return &Resolver{deps: deps}
}

// Resolve is the resolver's full contract: fixed-priority decision list,
// terminating either in a MATCHED/CREATED/NEEDS_REVIEW Result or an ERROR
// Result with evidence.systemError set. Dependency lookup failures (from
// Deps's repositories) propagate as a Go error; resolver-internal problems
// are folded into an ERROR Result instead.
func (r *Resolver) Resolve(ctx context.Context, sourceProductID uint, trigger Trigger) (Result, error) {
	evidence := Evidence{
		DictionaryVersion: r.deps.DictionaryVersion,
		WeightsVersion:    WeightsVersion,
		RulesFired:        []string{},
	}

	sp, err := r.deps.SourceProducts.GetSourceProduct(ctx, sourceProductID)
	if err != nil {
		return r.sourceNotFound(evidence), nil
	}

	existingLink, err := r.deps.Links.GetLinkBySourceProduct(ctx, sourceProductID)
	if err != nil {
		return Result{}, fmt.Errorf("load existing link: %w", err)
	}

	// Rule 2: an existing MANUAL link is never touched by the resolver.
	if existingLink != nil && existingLink.MatchType == db.MatchTypeManual {
		evidence.RulesFired = append(evidence.RulesFired, RuleManualLocked)
		return Result{
			ProductID:       existingLink.ProductID,
			MatchType:       existingLink.MatchType,
			Status:          existingLink.Status,
			ReasonCode:      db.ReasonManualLocked,
			Confidence:      existingLink.Confidence,
			ResolverVersion: r.deps.ResolverVersion,
			Evidence:        evidence,
			SourceKind:      sourceKind(sp),
			Skipped:         true,
			RelinkBlocked:   true,
		}, nil
	}

	in := r.buildInput(sp)
	trust := r.deps.Trust.Get(sp.SourceID)
	evidence.TrustConfigVersion = trust.Version
	evidence.InputNormalized = InputNormalized{
		Title:             in.Title,
		BrandNorm:         in.BrandNorm,
		CaliberNorm:       in.CaliberNorm,
		UPCNorm:           in.UPCNorm,
		BrandAliasApplied: in.AliasApplied,
		BrandAliasID:      in.AliasID,
	}
	evidence.InputHash = ComputeInputHash(evidence.InputNormalized, r.deps.DictionaryVersion, trust.Version)
	evidence.NormalizationErrors = in.NormalizationErrors

	// Rule 3: idempotent rerun skip.
	if existingLink != nil && sameInputHash(existingLink.Evidence, evidence.InputHash) {
		evidence.RulesFired = append(evidence.RulesFired, RuleInputHashSkip)
		return Result{
			ProductID:       existingLink.ProductID,
			MatchType:       existingLink.MatchType,
			Status:          existingLink.Status,
			ReasonCode:      existingLink.ReasonCode,
			Confidence:      existingLink.Confidence,
			ResolverVersion: r.deps.ResolverVersion,
			Evidence:        evidence,
			SourceKind:      sourceKind(sp),
			Skipped:         true,
		}, nil
	}

	decision, err := r.decide(ctx, in, trust, &evidence)
	if err != nil {
		return Result{}, err
	}

	decision.ResolverVersion = r.deps.ResolverVersion
	decision.SourceKind = sourceKind(sp)

	if decision.Status == db.LinkMatched || decision.Status == db.LinkCreated {
		finalID, aerr := walkAlias(ctx, r.deps.AliasWalker, *decision.ProductID, &evidence)
		if aerr != nil {
			return Result{}, aerr
		}
		decision.ProductID = &finalID
		decision.Evidence = evidence

		decision = r.applyRelinkHysteresis(existingLink, decision)
	} else {
		decision.Evidence = evidence
	}

	return decision, nil
}

// sourceKind returns the bounded pipeline bucket for metric labels; never
// the raw source id.
func sourceKind(sp *db.SourceProduct) string {
	switch sp.Kind {
	case db.SourceKindAffiliate, db.SourceKindRetailer:
		return string(sp.Kind)
	default:
		return string(db.SourceKindUnknown)
	}
}

func (r *Resolver) sourceNotFound(evidence Evidence) Result {
	evidence.RulesFired = append(evidence.RulesFired, RuleSourceNotFound)
	return Result{
		Status:          db.LinkError,
		ReasonCode:      db.ReasonSourceNotFound,
		ResolverVersion: r.deps.ResolverVersion,
		Evidence:        evidence,
	}
}

// buildInput runs the normalizer extraction functions over the raw
// SourceProduct fields.
func (r *Resolver) buildInput(sp *db.SourceProduct) SourceInput {
	in := SourceInput{
		SourceProductID: sp.ID,
		SourceID:        sp.SourceID,
		Title:           normalize.NormalizeTitle(sp.Title),
		TitleSignature:  normalize.TitleSignature(sp.Title),
	}

	brandNorm, aliasApplied, aliasID := normalize.NormalizeBrand(sp.Brand, r.deps.Aliases)
	in.BrandNorm = brandNorm
	in.AliasApplied = aliasApplied
	in.AliasID = aliasID

	if sp.Caliber != "" {
		in.CaliberNorm = sp.Caliber
	} else if caliber, ok := normalize.ExtractCaliber(sp.Title, "", sp.URL); ok {
		in.CaliberNorm = caliber
	}

	if sp.GrainWeight != nil {
		in.GrainWeight, in.HasGrain = *sp.GrainWeight, true
	} else if grain, ok := normalize.ExtractGrainWeight(sp.Title, "", sp.URL); ok {
		in.GrainWeight, in.HasGrain = grain, true
	}

	if sp.RoundCount != nil {
		in.PackCount, in.HasPack = *sp.RoundCount, true
	} else if count, ok := normalize.ExtractRoundCount(sp.Title, "", sp.URL); ok {
		in.PackCount, in.HasPack = count, true
	}

	for _, id := range sp.Identifiers {
		if id.Kind == db.IdentifierUPC {
			if norm, ok := normalize.NormalizeUPC(id.Value); ok {
				in.UPCNorm, in.HasUPC = norm, true
			}
			break
		}
	}

	if normalize.IsShotgunGauge(in.CaliberNorm) {
		shotSize, _ := normalize.ExtractShotSize(sp.Title, "", sp.URL)
		slugWeight, _ := normalize.ExtractSlugWeight(sp.Title, "", sp.URL)
		if loadType, ok := normalize.DeriveShotgunLoadType(sp.Title, shotSize, slugWeight); ok {
			in.LoadType = loadType
		}
		if shellLength, ok := normalize.ExtractShellLength(sp.Title, "", sp.URL); ok {
			in.ShellLength = shellLength
		}
	}

	return in
}

// decide runs the UPC path, the identity-key path, the minimum-fields
// guard, and the fuzzy fallback, in that order.
func (r *Resolver) decide(ctx context.Context, in SourceInput, trust cache.TrustEntry, evidence *Evidence) (Result, error) {
	// Rule 4: UPC path.
	if in.HasUPC {
		evidence.RulesFired = append(evidence.RulesFired, RuleUPCMatchAttempted)
		if trust.UPCTrusted {
			canonicalKey := "UPC:" + in.UPCNorm
			return r.matchOrCreate(ctx, canonicalKey, db.MatchTypeUPC, 0.95, 1.0, in, evidence)
		}
		evidence.RulesFired = append(evidence.RulesFired, RuleUPCNotTrusted)
	}

	// Rule 5: identity-key-first fingerprint.
	fp := normalize.Fingerprint{
		BrandNorm:      in.BrandNorm,
		CaliberNorm:    in.CaliberNorm,
		PackCount:      in.PackCount,
		HasPackCount:   in.HasPack,
		LoadType:       in.LoadType,
		ShellLength:    in.ShellLength,
		Grain:          in.GrainWeight,
		HasGrain:       in.HasGrain,
		TitleSignature: in.TitleSignature,
	}
	if identityKey, ok := normalize.IdentityKey(fp); ok {
		evidence.InputNormalized.IdentityKey = identityKey
		return r.matchOrCreateIdentity(ctx, identityKey, in, evidence)
	}

	// Rule 7 guard, checked before rule 6 since fuzzy retrieval needs both
	// fields to even form a query.
	if in.BrandNorm == "" || in.CaliberNorm == "" {
		evidence.RulesFired = append(evidence.RulesFired, RuleInsufficientData)
		return Result{Status: db.LinkNeedsReview, ReasonCode: db.ReasonInsufficientData}, nil
	}

	// Rule 6: fuzzy fingerprint fallback.
	return r.fuzzyFallback(ctx, in, evidence)
}

func (r *Resolver) matchOrCreate(ctx context.Context, canonicalKey string, matchType db.MatchType, confidence, createConfidence float64, in SourceInput, evidence *Evidence) (Result, error) {
	existing, err := r.deps.Products.GetProductByCanonicalKey(ctx, canonicalKey)
	if err == nil && existing != nil {
		return Result{
			ProductID:  &existing.ID,
			MatchType:  matchType,
			Status:     db.LinkMatched,
			Confidence: confidence,
		}, nil
	}

	product := r.newProductFromInput(canonicalKey, in)
	created, cerr := r.deps.Products.CreateProduct(ctx, product)
	if cerr != nil {
		return Result{}, fmt.Errorf("create product %s: %w", canonicalKey, cerr)
	}
	if created {
		return Result{
			ProductID:      &product.ID,
			MatchType:      matchType,
			Status:         db.LinkCreated,
			Confidence:     createConfidence,
			CreatedProduct: true,
		}, nil
	}

	// Lost the race: re-read the winner.
	evidence.RulesFired = append(evidence.RulesFired, RuleProductRaceRetry)
	winner, werr := r.deps.Products.GetProductByCanonicalKey(ctx, canonicalKey)
	if werr != nil {
		return Result{}, fmt.Errorf("re-read product %s after race: %w", canonicalKey, werr)
	}
	return Result{
		ProductID:  &winner.ID,
		MatchType:  matchType,
		Status:     db.LinkMatched,
		Confidence: confidence,
	}, nil
}

func (r *Resolver) matchOrCreateIdentity(ctx context.Context, identityKey string, in SourceInput, evidence *Evidence) (Result, error) {
	result, err := r.matchOrCreate(ctx, identityKey, db.MatchTypeFingerprint, 1.0, 1.0, in, evidence)
	if err != nil {
		return result, err
	}
	if result.Status == db.LinkCreated {
		evidence.RulesFired = append(evidence.RulesFired, RuleIdentityKeyCreated)
	} else {
		evidence.RulesFired = append(evidence.RulesFired, RuleIdentityKeyMatched)
	}
	return result, nil
}

func (r *Resolver) fuzzyFallback(ctx context.Context, in SourceInput, evidence *Evidence) (Result, error) {
	candidates, err := r.deps.Products.ListCandidates(ctx, in.BrandNorm, in.CaliberNorm, maxCandidates+1)
	if err != nil {
		return Result{}, fmt.Errorf("list fuzzy candidates: %w", err)
	}

	if len(candidates) > maxCandidates {
		evidence.RulesFired = append(evidence.RulesFired, RuleCandidateOverflow)
		return Result{Status: db.LinkNeedsReview, ReasonCode: db.ReasonAmbiguousFingerprint}, nil
	}

	ranked := rankCandidates(in, candidates)
	evidence.Candidates = ranked

	if len(ranked) == 0 {
		fp := normalize.Fingerprint{
			BrandNorm: in.BrandNorm, CaliberNorm: in.CaliberNorm,
			PackCount: in.PackCount, HasPackCount: in.HasPack,
			Grain: in.GrainWeight, HasGrain: in.HasGrain,
			TitleSignature: in.TitleSignature, LoadType: in.LoadType, ShellLength: in.ShellLength,
		}
		if identityKey, ok := normalize.IdentityKey(fp); ok {
			evidence.InputNormalized.IdentityKey = identityKey
			evidence.RulesFired = append(evidence.RulesFired, RuleFuzzyCreated)
			product := r.newProductFromInput(identityKey, in)
			created, cerr := r.deps.Products.CreateProduct(ctx, product)
			if cerr != nil {
				return Result{}, fmt.Errorf("create fuzzy-fallback product: %w", cerr)
			}
			if created {
				return Result{ProductID: &product.ID, MatchType: db.MatchTypeFingerprint, Status: db.LinkCreated, Confidence: 1.0, CreatedProduct: true}, nil
			}
		}
		evidence.RulesFired = append(evidence.RulesFired, RuleInsufficientData)
		return Result{Status: db.LinkNeedsReview, ReasonCode: db.ReasonInsufficientData}, nil
	}

	if isAmbiguous(ranked) {
		evidence.RulesFired = append(evidence.RulesFired, RuleFuzzyAmbiguous)
		return Result{Status: db.LinkNeedsReview, ReasonCode: db.ReasonAmbiguousFingerprint}, nil
	}

	evidence.RulesFired = append(evidence.RulesFired, RuleFuzzyMatched)
	best := ranked[0]
	return Result{
		ProductID:  &best.ProductID,
		MatchType:  db.MatchTypeFingerprint,
		Status:     db.LinkMatched,
		Confidence: best.Score,
	}, nil
}

func (r *Resolver) newProductFromInput(canonicalKey string, in SourceInput) *db.Product {
	product := &db.Product{
		CanonicalKey: canonicalKey,
		Name:         in.Title,
		Brand:        in.BrandNorm,
		BrandNorm:    in.BrandNorm,
		Caliber:      in.CaliberNorm,
		CaliberNorm:  in.CaliberNorm,
		UPCNorm:      in.UPCNorm,
	}
	if in.HasGrain {
		grain := in.GrainWeight
		product.GrainWeight = &grain
	}
	if in.HasPack {
		pack := in.PackCount
		product.RoundCount = &pack
	}
	return product
}

// applyRelinkHysteresis: a new decision that would
// move a SourceProduct to a different product than its existing link is
// only honored if the new match is strictly stronger, or confidently
// better by +0.10.
func (r *Resolver) applyRelinkHysteresis(existing *db.ProductLink, decision Result) Result {
	if existing == nil || existing.ProductID == nil || decision.ProductID == nil {
		return decision
	}
	if *existing.ProductID == *decision.ProductID {
		return decision
	}

	decision.IsRelink = true
	decision.Evidence.PreviousDecision = &PreviousDecision{
		ProductID:  *existing.ProductID,
		MatchType:  existing.MatchType,
		Confidence: existing.Confidence,
	}
	strongerType := decision.MatchType.Strength() > existing.MatchType.Strength()
	muchMoreConfident := decision.Confidence >= existing.Confidence+0.10

	if strongerType || muchMoreConfident {
		decision.Evidence.RulesFired = append(decision.Evidence.RulesFired, RuleRelinkAllowed)
		return decision
	}

	decision.Evidence.RulesFired = append(decision.Evidence.RulesFired, RuleRelinkBlocked)
	decision.RelinkBlocked = true
	decision.ReasonCode = db.ReasonRelinkBlockedHysteresis
	decision.ProductID = existing.ProductID
	return decision
}

// sameInputHash reports whether a persisted link's evidence blob carries
// inputHash, tolerating malformed/legacy evidence by treating it as a
// non-match (never skip on ambiguous history).
func sameInputHash(rawEvidence []byte, inputHash string) bool {
	if len(rawEvidence) == 0 {
		return false
	}
	var decoded struct {
		InputHash string `json:"inputHash"`
	}
	if err := json.Unmarshal(rawEvidence, &decoded); err != nil {
		return false
	}
	return decoded.InputHash == inputHash
}

// MarshalEvidence truncates and encodes evidence for persistence, the
// worker's call just before ProductLinkRepository.UpsertLink.
func MarshalEvidence(e *Evidence) []byte {
	return e.Truncate()
}
