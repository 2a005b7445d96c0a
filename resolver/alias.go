package resolver

import (
	"context"
	"fmt"
)

// AliasWalker resolves a product through the product_aliases chain;
// db/repository.PostgresRepository.ResolveAlias satisfies it.
type AliasWalker interface {
	ResolveAlias(ctx context.Context, productID uint, maxDepth int) (finalID uint, hops int, err error)
}

// maxAliasDepth bounds the alias chain walk.
const maxAliasDepth = 10

// walkAlias follows productID through the alias chain. When at least one
// hop is taken it appends a single RuleAliasHop and records only the final
// product id in AliasHops; intermediate product ids on the chain are not
// recorded. It appends RuleAliasChainTooDeep whenever the walk fails,
// whether from exceeding maxAliasDepth, a cycle, or a lookup error.
func walkAlias(ctx context.Context, walker AliasWalker, productID uint, evidence *Evidence) (uint, error) {
	finalID, hops, err := walker.ResolveAlias(ctx, productID, maxAliasDepth)
	if err != nil {
		evidence.RulesFired = append(evidence.RulesFired, RuleAliasChainTooDeep)
		return 0, fmt.Errorf("resolve alias chain from product %d: %w", productID, err)
	}
	if hops > 0 {
		evidence.RulesFired = append(evidence.RulesFired, RuleAliasHop)
		evidence.AliasHops = append(evidence.AliasHops, finalID)
	}
	return finalID, nil
}
