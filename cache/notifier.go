package cache

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"ironscout.dev/feedcore/db"
)

// WireInvalidation starts two db.Listener instances, one per invalidation
// channel, and routes their events into trust and alias. Both listeners
// reconnect indefinitely on their own (db.Listener's job); callers just
// need to keep the returned stop function around for graceful shutdown.
func WireInvalidation(pool *pgxpool.Pool, trust *TrustCache, alias *AliasCache) (stop func(), err error) {
	trustListener := db.NewListener(pool, db.ChannelTrustConfigChanged)
	trustListener.OnEvent(func(event db.InvalidationEvent) {
		if event.SourceID != "" {
			trust.Invalidate(event.SourceID)
		}
	})

	aliasListener := db.NewListener(pool, db.ChannelBrandAliasChanged)
	aliasListener.OnEvent(func(event db.InvalidationEvent) {
		_ = alias.Rebuild()
	})

	if err := trustListener.Start(); err != nil {
		return nil, err
	}
	if err := aliasListener.Start(); err != nil {
		trustListener.Stop()
		return nil, err
	}

	return func() {
		trustListener.Stop()
		aliasListener.Stop()
	}, nil
}
