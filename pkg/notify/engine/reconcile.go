package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"notify.dev/pkg/notify/events"
	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/store"
	"notify.dev/pkg/telemetry/chk"
	"notify.dev/pkg/telemetry/log"
)

// reconcile applies a server-authoritative sbs list (spec §4.2). It is the
// only writer of Subscription entries; re-applying the same list is a
// no-op (idempotent).
func (e *Engine) reconcile(ctx context.Context, sub string, sbs []jwtauth.ScopedSub) ([]store.Subscription, error) {
	newTopics := make(map[string]bool, len(sbs))
	for _, s := range sbs {
		symKey, err := hex.DecodeString(s.SymKey)
		if chk.W(err) {
			continue
		}
		newTopics[e.deps.Crypto.Topic(symKey)] = true
	}

	existing, err := e.deps.Subs.ListByAccount(ctx, sub)
	if chk.E(err) {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	for _, old := range existing {
		if newTopics[old.Topic] {
			continue
		}
		chk.W(e.deps.Transport.Unsubscribe(ctx, old.Topic))
		if err = e.deps.Subs.Delete(ctx, old.Topic); chk.E(err) {
			return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
		if err = e.deps.Messages.DeleteBucket(ctx, old.Topic); chk.E(err) {
			return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
	}

	// Per-entry failures are isolated (spec §4.2 "settle-all semantics"):
	// one entry's lazy config fetch timing out must not abort the pass.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range sbs {
		s := s
		g.Go(func() error {
			if err := e.reconcileOne(gctx, sub, s); err != nil {
				log.W.F("engine: reconcile entry %s/%s failed: %v", sub, s.AppDomain, err)
			}
			return nil
		})
	}
	_ = g.Wait() // errors are logged per-entry above, never propagated (settle-all)

	result, err := e.deps.Subs.ListByAccount(ctx, sub)
	if chk.E(err) {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	e.bus.Emit(events.Event{Kind: events.KindSubscriptionsChanged, Data: result})
	return result, nil
}

func (e *Engine) reconcileOne(ctx context.Context, account string, s jwtauth.ScopedSub) error {
	symKey, err := hex.DecodeString(s.SymKey)
	if chk.E(err) {
		return err
	}
	topic := e.deps.Crypto.Topic(symKey)

	cfg, cfgErr := e.deps.Config.Fetch(ctx, e.deps.ProjectID, s.AppDomain)
	if chk.D(cfgErr) {
		// tolerated: metadata falls back to the raw domain (spec §7 taxonomy).
		cfg = store.NotifyConfig{Name: s.AppDomain}
	}

	scopeMap := buildScopeMap(cfg, s.Scope)

	existing, _, err := e.deps.Subs.Get(ctx, topic)
	if chk.E(err) {
		return err
	}

	// sbs carries no signing key of its own (spec §3 ScopedSub); the dapp's
	// identity key for verifying notify_message/subscriptions_changed and
	// every response on this topic comes from the same DID document
	// resolveDappKeys already fetches and caches for subscribe.
	appAuthKey := existing.AppAuthenticationKey
	if keys, keysErr := e.resolveDappKeys(ctx, s.AppDomain); keysErr == nil {
		appAuthKey = keys.DappIdentityDid
	} else {
		log.W.F("engine: resolve dapp keys for %s failed, keeping cached key: %v", s.AppDomain, keysErr)
	}

	subscription := store.Subscription{
		Topic:                topic,
		Account:              account,
		AppDomain:            s.AppDomain,
		AppAuthenticationKey: appAuthKey,
		ScopeMap:             scopeMap,
		SymKey:               symKey,
		Expiry:               s.Expiry,
		Metadata:             cfg,
		UnreadCount:          existing.UnreadCount,
	}
	if err = e.deps.Subs.Upsert(ctx, subscription); chk.E(err) {
		return err
	}
	if err = e.deps.Transport.Subscribe(ctx, topic); chk.E(err) {
		return err
	}
	return e.deps.Messages.EnsureBucket(ctx, topic)
}

func buildScopeMap(cfg store.NotifyConfig, scope string) map[string]store.ScopeEntry {
	enabled := make(map[string]bool)
	for _, id := range strings.Fields(scope) {
		enabled[id] = true
	}
	out := make(map[string]store.ScopeEntry, len(cfg.NotificationTypes))
	for _, nt := range cfg.NotificationTypes {
		out[nt.ID] = store.ScopeEntry{
			ID:          nt.ID,
			Name:        nt.Name,
			Description: nt.Description,
			Enabled:     enabled[nt.ID],
			ImageURLs:   nt.ImageURLs,
		}
	}
	return out
}
