package engine

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/telemetry/chk"
)

// identityFor resolves an account's identity public key, caching it
// in-process; this is a read-through cache over identity.Service.GetIdentity
// rather than a store — the private half never leaves the identity service
// (spec §5).
func (e *Engine) identityFor(ctx context.Context, account string) (ed25519.PublicKey, error) {
	e.identityMu.Lock()
	if cached, ok := e.identityPub[account]; ok {
		e.identityMu.Unlock()
		return ed25519.PublicKey(cached), nil
	}
	e.identityMu.Unlock()

	acc, err := ids.ParseAccount(account)
	if chk.E(err) {
		return nil, fmt.Errorf("%w: %v", ErrNotRegistered, err)
	}
	pub, err := e.deps.Identity.GetIdentity(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRegistered, err)
	}
	e.identityMu.Lock()
	e.identityPub[account] = pub
	e.identityMu.Unlock()
	return pub, nil
}

// resolveDappKeys is resolve_keys(dapp_url) cached per-domain, preferring
// the already-cached Subscription's app_authentication_key when one exists
// (spec §4.1 step 2's getCachedDappKey), else fetching the DID document.
func (e *Engine) resolveDappKeys(ctx context.Context, domain string) (resolvedKeys, error) {
	dappURL := "https://" + domain
	if domain == "localhost" || hasLocalhostPrefix(domain) {
		dappURL = "http://" + domain
	}
	if keys, ok := e.dappKeyCache.Load(domain); ok {
		return keys, nil
	}
	keys, err := e.didResolver.resolve(ctx, dappURL)
	if err != nil {
		return resolvedKeys{}, err
	}
	e.dappKeyCache.Store(domain, keys)
	return keys, nil
}

func hasLocalhostPrefix(domain string) bool {
	const p = "localhost"
	return len(domain) >= len(p) && domain[:len(p)] == p
}
