package engine

import (
	"context"
	"fmt"
	"regexp"

	"notify.dev/pkg/notify/identity"
	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/notify/store"
	"notify.dev/pkg/telemetry/chk"
)

// recapNotificationsPattern recognizes a recap-style registration statement
// (spec §4.1 "is_registered"), e.g. ReCaps embed an encoded
// `"manage": "...notifications"` ability rather than the plain-language
// statement PrepareRegistration composes.
var recapNotificationsPattern = regexp.MustCompile(`'manage':\s*'[^']*notifications[^']*'`)

// expectedStatements returns the statement texts PrepareRegistration would
// currently compose for domain, in both its this-domain-only and all-apps
// forms — the caller doesn't know which flag produced the recorded
// statement, so either counts as current.
func expectedStatements(domain string) [2]string {
	return [2]string{
		"I further authorize this app to send me notifications for " + domain + ".",
		"I further authorize this app to send me notifications for any app.",
	}
}

// PrepareRegistration implements spec §4.1 "Identity registration": compose
// the CAIP-122 statement the user's wallet must sign.
func (e *Engine) PrepareRegistration(
	ctx context.Context, account ids.Account, domain string, allApps bool,
) (identity.CACAOPayload, string, error) {
	if err := e.requireInitialized(); err != nil {
		return identity.CACAOPayload{}, "", err
	}
	return e.deps.Identity.PrepareRegistration(ctx, account, domain, allApps)
}

// CompleteRegistration submits the wallet-signed CACAO payload, caches the
// returned identity key, and records the statement used for staleness
// detection (spec §4.1). It refuses to run over an existing stale statement
// (spec §4.1: "A stale state blocks further register calls until unregister
// clears it").
func (e *Engine) CompleteRegistration(
	ctx context.Context, account ids.Account, payload identity.CACAOPayload, signature string,
) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	if _, ok, err := e.deps.Registrations.Get(ctx, account.String()); chk.E(err) {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	} else if ok {
		stale, err := e.IsRegistrationStale(ctx, account, payload.Domain)
		if err != nil {
			return err
		}
		if stale {
			return ErrStaleStatement
		}
	}

	identityPub, err := e.deps.Identity.RegisterIdentity(ctx, account, payload, signature)
	if chk.E(err) {
		return fmt.Errorf("%w: %v", ErrNotRegistered, err)
	}

	e.identityMu.Lock()
	e.identityPub[account.String()] = identityPub
	e.identityMu.Unlock()

	stmt := store.RegistrationStatement{
		Account:   account.String(),
		Domain:    payload.Domain,
		Statement: payload.Statement,
	}
	if err = e.deps.Registrations.Put(ctx, stmt); chk.E(err) {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

// IsRegistered delegates to the identity service (spec §4.1).
func (e *Engine) IsRegistered(ctx context.Context, account ids.Account) bool {
	return e.deps.Identity.IsRegistered(ctx, account)
}

// IsRegistrationStale reports whether the account's cached registration
// statement no longer authorizes domain (spec §4.1 "is_registered"): true
// unless a RegistrationStatement exists, its domain matches, and its
// statement text either matches what PrepareRegistration currently composes
// for that domain or is a recognized recap-style statement.
func (e *Engine) IsRegistrationStale(ctx context.Context, account ids.Account, domain string) (bool, error) {
	stmt, ok, err := e.deps.Registrations.Get(ctx, account.String())
	if chk.E(err) {
		return false, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if !ok || stmt.Domain != domain {
		return true, nil
	}
	expected := expectedStatements(domain)
	if stmt.Statement == expected[0] || stmt.Statement == expected[1] {
		return false, nil
	}
	if recapNotificationsPattern.MatchString(stmt.Statement) {
		return false, nil
	}
	return true, nil
}

// Unregister implements spec §4.1 "unregister": removes the identity key
// from the keyserver, the local cache, and the recorded statement.
func (e *Engine) Unregister(ctx context.Context, account ids.Account) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	if err := e.deps.Identity.UnregisterIdentity(ctx, account); chk.E(err) {
		return fmt.Errorf("%w: %v", ErrNotRegistered, err)
	}
	e.identityMu.Lock()
	delete(e.identityPub, account.String())
	e.identityMu.Unlock()
	chk.W(e.deps.Registrations.Delete(ctx, account.String()))
	return nil
}
