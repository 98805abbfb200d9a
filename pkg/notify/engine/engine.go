// Package engine is the Notify protocol engine: the state machine driving
// JWT-authorized subscribe/update/delete/watch/mark_read/get_history flows,
// subscription reconciliation, identity lifecycle and the watch reconnect
// policy (spec §1, §4). Generalized from the teacher's NWC wallet-service
// request/response loop (pkg/protocol/nwc/wallet_service.go) to this
// protocol's topic/JWT shape, with the duck-typed "wallet vs dapp client"
// switch replaced by two fixed roles chosen at construction (spec §9).
package engine

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"notify.dev/pkg/notify/configsvc"
	"notify.dev/pkg/notify/cryptosvc"
	"notify.dev/pkg/notify/events"
	"notify.dev/pkg/notify/identity"
	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/notify/store"
	"notify.dev/pkg/telemetry/chk"
	"notify.dev/pkg/telemetry/log"
)

// Role fixes an Engine's protocol side at construction (spec §9 Design
// Notes, replacing a duck-typed client switch).
type Role int

const (
	RoleWallet Role = iota
	RoleDapp
)

// pendingRequest is the PendingRequest correlation record (spec §3), held
// until a matching relay response arrives or the request times out. Every
// response — whether on an already-shared subscription topic
// (update/delete/mark_read/get_history) or a fresh response topic
// (subscribe/watch) — travels back as a Type0 envelope under TopicKey: a
// subscribe/watch response topic is itself derived from the symmetric key
// SealType1 produced, so the engine never needs a separate topic->key side
// table (spec §6).
type pendingRequest struct {
	Topic    string
	Act      jwtauth.Act
	Signer   ed25519.PublicKey
	TopicKey []byte
	Result   chan pendingResult
}

type pendingResult struct {
	Claims any
	Err    error
}

// Deps bundles every external collaborator the engine consumes (spec §1,
// §6); each field is a narrow interface with one default adapter shipped
// elsewhere in this module.
type Deps struct {
	Transport    relay.Transport
	Crypto       cryptosvc.Service
	Identity     identity.Service
	Subs         store.SubscriptionStore
	Messages     store.MessageStore
	Registrations store.RegistrationStore
	Watch        store.WatchStore
	Config       configsvc.Fetcher
	Clock        Clock

	KeyserverURL    string
	NotifyServerURL string
	ProjectID       string

	// NotifyServerPublicKey and NotifyServerIdentityDid describe the
	// well-known notify server the watch channel talks to; a real
	// deployment resolves these the same way a dapp's keys are resolved
	// (see didResolver), but the notify server's identity is fixed
	// out-of-band per the canonical constants (spec §6).
	NotifyServerPublicKey  []byte
	NotifyServerIdentityDid string
}

// Engine is the Notify protocol state machine. All mutable state is either
// touched only from the single command-loop goroutine (run), or is a
// concurrency-safe structure (xsync maps, atomics) safe to read from
// callers without going through the loop.
type Engine struct {
	role Role
	deps Deps

	identityPub  map[string][]byte // account -> identity pub, cache mirrored from identity.Service
	identityMu   sync.Mutex
	dappKeyCache *xsync.MapOf[string, resolvedKeys]
	didResolver  *didResolver
	pending      *xsync.MapOf[string, *pendingRequest]

	bus *events.Bus

	initialized            atomic.Bool
	hasFinishedInitialLoad atomic.Bool
	tornDown               atomic.Bool

	lastDisconnectAtMs  atomic.Int64
	lastWatchIssuedAtMs atomic.Int64
	lastErr             atomic.Error

	cmdCh   chan func()
	closeCh chan struct{}
}

// LastError returns the most recent error observed on a watch cycle (spec
// §3 "Engine exposes a LastError() error accessor per watch cycle"), so a
// caller not wired to the event bus can still poll reconnect health.
func (e *Engine) LastError() error { return e.lastErr.Load() }

// NewWalletEngine constructs an Engine acting as the wallet side of the
// protocol (the role this module fully implements; spec §1 scope).
func NewWalletEngine(deps Deps) *Engine { return newEngine(RoleWallet, deps) }

// NewDappEngine constructs an Engine acting as the dapp side. Sharing the
// envelope pipeline and JWT builder with the wallet role but not the
// subscribe/watch operation set (spec §9 Design Notes).
func NewDappEngine(deps Deps) *Engine { return newEngine(RoleDapp, deps) }

func newEngine(role Role, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	return &Engine{
		role:         role,
		deps:         deps,
		identityPub:  make(map[string][]byte),
		dappKeyCache: xsync.NewMapOf[string, resolvedKeys](),
		didResolver:  newDidResolver(),
		pending:      xsync.NewMapOf[string, *pendingRequest](),
		bus:          events.NewBus(),
		cmdCh:        make(chan func()),
		closeCh:      make(chan struct{}),
	}
}

// Events returns the caller-registrable event bus (spec §6 "Event delivery
// mechanism").
func (e *Engine) Events() *events.Bus { return e.bus }

// HasFinishedInitialLoad reports whether the initial watch-subscriptions
// round trip (or its absence) has settled (spec §4.1).
func (e *Engine) HasFinishedInitialLoad() bool { return e.hasFinishedInitialLoad.Load() }

// Init brings the engine from Uninitialized to Initialized: starts the
// command loop, wires relay hooks, and (if a WatchedAccount has
// last_watched = true and its identity resolves) issues the initial watch
// request (spec §4.1).
func (e *Engine) Init(ctx context.Context) error {
	if e.initialized.Swap(true) {
		return nil // idempotent
	}
	go e.run()

	e.deps.Transport.OnConnect(func() { e.onConnect() })
	e.deps.Transport.OnDisconnect(func() { e.onDisconnect() })

	if err := e.deps.Transport.Connect(ctx); chk.E(err) {
		return fmt.Errorf("engine: connect: %w", err)
	}

	// The lookup/decision runs serialized on the command loop; issueWatch's
	// blocking request/response round trip does not, since it must leave
	// run() free to deliver the correlated response (see runSync doc).
	var toWatch *store.WatchedAccount
	err := e.runSync(ctx, func(ctx context.Context) error {
		wa, ok, err := e.deps.Watch.LastWatched(ctx)
		if chk.E(err) || !ok {
			return nil
		}
		if _, err = e.identityFor(ctx, wa.Account); err != nil {
			log.W.F("engine: initial watch skipped, no identity for %s: %v", wa.Account, err)
			return nil
		}
		toWatch = &wa
		return nil
	})
	if err != nil {
		e.hasFinishedInitialLoad.Store(true)
		return err
	}
	if toWatch == nil {
		e.hasFinishedInitialLoad.Store(true)
		return nil
	}
	if err = e.issueWatch(ctx, *toWatch); chk.W(err) {
		e.lastErr.Store(err)
	}
	e.hasFinishedInitialLoad.Store(true)
	return nil
}

// run is the single goroutine that serializes every state mutation (spec
// §5: "no two operations observe each other mid-mutation", enforced without
// a mutex).
func (e *Engine) run() {
	for {
		select {
		case <-e.closeCh:
			return
		case job := <-e.cmdCh:
			job()
		case msg := <-e.deps.Transport.Messages():
			e.handleInbound(context.Background(), msg)
		}
	}
}

// runSync posts fn to the command loop and blocks for its completion, so
// fn's store reads and writes are serialized with every other mutation on
// run. fn must not wait on a relay response: run is what delivers it, so
// such waits (awaitResponse) happen on the caller's goroutine instead (see
// DESIGN.md for the tradeoff).
func (e *Engine) runSync(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.tornDown.Load() {
		return fmt.Errorf("engine: torn down")
	}
	done := make(chan error, 1)
	job := func() { done <- fn(ctx) }
	select {
	case e.cmdCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closeCh:
		return fmt.Errorf("engine: torn down")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requireInitialized enforces spec §4.1 "All public operations fail with
// NotInitialized before init completes."
func (e *Engine) requireInitialized() error {
	if !e.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// Teardown stops the command loop and disconnects the transport.
func (e *Engine) Teardown(ctx context.Context) error {
	if e.tornDown.Swap(true) {
		return nil
	}
	close(e.closeCh)
	return e.deps.Transport.Disconnect(ctx)
}
