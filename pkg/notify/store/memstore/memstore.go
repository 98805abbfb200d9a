// Package memstore is the in-memory store.* adapter, built on
// github.com/puzpuzpuz/xsync/v3 concurrent maps (spec §1 "an in-memory
// adapter ... for tests and embedded use"), mirroring the teacher's
// xsync.MapOf-as-concurrent-table idiom (pkg/protocol/ws.Client.Subscriptions).
// Each capability interface gets its own concrete type, the way the
// teacher's pkg/interfaces/store composes store.I from narrow segregated
// pieces rather than one God object.
package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"notify.dev/pkg/notify/store"
)

// Subscriptions implements store.SubscriptionStore.
type Subscriptions struct {
	subs *xsync.MapOf[string, store.Subscription]
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{subs: xsync.NewMapOf[string, store.Subscription]()}
}

var _ store.SubscriptionStore = (*Subscriptions)(nil)

func (s *Subscriptions) Get(ctx context.Context, topic string) (store.Subscription, bool, error) {
	sub, ok := s.subs.Load(topic)
	return sub, ok, nil
}

func (s *Subscriptions) ListByAccount(ctx context.Context, account string) ([]store.Subscription, error) {
	var out []store.Subscription
	s.subs.Range(func(_ string, sub store.Subscription) bool {
		if sub.Account == account {
			out = append(out, sub)
		}
		return true
	})
	sortSubsByTopic(out)
	return out, nil
}

func (s *Subscriptions) ListAll(ctx context.Context) ([]store.Subscription, error) {
	var out []store.Subscription
	s.subs.Range(func(_ string, sub store.Subscription) bool {
		out = append(out, sub)
		return true
	})
	sortSubsByTopic(out)
	return out, nil
}

func sortSubsByTopic(subs []store.Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].Topic < subs[j].Topic })
}

func (s *Subscriptions) Upsert(ctx context.Context, sub store.Subscription) error {
	s.subs.Store(sub.Topic, sub)
	return nil
}

func (s *Subscriptions) Delete(ctx context.Context, topic string) error {
	s.subs.Delete(topic)
	return nil
}

// adjustUnread is consulted by Messages.MarkRead, which needs to mutate the
// owning Subscription's UnreadCount; the two types are wired together at
// construction (see NewMessages).
func (s *Subscriptions) adjustUnread(topic string, delta int, zero bool) error {
	sub, ok := s.subs.Load(topic)
	if !ok {
		return fmt.Errorf("memstore: no subscription at topic %s", topic)
	}
	if zero {
		sub.UnreadCount = 0
	} else {
		sub.UnreadCount += delta
		if sub.UnreadCount < 0 {
			sub.UnreadCount = 0
		}
	}
	s.subs.Store(topic, sub)
	return nil
}

// Messages implements store.MessageStore.
type Messages struct {
	buckets *xsync.MapOf[string, *xsync.MapOf[string, store.MessageRecord]]
	subs    *Subscriptions
}

func NewMessages(subs *Subscriptions) *Messages {
	return &Messages{
		buckets: xsync.NewMapOf[string, *xsync.MapOf[string, store.MessageRecord]](),
		subs:    subs,
	}
}

var _ store.MessageStore = (*Messages)(nil)

func (m *Messages) EnsureBucket(ctx context.Context, topic string) error {
	m.buckets.LoadOrStore(topic, xsync.NewMapOf[string, store.MessageRecord]())
	return nil
}

func (m *Messages) Insert(ctx context.Context, topic string, rec store.MessageRecord) (bool, error) {
	bucket, _ := m.buckets.LoadOrStore(topic, xsync.NewMapOf[string, store.MessageRecord]())
	var duplicate bool
	bucket.Range(func(_ string, existing store.MessageRecord) bool {
		if existing.Message.ID == rec.Message.ID {
			duplicate = true
			return false
		}
		return true
	})
	if duplicate {
		return false, nil
	}
	bucket.Store(rec.ID, rec)
	return true, nil
}

func (m *Messages) List(
	ctx context.Context, topic string, limit int, after string,
) ([]store.MessageRecord, bool, error) {
	bucket, ok := m.buckets.Load(topic)
	if !ok {
		return nil, false, nil
	}
	var recs []store.MessageRecord
	bucket.Range(func(_ string, rec store.MessageRecord) bool {
		recs = append(recs, rec)
		return true
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i].PublishedAt > recs[j].PublishedAt })

	start := 0
	if after != "" {
		for i, r := range recs {
			if r.ID == after {
				start = i + 1
				break
			}
		}
	}
	if start >= len(recs) {
		return nil, false, nil
	}
	end := len(recs)
	hasMore := false
	if limit > 0 && start+limit < end {
		end = start + limit
		hasMore = true
	}
	return recs[start:end], hasMore, nil
}

func (m *Messages) DeleteBucket(ctx context.Context, topic string) error {
	m.buckets.Delete(topic)
	return nil
}

func (m *Messages) MarkRead(ctx context.Context, topic string, ids []string, all bool) error {
	if m.subs == nil {
		return nil
	}
	if all {
		return m.subs.adjustUnread(topic, 0, true)
	}
	return m.subs.adjustUnread(topic, -len(ids), false)
}

// Registrations implements store.RegistrationStore.
type Registrations struct {
	regs *xsync.MapOf[string, store.RegistrationStatement]
}

func NewRegistrations() *Registrations {
	return &Registrations{regs: xsync.NewMapOf[string, store.RegistrationStatement]()}
}

var _ store.RegistrationStore = (*Registrations)(nil)

func (r *Registrations) Get(ctx context.Context, account string) (store.RegistrationStatement, bool, error) {
	stmt, ok := r.regs.Load(account)
	return stmt, ok, nil
}

func (r *Registrations) Put(ctx context.Context, stmt store.RegistrationStatement) error {
	r.regs.Store(stmt.Account, stmt)
	return nil
}

func (r *Registrations) Delete(ctx context.Context, account string) error {
	r.regs.Delete(account)
	return nil
}

// WatchedAccounts implements store.WatchStore.
type WatchedAccounts struct {
	accounts *xsync.MapOf[string, store.WatchedAccount]
}

func NewWatchedAccounts() *WatchedAccounts {
	return &WatchedAccounts{accounts: xsync.NewMapOf[string, store.WatchedAccount]()}
}

var _ store.WatchStore = (*WatchedAccounts)(nil)

func (w *WatchedAccounts) Get(ctx context.Context, account string) (store.WatchedAccount, bool, error) {
	wa, ok := w.accounts.Load(account)
	return wa, ok, nil
}

func (w *WatchedAccounts) Put(ctx context.Context, wa store.WatchedAccount) error {
	if wa.LastWatched {
		w.accounts.Range(func(key string, existing store.WatchedAccount) bool {
			if key != wa.Account && existing.LastWatched {
				existing.LastWatched = false
				w.accounts.Store(key, existing)
			}
			return true
		})
	}
	w.accounts.Store(wa.Account, wa)
	return nil
}

func (w *WatchedAccounts) LastWatched(ctx context.Context) (store.WatchedAccount, bool, error) {
	var found store.WatchedAccount
	var ok bool
	w.accounts.Range(func(_ string, wa store.WatchedAccount) bool {
		if wa.LastWatched {
			found, ok = wa, true
			return false
		}
		return true
	})
	return found, ok, nil
}

func (w *WatchedAccounts) ClearLastWatched(ctx context.Context) error {
	w.accounts.Range(func(key string, wa store.WatchedAccount) bool {
		if wa.LastWatched {
			wa.LastWatched = false
			w.accounts.Store(key, wa)
		}
		return true
	})
	return nil
}

// Store aggregates all four capability adapters for convenient engine
// wiring, while keeping each individually satisfiable against the narrow
// store.* interfaces.
type Store struct {
	*Subscriptions
	*Messages
	*Registrations
	*WatchedAccounts
}

// New constructs a full in-memory store set.
func New() *Store {
	subs := NewSubscriptions()
	return &Store{
		Subscriptions:   subs,
		Messages:        NewMessages(subs),
		Registrations:   NewRegistrations(),
		WatchedAccounts: NewWatchedAccounts(),
	}
}
