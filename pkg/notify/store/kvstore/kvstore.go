// Package kvstore is the default persistent store.* adapter, over
// github.com/dgraph-io/badger/v4, grounded on the teacher's
// pkg/database.D (badger.Open + badger.DB.Update transactional writes).
// Every mutation goes through DB.Update so the transactional single-key
// update requirement (spec §5) holds without an extra locking layer. Values
// are msgpack-encoded, the same encoding the teacher's
// pkg/database/subscriptions.go uses for its own badger values.
package kvstore

import (
	"context"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"notify.dev/pkg/notify/store"
	"notify.dev/pkg/telemetry/chk"
	"notify.dev/pkg/telemetry/log"
)

const (
	prefixSub   = "sub:"
	prefixMsg   = "msg:"
	prefixReg   = "reg:"
	prefixWatch = "watch:"
)

// DB wraps a badger.DB and exposes the four capability adapters as methods,
// mirroring the teacher's *D embedding *badger.DB directly
// (pkg/database/database.go).
type DB struct {
	*badger.DB
	dataDir string
}

// Open creates (if absent) dataDir and opens a badger database rooted there.
func Open(dataDir string) (d *DB, err error) {
	if err = os.MkdirAll(dataDir, 0o755); chk.E(err) {
		return nil, err
	}
	opts := badger.DefaultOptions(dataDir).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if chk.E(err) {
		return nil, fmt.Errorf("kvstore: open %s: %w", dataDir, err)
	}
	log.D.F("kvstore: opened badger store at %s", dataDir)
	return &DB{DB: bdb, dataDir: dataDir}, nil
}

// Path returns the directory the database was opened against.
func (d *DB) Path() string { return d.dataDir }

// Close flushes and closes the underlying badger database.
func (d *DB) Close() error { return d.DB.Close() }

// Subscriptions returns the store.SubscriptionStore adapter over this DB.
func (d *DB) Subscriptions() *Subscriptions { return &Subscriptions{db: d.DB} }

// Messages returns the store.MessageStore adapter over this DB.
func (d *DB) Messages() *Messages { return &Messages{db: d.DB} }

// Registrations returns the store.RegistrationStore adapter over this DB.
func (d *DB) Registrations() *Registrations { return &Registrations{db: d.DB} }

// WatchedAccounts returns the store.WatchStore adapter over this DB.
func (d *DB) WatchedAccounts() *WatchedAccounts { return &WatchedAccounts{db: d.DB} }

func get[T any](db *badger.DB, key string) (v T, ok bool, err error) {
	err = db.View(func(txn *badger.Txn) error {
		item, txErr := txn.Get([]byte(key))
		if txErr == badger.ErrKeyNotFound {
			return nil
		}
		if txErr != nil {
			return txErr
		}
		ok = true
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &v)
		})
	})
	return v, ok, err
}

func put(db *badger.DB, key string, v any) error {
	body, err := msgpack.Marshal(v)
	if chk.E(err) {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), body)
	})
}

func del(db *badger.DB, key string) error {
	return db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func scanPrefix[T any](db *badger.DB, prefix string) (out []T, err error) {
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			var v T
			if vErr := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &v)
			}); vErr != nil {
				return vErr
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// Subscriptions implements store.SubscriptionStore.
type Subscriptions struct{ db *badger.DB }

var _ store.SubscriptionStore = (*Subscriptions)(nil)

func (s *Subscriptions) Get(ctx context.Context, topic string) (store.Subscription, bool, error) {
	return get[store.Subscription](s.db, prefixSub+topic)
}

func (s *Subscriptions) ListByAccount(ctx context.Context, account string) ([]store.Subscription, error) {
	all, err := scanPrefix[store.Subscription](s.db, prefixSub)
	if chk.E(err) {
		return nil, err
	}
	var out []store.Subscription
	for _, sub := range all {
		if sub.Account == account {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Subscriptions) ListAll(ctx context.Context) ([]store.Subscription, error) {
	return scanPrefix[store.Subscription](s.db, prefixSub)
}

func (s *Subscriptions) Upsert(ctx context.Context, sub store.Subscription) error {
	return put(s.db, prefixSub+sub.Topic, sub)
}

func (s *Subscriptions) Delete(ctx context.Context, topic string) error {
	return del(s.db, prefixSub+topic)
}

// Messages implements store.MessageStore. Records are keyed
// msg:<topic>:<record id> so a bucket maps onto a key prefix.
type Messages struct{ db *badger.DB }

var _ store.MessageStore = (*Messages)(nil)

func (m *Messages) EnsureBucket(ctx context.Context, topic string) error { return nil }

func (m *Messages) Insert(ctx context.Context, topic string, rec store.MessageRecord) (bool, error) {
	recs, err := scanPrefix[store.MessageRecord](m.db, prefixMsg+topic+":")
	if chk.E(err) {
		return false, err
	}
	for _, existing := range recs {
		if existing.Message.ID == rec.Message.ID {
			return false, nil
		}
	}
	if err = put(m.db, prefixMsg+topic+":"+rec.ID, rec); chk.E(err) {
		return false, err
	}
	return true, nil
}

func (m *Messages) List(
	ctx context.Context, topic string, limit int, after string,
) ([]store.MessageRecord, bool, error) {
	recs, err := scanPrefix[store.MessageRecord](m.db, prefixMsg+topic+":")
	if chk.E(err) {
		return nil, false, err
	}
	sortMessagesNewestFirst(recs)

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

func sortMessagesNewestFirst(recs []store.MessageRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].PublishedAt > recs[j-1].PublishedAt; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func (m *Messages) DeleteBucket(ctx context.Context, topic string) error {
	recs, err := scanPrefix[store.MessageRecord](m.db, prefixMsg+topic+":")
	if chk.E(err) {
		return err
	}
	for _, rec := range recs {
		if err = del(m.db, prefixMsg+topic+":"+rec.ID); chk.E(err) {
			return err
		}
	}
	return nil
}

func (m *Messages) MarkRead(ctx context.Context, topic string, ids []string, all bool) error {
	subKey := prefixSub + topic
	sub, ok, err := get[store.Subscription](m.db, subKey)
	if chk.E(err) {
		return err
	}
	if !ok {
		return fmt.Errorf("kvstore: no subscription at topic %s", topic)
	}
	if all {
		sub.UnreadCount = 0
	} else {
		sub.UnreadCount -= len(ids)
		if sub.UnreadCount < 0 {
			sub.UnreadCount = 0
		}
	}
	return put(m.db, subKey, sub)
}

// Registrations implements store.RegistrationStore.
type Registrations struct{ db *badger.DB }

var _ store.RegistrationStore = (*Registrations)(nil)

func (r *Registrations) Get(ctx context.Context, account string) (store.RegistrationStatement, bool, error) {
	return get[store.RegistrationStatement](r.db, prefixReg+account)
}

func (r *Registrations) Put(ctx context.Context, stmt store.RegistrationStatement) error {
	return put(r.db, prefixReg+stmt.Account, stmt)
}

func (r *Registrations) Delete(ctx context.Context, account string) error {
	return del(r.db, prefixReg+account)
}

// WatchedAccounts implements store.WatchStore.
type WatchedAccounts struct{ db *badger.DB }

var _ store.WatchStore = (*WatchedAccounts)(nil)

func (w *WatchedAccounts) Get(ctx context.Context, account string) (store.WatchedAccount, bool, error) {
	return get[store.WatchedAccount](w.db, prefixWatch+account)
}

func (w *WatchedAccounts) Put(ctx context.Context, wa store.WatchedAccount) error {
	if wa.LastWatched {
		all, err := scanPrefix[store.WatchedAccount](w.db, prefixWatch)
		if chk.E(err) {
			return err
		}
		for _, existing := range all {
			if existing.Account != wa.Account && existing.LastWatched {
				existing.LastWatched = false
				if err = put(w.db, prefixWatch+existing.Account, existing); chk.E(err) {
					return err
				}
			}
		}
	}
	return put(w.db, prefixWatch+wa.Account, wa)
}

func (w *WatchedAccounts) LastWatched(ctx context.Context) (store.WatchedAccount, bool, error) {
	all, err := scanPrefix[store.WatchedAccount](w.db, prefixWatch)
	if chk.E(err) {
		return store.WatchedAccount{}, false, err
	}
	for _, wa := range all {
		if wa.LastWatched {
			return wa, true, nil
		}
	}
	return store.WatchedAccount{}, false, nil
}

func (w *WatchedAccounts) ClearLastWatched(ctx context.Context) error {
	all, err := scanPrefix[store.WatchedAccount](w.db, prefixWatch)
	if chk.E(err) {
		return err
	}
	for _, wa := range all {
		if wa.LastWatched {
			wa.LastWatched = false
			if err = put(w.db, prefixWatch+wa.Account, wa); chk.E(err) {
				return err
			}
		}
	}
	return nil
}
