package store

import "context"

// SubscriptionStore owns Subscription rows, keyed by topic (spec §3
// invariant: "topic = sha256(sym_key)").
type SubscriptionStore interface {
	Get(ctx context.Context, topic string) (Subscription, bool, error)
	ListByAccount(ctx context.Context, account string) ([]Subscription, error)
	ListAll(ctx context.Context) ([]Subscription, error)
	Upsert(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, topic string) error
}

// MessageStore owns per-topic MessageRecord buckets (spec §3, §4.1
// "on_notify_message_request").
type MessageStore interface {
	EnsureBucket(ctx context.Context, topic string) error
	Insert(ctx context.Context, topic string, rec MessageRecord) (inserted bool, err error)
	List(ctx context.Context, topic string, limit int, after string) (recs []MessageRecord, hasMore bool, err error)
	DeleteBucket(ctx context.Context, topic string) error
	MarkRead(ctx context.Context, topic string, ids []string, all bool) error
}

// RegistrationStore owns RegistrationStatement rows keyed by account (spec
// §4.1 "Identity registration").
type RegistrationStore interface {
	Get(ctx context.Context, account string) (RegistrationStatement, bool, error)
	Put(ctx context.Context, stmt RegistrationStatement) error
	Delete(ctx context.Context, account string) error
}

// WatchStore owns WatchedAccount rows; at most one may have LastWatched set
// (spec §8 invariant).
type WatchStore interface {
	Get(ctx context.Context, account string) (WatchedAccount, bool, error)
	Put(ctx context.Context, wa WatchedAccount) error
	LastWatched(ctx context.Context) (WatchedAccount, bool, error)
	ClearLastWatched(ctx context.Context) error
}
