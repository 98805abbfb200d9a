// Command notifyctl is a developer-facing CLI driving the Notify protocol
// engine directly against a relay/keyserver/notify-server deployment,
// mirroring cmd/walletcli's one-shot-method-per-invocation shape but built
// on github.com/alexflint/go-arg subcommands instead of raw os.Args
// splitting (spec §2 "Ambient stack").
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alexflint/go-arg"

	"notify.dev/pkg/notify/configsvc"
	"notify.dev/pkg/notify/cryptosvc"
	"notify.dev/pkg/notify/engine"
	"notify.dev/pkg/notify/identity"
	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/notify/store/kvstore"
	"notify.dev/pkg/notifyapp/config"
	"notify.dev/pkg/telemetry/chk"
	"notify.dev/pkg/telemetry/log"
)

type registerCmd struct {
	Account string `arg:"required" help:"CAIP-10 account, e.g. eip155:1:0xabc..."`
	Domain  string `arg:"required" help:"dapp domain to register against"`
	AllApps bool   `arg:"--all-apps" help:"register for every app domain instead of just Domain"`
}

type completeCmd struct {
	Account   string `arg:"required"`
	Payload   string `arg:"required" help:"path to the JSON payload printed by 'register', or '-' for stdin"`
	Signature string `arg:"required" help:"signature over the message text register printed"`
}

type unregisterCmd struct {
	Account string `arg:"required"`
}

type subscribeCmd struct {
	Account string `arg:"required"`
	Domain  string `arg:"required"`
	Scope   string `help:"space-separated notification type ids to enable"`
}

type updateCmd struct {
	Account string `arg:"required"`
	Topic   string `arg:"required"`
	Scope   string `arg:"required"`
}

type deleteCmd struct {
	Account string `arg:"required"`
	Topic   string `arg:"required"`
}

type watchCmd struct {
	Account string `arg:"required"`
	Domain  string `help:"restrict the watch channel to one app domain instead of all apps"`
}

type markReadCmd struct {
	Account string   `arg:"required"`
	Topic   string   `arg:"required"`
	IDs     []string `arg:"--id,separate" help:"notification ids to mark read; omit with --all"`
	All     bool     `arg:"--all"`
}

type historyCmd struct {
	Account  string `arg:"required"`
	Topic    string `arg:"required"`
	Limit    int    `default:"20"`
	StartsAt string `arg:"--starts-at"`
	Unread   bool   `arg:"--unread-only"`
}

type decryptCmd struct {
	Topic    string `arg:"required" help:"relay topic the envelope arrived on"`
	SymKey   string `arg:"required" help:"hex-encoded symmetric key for Topic"`
	Envelope string `arg:"required" help:"hex-encoded Type-0 envelope, or '-' to read hex from stdin"`
}

type args struct {
	Register   *registerCmd   `arg:"subcommand:register" help:"compose a CAIP-122 registration statement"`
	Complete   *completeCmd   `arg:"subcommand:complete" help:"submit a signed registration statement"`
	Unregister *unregisterCmd `arg:"subcommand:unregister"`
	Subscribe  *subscribeCmd  `arg:"subcommand:subscribe"`
	Update     *updateCmd     `arg:"subcommand:update"`
	Delete     *deleteCmd     `arg:"subcommand:delete"`
	Watch      *watchCmd      `arg:"subcommand:watch"`
	MarkRead   *markReadCmd   `arg:"subcommand:mark-read"`
	History    *historyCmd    `arg:"subcommand:history"`
	Decrypt    *decryptCmd    `arg:"subcommand:decrypt" help:"decrypt a standalone Type-0 envelope, e.g. a push payload, given its topic and sym key"`
}

func main() {
	// "env"/"help" are handled before go-arg sees argv, mirroring the
	// teacher's config package convention of reserving those two words for
	// printing the effective configuration rather than routing them through
	// the subcommand parser.
	if config.GetEnv() || config.HelpRequested() {
		cfg, err := config.New()
		if chk.T(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if config.GetEnv() {
			config.PrintEnv(cfg, os.Stdout)
		} else {
			config.PrintHelp(cfg, os.Stdout)
		}
		return
	}

	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	cfg, err := config.New()
	if chk.T(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.SetLogLevel(cfg.LogLevel)

	e, closeFn, err := buildEngine(cfg)
	if chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case a.Register != nil:
		runRegister(ctx, e, a.Register)
	case a.Complete != nil:
		runComplete(ctx, e, a.Complete)
	case a.Unregister != nil:
		runUnregister(ctx, e, a.Unregister)
	case a.Subscribe != nil:
		runSubscribe(ctx, e, a.Subscribe)
	case a.Update != nil:
		runUpdate(ctx, e, a.Update)
	case a.Delete != nil:
		runDelete(ctx, e, a.Delete)
	case a.Watch != nil:
		runWatch(ctx, e, a.Watch)
	case a.MarkRead != nil:
		runMarkRead(ctx, e, a.MarkRead)
	case a.History != nil:
		runHistory(ctx, e, a.History)
	case a.Decrypt != nil:
		runDecrypt(ctx, e, a.Decrypt)
	}
}

func buildEngine(cfg *config.C) (*engine.Engine, func(), error) {
	db, err := kvstore.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("notifyctl: open store: %w", err)
	}

	transport := relay.NewWSTransport(cfg.RelayURL)
	var notifyServerPub []byte
	if cfg.NotifyServerPublicKey != "" {
		notifyServerPub, err = hex.DecodeString(cfg.NotifyServerPublicKey)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("notifyctl: NOTIFY_SERVER_PUBLIC_KEY: %w", err)
		}
	}

	e := engine.NewWalletEngine(engine.Deps{
		Transport:     transport,
		Crypto:        cryptosvc.X25519ChaCha{},
		Identity:      identity.NewHTTPService(cfg.KeyserverURL),
		Subs:          db.Subscriptions(),
		Messages:      db.Messages(),
		Registrations: db.Registrations(),
		Watch:         db.WatchedAccounts(),
		Config:        configsvc.NewHTTPFetcher(cfg.NotifyServerURL),

		KeyserverURL:    cfg.KeyserverURL,
		NotifyServerURL: cfg.NotifyServerURL,
		ProjectID:       cfg.ProjectID,

		NotifyServerPublicKey:   notifyServerPub,
		NotifyServerIdentityDid: cfg.NotifyServerIdentityDid,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err = e.Init(ctx); chk.E(err) {
		_ = db.Close()
		return nil, nil, fmt.Errorf("notifyctl: init engine: %w", err)
	}

	closeFn := func() {
		chk.W(e.Teardown(context.Background()))
		chk.W(db.Close())
	}
	return e, closeFn, nil
}

func mustAccount(s string) ids.Account {
	acc, err := ids.ParseAccount(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid account %q: %v\n", s, err)
		os.Exit(1)
	}
	return acc
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if chk.E(err) {
		return
	}
	fmt.Println(string(b))
}

func runRegister(ctx context.Context, e *engine.Engine, c *registerCmd) {
	account := mustAccount(c.Account)
	payload, message, err := e.PrepareRegistration(ctx, account, c.Domain, c.AllApps)
	if chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("sign this message with the account's key, then pass the payload below to 'complete':")
	fmt.Println()
	fmt.Println(message)
	fmt.Println()
	printJSON(payload)
}

func runComplete(ctx context.Context, e *engine.Engine, c *completeCmd) {
	var raw []byte
	var err error
	if c.Payload == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(c.Payload)
	}
	if chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var payload identity.CACAOPayload
	if err = json.Unmarshal(raw, &payload); chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	account := mustAccount(c.Account)
	if err = e.CompleteRegistration(ctx, account, payload, c.Signature); chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("registered")
}

func runUnregister(ctx context.Context, e *engine.Engine, c *unregisterCmd) {
	account := mustAccount(c.Account)
	if err := e.Unregister(ctx, account); chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("unregistered")
}

func runSubscribe(ctx context.Context, e *engine.Engine, c *subscribeCmd) {
	account := mustAccount(c.Account)
	subs, err := e.Subscribe(ctx, account, c.Domain, c.Scope)
	if chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printJSON(subs)
}

func runUpdate(ctx context.Context, e *engine.Engine, c *updateCmd) {
	account := mustAccount(c.Account)
	subs, err := e.Update(ctx, account, c.Topic, c.Scope)
	if chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printJSON(subs)
}

func runDelete(ctx context.Context, e *engine.Engine, c *deleteCmd) {
	account := mustAccount(c.Account)
	if err := e.DeleteSubscription(ctx, account, c.Topic); chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("deleted")
}

func runWatch(ctx context.Context, e *engine.Engine, c *watchCmd) {
	account := mustAccount(c.Account)
	allApps := c.Domain == ""
	if err := e.Watch(ctx, account, c.Domain, allApps); chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("watching")
}

func runMarkRead(ctx context.Context, e *engine.Engine, c *markReadCmd) {
	account := mustAccount(c.Account)
	if err := e.MarkRead(ctx, account, c.Topic, c.IDs, c.All); chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func runHistory(ctx context.Context, e *engine.Engine, c *historyCmd) {
	account := mustAccount(c.Account)
	recs, hasMore, err := e.GetHistory(ctx, account, c.Topic, c.Limit, c.StartsAt, c.Unread)
	if chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printJSON(struct {
		Records []any `json:"records"`
		HasMore bool  `json:"hasMore"`
	}{toAnySlice(recs), hasMore})
}

func runDecrypt(ctx context.Context, e *engine.Engine, c *decryptCmd) {
	symKey, err := hex.DecodeString(c.SymKey)
	if chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var rawHex string
	if c.Envelope == "-" {
		raw, rErr := io.ReadAll(os.Stdin)
		if chk.E(rErr) {
			fmt.Fprintln(os.Stderr, rErr)
			os.Exit(1)
		}
		rawHex = string(raw)
	} else {
		rawHex = c.Envelope
	}
	envelope, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	msg, err := e.DecryptMessage(ctx, c.Topic, symKey, envelope)
	if chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printJSON(msg)
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

