// The maillink command links IMAP messages to their provider web
// interface URLs, keeps the local message cache in sync, and performs
// basic mailbox maintenance.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"marmstrong/maillink/internal/config"
	"marmstrong/maillink/internal/estimate"
	"marmstrong/maillink/internal/imap"
	"marmstrong/maillink/internal/link"
	"marmstrong/maillink/internal/mailbox"
	"marmstrong/maillink/internal/message"
	"marmstrong/maillink/internal/persist"
	"marmstrong/maillink/internal/sync"
	"marmstrong/maillink/internal/tracehttp"
	"marmstrong/maillink/internal/webapi"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagTrace    = flag.Bool("T", false, "request debug tracing")
	flagConfig   = flag.String("config", "", "configuration file (default ~/.config/maillink/config.yaml)")
	flagAccount  = flag.String("account", "", "account name (default: the only configured account)")
	flagPage     = flag.Int("page", 1, "page number for list")
	flagPageSize = flag.Int("page-size", 20, "page size for list")
	flagDays     = flag.Int("days", 90, "age cutoff in days for prune")
)

const usage = `usage: maillink [flags] <command> [args]

Commands:
  url <folder> <uid> [timestamp]  print the web URL for a message
  sync                            run a sync pass for the account
  reconcile                       verify cached IDs against the web API
  list <folder>                   list message metadata, cache-first
  body <folder> <uid>             print a message body, cache-first
  delete <folder> <uid>...        delete messages from server and cache
  stats                           print cache statistics
  prune                           drop index entries older than -days
  clear                           wipe the account's index and checkpoint
`

// env bundles everything a subcommand needs for one account.
type env struct {
	cfg  *config.Config
	acct *config.AccountConfig
	db   *persist.DB
	mail *imap.Client
}

func (e *env) close() {
	if e.mail != nil {
		e.mail.Close()
	}
	e.db.Close()
}

func (e *env) baseline() message.Baseline {
	w := e.acct.WebLink
	return message.Baseline{
		Folder: w.BaselineFolder,
		UID:    w.BaselineUID,
		MID:    w.BaselineID,
		Date:   w.BaselineDate,
	}
}

func (e *env) syncEngine() *sync.Engine {
	return &sync.Engine{
		Account:  e.acct.Name,
		Mail:     e.mail,
		Store:    e.db,
		Baseline: e.baseline(),
	}
}

func (e *env) calculator() *link.Calculator {
	w := e.acct.WebLink
	c := &link.Calculator{
		Account:   e.acct.Name,
		Store:     e.db,
		Strategy:  link.Strategy(w.Strategy),
		Params:    estimate.Params{Base: w.Formula.Base, Factor: w.Formula.Factor},
		URLPrefix: w.URLPrefix,
		FolderIDs: w.FolderIDs,
		Baseline:  e.baseline(),
	}
	if c.Strategy == link.StrategyGlobal {
		c.Syncer = e.syncEngine()
	}
	return c
}

func (e *env) handler() *mailbox.Handler {
	return &mailbox.Handler{Account: e.acct.Name, Mail: e.mail, Store: e.db}
}

func setup(ctx context.Context) (*env, error) {
	path := *flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	acct, err := cfg.Account(*flagAccount)
	if err != nil {
		return nil, err
	}
	db, err := persist.Open(ctx, cfg.CachePath)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	return &env{
		cfg:  cfg,
		acct: acct,
		db:   db,
		mail: imap.NewClient(imap.Config{
			Host:     acct.IMAP.Host,
			Port:     acct.IMAP.Port,
			Username: acct.IMAP.Username,
			Password: acct.IMAP.Password,
			TLS:      acct.IMAP.TLS,
		}),
	}, nil
}

func run(ctx context.Context, command string, args []string) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	switch command {
	case "url":
		return runURL(ctx, e, args)
	case "sync":
		n, err := e.syncEngine().Sync(ctx)
		if err != nil {
			return errors.Wrap(err, "unable to synchronize")
		}
		fmt.Println("Synced", n, "messages")
		return nil
	case "reconcile":
		return runReconcile(ctx, e)
	case "list":
		return runList(ctx, e, args)
	case "body":
		return runBody(ctx, e, args)
	case "delete":
		return runDelete(ctx, e, args)
	case "stats":
		return runStats(ctx, e)
	case "prune":
		cutoff := time.Now().AddDate(0, 0, -*flagDays)
		n, err := e.db.Prune(ctx, e.acct.Name, cutoff)
		if err != nil {
			return err
		}
		fmt.Println("Pruned", n, "entries older than", cutoff.Format("2006-01-02"))
		return nil
	case "clear":
		if err := e.db.ClearAccount(ctx, e.acct.Name); err != nil {
			return err
		}
		fmt.Println("Cleared cache for", e.acct.Name)
		return nil
	}
	return errors.Errorf("unknown command %q", command)
}

func parseUID(s string) (uint32, error) {
	uid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid uid %q", s)
	}
	return uint32(uid), nil
}

func runURL(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: maillink url <folder> <uid> [timestamp]")
	}
	uid, err := parseUID(args[1])
	if err != nil {
		return err
	}
	var ts time.Time
	if len(args) > 2 {
		ts, err = time.Parse(time.RFC3339, args[2])
		if err != nil {
			return errors.Wrapf(err, "invalid timestamp %q", args[2])
		}
	}

	url, tier, err := e.calculator().URL(ctx, args[0], uid, ts)
	if err != nil {
		return errors.Wrap(err, "unable to compute URL")
	}
	log.Println("URL resolved at tier:", tier)
	fmt.Println(url)
	return nil
}

func runReconcile(ctx context.Context, e *env) error {
	w := e.acct.WebLink
	client, err := webapi.NewClient(w.URLPrefix, w.CookiesFile, w.FolderIDs)
	if err != nil {
		return err
	}
	if !client.Enabled() {
		fmt.Println("Web API session not loaded; nothing to reconcile")
		return nil
	}

	h := e.handler()
	folders, err := h.ListFolders(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to list folders")
	}
	imapByFolder := make(map[string][]message.Summary)
	for _, folder := range folders {
		metas, _, err := h.ListMetadata(ctx, folder, 1, w.CountPerFolder, true)
		if err != nil {
			log.Println("Skipping folder", folder, "after error:", err)
			continue
		}
		for _, m := range metas {
			imapByFolder[folder] = append(imapByFolder[folder], message.Summary{
				UID:     m.UID,
				Subject: m.Subject,
				Date:    m.Date,
			})
		}
	}

	n, err := client.Reconcile(ctx, e.db, e.acct.Name, imapByFolder,
		w.CountPerFolder, webapi.Matcher{Window: w.MatchWindow()})
	if err != nil {
		return errors.Wrap(err, "unable to reconcile")
	}
	fmt.Println("Verified", n, "message IDs")
	return nil
}

func runList(ctx context.Context, e *env, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: maillink list <folder>")
	}
	metas, total, err := e.handler().ListMetadata(ctx, args[0], *flagPage, *flagPageSize, true)
	if err != nil {
		return errors.Wrap(err, "unable to list messages")
	}
	for _, m := range metas {
		fmt.Printf("%6d  %s  %-30s  %s\n",
			m.UID, m.Date.Format("2006-01-02 15:04"), m.Sender, m.Subject)
	}
	fmt.Printf("Page %d of %d messages\n", *flagPage, total)
	return nil
}

func runBody(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: maillink body <folder> <uid>")
	}
	uid, err := parseUID(args[1])
	if err != nil {
		return err
	}
	body, found, err := e.handler().GetBody(ctx, args[0], uid)
	if err != nil {
		return errors.Wrap(err, "unable to fetch body")
	}
	if !found {
		fmt.Println("Message not found on server")
		return nil
	}
	if body.Text != "" {
		fmt.Println(body.Text)
	} else {
		fmt.Println(body.HTML)
	}
	for _, name := range body.Attachments {
		fmt.Println("Attachment:", name)
	}
	return nil
}

func runDelete(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: maillink delete <folder> <uid>...")
	}
	uids := make([]uint32, 0, len(args)-1)
	for _, arg := range args[1:] {
		uid, err := parseUID(arg)
		if err != nil {
			return err
		}
		uids = append(uids, uid)
	}
	deleted, failed, err := e.handler().Delete(ctx, args[0], uids)
	if err != nil {
		return err
	}
	fmt.Println("Deleted", len(deleted), "messages,", len(failed), "failed")
	return nil
}

func runStats(ctx context.Context, e *env) error {
	stats, err := e.db.GetStats(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Total cached messages:", stats.TotalMessages)
	for account, count := range stats.PerAccount {
		fmt.Printf("  %s: %d\n", account, count)
	}
	acctStats, err := e.db.GetAccountStats(ctx, e.acct.Name)
	if err != nil {
		return err
	}
	if acctStats.HasSynced {
		fmt.Printf("%s last synced %s (max id %d)\n",
			e.acct.Name, acctStats.LastSync.Format(time.RFC3339), acctStats.MaxMID)
	}
	return nil
}

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if *flagTrace {
		tracehttp.WrapDefaultTransport()
	}

	if err := run(context.Background(), flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
