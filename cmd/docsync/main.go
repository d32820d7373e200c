package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/astromechza/automerge-docsync/pkg/appstate"
	"github.com/astromechza/automerge-docsync/pkg/config"
	"github.com/astromechza/automerge-docsync/pkg/docs"
	"github.com/astromechza/automerge-docsync/pkg/document"
	"github.com/astromechza/automerge-docsync/pkg/localstore"
	"github.com/astromechza/automerge-docsync/pkg/remote"
)

func main() {
	if err := mainInner(os.Args[1:], os.Stdout); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"create": cmdCreate,
	"update": cmdUpdate,
	"get":    cmdGet,
	"list":   cmdList,
	"search": cmdSearch,
	"delete": cmdDelete,
	"mode":   cmdMode,
	"sync":   cmdSync,
	"status": cmdStatus,
	"stats":  cmdStats,
	"queue":  cmdQueue,
	"clear":  cmdClear,
	"health": cmdHealth,
	"watch":  cmdWatch,
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	_, _ = fmt.Fprintf(w, "usage: docsync [-config path] <%s> [flags]\n", strings.Join(names, "|"))
}

func mainInner(argv []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("docsync", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the config file (default $DOCSYNC_CONFIG or ~/.docsync/config.toml)")
	fs.Usage = func() { usage(fs.Output()) }
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		usage(os.Stderr)
		return errors.New("expected a command")
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}

	path := *configPath
	if path == "" {
		var err error
		if path, err = config.Path(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := openApp(ctx, cfg, stdout)
	if err != nil {
		return err
	}
	defer a.close()
	if err := cmd(ctx, a, fs.Args()[1:]); err != nil {
		return err
	}
	return a.flush(ctx)
}

type app struct {
	cfg     config.Config
	out     io.Writer
	local   *localstore.Store
	state   *appstate.Repository
	channel *remote.Channel
	service *docs.Service
}

func (a *app) credentials() remote.Credentials {
	return remote.Credentials{
		WorkspaceID: a.cfg.Remote.WorkspaceID,
		Token:       a.cfg.Remote.Token,
		ServerURL:   a.cfg.ServerURL(),
	}
}

func openApp(ctx context.Context, cfg config.Config, out io.Writer) (*app, error) {
	dir, err := cfg.StorageDir()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, out: out}
	if a.local, err = localstore.Open(filepath.Join(dir, "docs.sqlite3")); err != nil {
		return nil, err
	}
	if a.state, err = appstate.Open(filepath.Join(dir, "state.db")); err != nil {
		_ = a.local.Close()
		return nil, err
	}
	a.channel = remote.New(
		remote.WithRequestTimeout(cfg.RequestTimeout()),
		remote.WithRetryer(remote.NewFixedDelayRetryer(cfg.ReconnectDelay(), cfg.ReconnectAttempts())),
		remote.WithClientVersion(clientVersion(cfg)),
	)
	storedMode, err := a.state.LoadMode(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	if a.service, err = docs.New(ctx, a.local, a.channel, a.state, docs.WithWorkspace(cfg.Remote.WorkspaceID)); err != nil {
		a.close()
		return nil, err
	}

	switch {
	case storedMode == "" && cfg.StorageMode() == string(docs.ModeRemote):
		if err := a.service.SetMode(ctx, docs.ModeRemote, a.credentials()); err != nil {
			slog.Warn("failed to enter remote mode from config, staying local", "err", err)
		}
	case a.service.Mode() == docs.ModeRemote:
		if err := a.service.Resume(ctx, a.credentials()); err != nil {
			slog.Warn("working offline, edits will be queued", "err", err)
		}
	}
	return a, nil
}

func clientVersion(cfg config.Config) string {
	if v := strings.TrimSpace(cfg.Remote.ClientVersion); v != "" {
		return v
	}
	return "docsync-cli"
}

// flush delivers anything queued by the command before exiting.
func (a *app) flush(ctx context.Context) error {
	if a.service.Mode() != docs.ModeRemote || !a.channel.Connected() {
		return nil
	}
	return a.service.SyncNow(ctx, "")
}

func (a *app) close() {
	if a.service != nil {
		if err := a.service.Close(context.Background()); err != nil {
			slog.Warn("failed to close service", "err", err)
		}
	}
	if a.state != nil {
		_ = a.state.Close()
	}
	if a.local != nil {
		_ = a.local.Close()
	}
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// blocksFromFlags builds a block list from -text (one paragraph per line) or a -blocks JSON file.
// It returns nil when neither was given.
func blocksFromFlags(text, blocksPath string) ([]document.Block, error) {
	if blocksPath != "" {
		raw, err := os.ReadFile(blocksPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read blocks: %w", err)
		}
		blocks := make([]document.Block, 0)
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, fmt.Errorf("failed to parse blocks: %w", err)
		}
		return blocks, nil
	}
	if text == "" {
		return nil, nil
	}
	blocks := make([]document.Block, 0)
	for _, line := range strings.Split(text, "\n") {
		blocks = append(blocks, document.Block{ID: uuid.New().String(), Flavour: "affine:paragraph", Type: "text", Text: line})
	}
	return blocks, nil
}

func cmdCreate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	id := fs.String("id", "", "document id (default random)")
	title := fs.String("title", "Untitled Document", "document title")
	text := fs.String("text", "", "paragraph text, one block per line")
	blocksPath := fs.String("blocks", "", "path to a JSON block list")
	owner := fs.String("owner", "", "owner id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	blocks, err := blocksFromFlags(*text, *blocksPath)
	if err != nil {
		return err
	}
	doc, err := a.service.CreateDoc(ctx, *title, docs.CreateOptions{ID: *id, OwnerID: *owner, Blocks: blocks})
	if err != nil {
		return err
	}
	return a.print(doc)
}

func cmdUpdate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	id := fs.String("id", "", "document id")
	title := fs.String("title", "", "new title")
	text := fs.String("text", "", "replacement paragraph text, one block per line")
	blocksPath := fs.String("blocks", "", "path to a replacement JSON block list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	blocks, err := blocksFromFlags(*text, *blocksPath)
	if err != nil {
		return err
	}
	updates := document.Updates{Blocks: blocks}
	if *title != "" {
		updates.Title = title
	}
	doc, err := a.service.UpdateDoc(ctx, *id, updates)
	if err != nil {
		return err
	}
	return a.print(doc)
}

func cmdGet(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("expected one argument: the document id")
	}
	doc, err := a.service.GetDoc(ctx, args[0])
	if err != nil {
		return err
	} else if doc == nil {
		return fmt.Errorf("document %s not found", args[0])
	}
	return a.print(doc)
}

type listEntry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updatedAt"`
	Sync      string `json:"sync"`
}

func (a *app) printList(list []document.Document) error {
	out := make([]listEntry, 0, len(list))
	for _, d := range list {
		out = append(out, listEntry{ID: d.ID, Title: d.Title, UpdatedAt: d.UpdatedAt, Sync: a.service.SyncStatus(d.ID)})
	}
	return a.print(out)
}

func cmdList(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "only documents in this workspace")
	owner := fs.String("owner", "", "only documents with this owner")
	after := fs.Int64("updated-after", 0, "only documents updated after this unix millisecond timestamp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := a.service.ListDocs(ctx, document.Filter{WorkspaceID: *workspace, OwnerID: *owner, UpdatedAfter: *after})
	if err != nil {
		return err
	}
	return a.printList(list)
}

func cmdSearch(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("expected a search query")
	}
	list, err := a.service.SearchDocs(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	return a.printList(list)
}

func cmdDelete(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("expected one argument: the document id")
	}
	return a.service.DeleteDoc(ctx, args[0])
}

func cmdMode(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(a.out, a.service.Mode())
		return err
	}
	mode, err := docs.ParseMode(args[0])
	if err != nil {
		return err
	}
	return a.service.SetMode(ctx, mode, a.credentials())
}

func cmdSync(ctx context.Context, a *app, args []string) error {
	docID := ""
	if len(args) > 0 {
		docID = args[0]
	}
	if err := a.service.SyncNow(ctx, docID); err != nil {
		return err
	}
	return a.print(a.service.SyncStats())
}

func cmdStatus(_ context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("expected one argument: the document id")
	}
	_, err := fmt.Fprintln(a.out, a.service.SyncStatus(args[0]))
	return err
}

func cmdStats(_ context.Context, a *app, _ []string) error {
	return a.print(a.service.SyncStats())
}

func cmdQueue(_ context.Context, a *app, _ []string) error {
	return a.print(a.service.Queue().Items())
}

func cmdClear(ctx context.Context, a *app, _ []string) error {
	return a.service.ClearQueue(ctx)
}

func cmdHealth(ctx context.Context, a *app, _ []string) error {
	return a.print(a.service.Health(ctx))
}

// cmdWatch keeps the client connected, applying remote updates and syncing on the schedule until
// interrupted.
func cmdWatch(ctx context.Context, a *app, _ []string) error {
	if a.service.Mode() != docs.ModeRemote {
		return docs.ErrNotRemoteMode
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.service.Start(ctx, a.cfg.SyncSchedule()); err != nil {
		return err
	}
	unsubscribe := a.channel.OnUpdate(func(u remote.Update) {
		slog.Info("received update", "doc", u.DocID, "editor", u.Editor, "timestamp", u.Timestamp)
	})
	defer unsubscribe()
	slog.Info("watching", "workspace", a.cfg.Remote.WorkspaceID, "schedule", a.cfg.SyncSchedule())

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	return nil
}
