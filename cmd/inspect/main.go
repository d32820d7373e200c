package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/astromechza/automerge-docsync/pkg/codec"
	"github.com/astromechza/automerge-docsync/pkg/config"
	"github.com/astromechza/automerge-docsync/pkg/localstore"
	"github.com/astromechza/automerge-docsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	docVar := flag.String("doc", "", "read the state of this document id from the local store instead of a file")
	configVar := flag.String("config", "", "path to the config file, used with -doc")
	pathVar := flag.String("path", "meta.title", "dot separated path labelling each change")
	svgVar := flag.String("svg", "", "also render the change graph to this svg file")
	flag.Parse()

	var raw []byte
	var err error
	switch {
	case *docVar != "":
		if raw, err = readFromStore(context.Background(), *configVar, *docVar); err != nil {
			return err
		}
	case flag.NArg() == 1:
		if raw, err = os.ReadFile(flag.Arg(0)); err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
	default:
		return fmt.Errorf("expected one position argument: the file to read, or -doc")
	}

	c := codec.New()
	state, err := c.Load(raw)
	if err != nil {
		return err
	}
	if doc := c.DecodeState(state); doc != nil {
		slog.Info("loaded doc", "id", doc.ID, "title", doc.Title, "blocks", len(doc.Blocks), "updated", doc.UpdatedAt)
	} else {
		slog.Warn("state carries no document metadata")
	}
	slog.Info("loaded heads", "heads", state.Doc().Heads())

	path := parsePath(*pathVar)
	nodes, err := viz.Changes(state.Doc(), path)
	if err != nil {
		return err
	}
	for i, n := range nodes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", n.Hash, "actor", n.Actor, "seq", n.Seq, "dep", n.Deps, "value", n.Value)
	}

	if err := viz.WriteDot(os.Stdout, state.Doc(), path); err != nil {
		return err
	}
	if *svgVar != "" {
		if err := viz.RenderSVG(state.Doc(), path, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}

func parsePath(raw string) []any {
	out := make([]any, 0)
	for _, part := range strings.Split(raw, ".") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return viz.TitlePath
	}
	return out
}

func readFromStore(ctx context.Context, configPath, docID string) ([]byte, error) {
	if configPath == "" {
		var err error
		if configPath, err = config.Path(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	dir, err := cfg.StorageDir()
	if err != nil {
		return nil, err
	}
	store, err := localstore.Open(filepath.Join(dir, "docs.sqlite3"))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	doc, err := store.Get(ctx, docID)
	if err != nil {
		return nil, err
	} else if doc == nil {
		return nil, fmt.Errorf("document %s not found locally", docID)
	}
	if len(doc.State) == 0 {
		return nil, errors.New("document has no synced state yet")
	}
	updates, err := store.Updates(ctx, docID)
	if err != nil {
		return nil, err
	}
	slog.Info("update log", "doc", docID, "entries", len(updates))
	return doc.State, nil
}
