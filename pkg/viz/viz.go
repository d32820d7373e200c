// Package viz draws the change graph of a mergeable document. Each node is one change, labelled
// with the value found at a path in the document as of that change.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// TitlePath selects the document title, the default node label.
var TitlePath = []any{"meta", "title"}

// Node is one change in the graph.
type Node struct {
	Hash  string
	Actor string
	Seq   uint64
	Value string
	Deps  []string
}

// Changes walks the change log of doc in order and evaluates path at each change.
func Changes(doc *automerge.Doc, path []any) ([]Node, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Node, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		var raw any
		if value, err := docAt.Path(path...).Get(); err == nil {
			raw = value.Interface()
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
		}
		n := Node{
			Hash:  change.Hash().String(),
			Actor: change.ActorID(),
			Seq:   change.ActorSeq(),
			Value: string(encoded),
		}
		for _, dep := range change.Dependencies() {
			n.Deps = append(n.Deps, dep.String())
		}
		out = append(out, n)
	}
	return out, nil
}

func (n Node) label() string {
	return fmt.Sprintf("%s %s@%d %s", n.Hash[:8], n.Actor, n.Seq, n.Value)
}

// WriteDot writes the change graph in graphviz dot syntax.
func WriteDot(w io.Writer, doc *automerge.Doc, path []any) error {
	nodes, err := Changes(doc, path)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, `digraph "log" {`); err != nil {
		return err
	}
	for _, n := range nodes {
		if _, err := fmt.Fprintf(w, "    %q [label=%q]\n", n.Hash, n.label()); err != nil {
			return err
		}
		for _, dep := range n.Deps {
			if _, err := fmt.Fprintf(w, "    %q -> %q\n", dep, n.Hash); err != nil {
				return err
			}
		}
	}
	_, err = fmt.Fprintln(w, "}")
	return err
}

// RenderSVG renders the change graph to an svg file at outputPath.
func RenderSVG(doc *automerge.Doc, path []any, outputPath string) error {
	nodes, err := Changes(doc, path)
	if err != nil {
		return err
	}

	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	nodeMap := make(map[string]*cgraph.Node, len(nodes))
	edges := 0
	for _, n := range nodes {
		gn, err := graph.CreateNode(n.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		gn.SetLabel(n.label())
		nodeMap[n.Hash] = gn
		for _, dep := range n.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), from, gn); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}
