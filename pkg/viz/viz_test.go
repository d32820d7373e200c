package viz

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-docsync/pkg/codec"
)

func TestChangesFollowTitle(t *testing.T) {
	c := codec.New()
	state, _, err := c.EncodeNew("d1", "first", nil)
	require.NoError(t, err)
	_, err = c.ApplyBlocks(state, "d1", "second", nil)
	require.NoError(t, err)

	nodes, err := Changes(state.Doc(), TitlePath)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, `"first"`, nodes[0].Value)
	assert.Equal(t, `"second"`, nodes[1].Value)
	assert.Equal(t, []string{nodes[0].Hash}, nodes[1].Deps)

	var buff bytes.Buffer
	require.NoError(t, WriteDot(&buff, state.Doc(), TitlePath))
	out := buff.String()
	assert.True(t, strings.HasPrefix(out, `digraph "log" {`))
	assert.Contains(t, out, nodes[0].Hash+`" -> "`+nodes[1].Hash)
}

func TestRenderSVG(t *testing.T) {
	c := codec.New()
	state, _, err := c.EncodeNew("d1", "first", nil)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "graph.svg")
	require.NoError(t, RenderSVG(state.Doc(), TitlePath, out))
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<svg")
}
