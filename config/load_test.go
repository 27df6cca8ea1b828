package config

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionFeed = `
- {kind: compile_unit, id: 1, name: init/init_task.c}
- {kind: base, id: 2, name: int, size: 4, encoding: signed}
- {kind: pointer, id: 5, ref: 6, size: 8}
- kind: struct
  id: 6
  name: list_head
  size: 16
  members:
    - {name: next, ref: 5, location: 0}
    - {name: prev, ref: 5, location: 8}
- kind: struct
  id: 10
  name: task_struct
  size: 32
  members:
    - {name: pid, ref: 2, location: 0}
    - {name: tasks, ref: 6, location: 8}
    - {name: parent, ref: 11, location: 24}
- {kind: pointer, id: 11, ref: 10, size: 8}
- {kind: variable, id: 20, name: init_task, ref: 10, location: 0xffffffff81a00000, file: 1}
`

const sessionBase = 0xffffffff81a00000

// sessionImage writes an init_task whose task list is empty and whose
// parent is itself.
func sessionImage(t *testing.T) string {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint64(b[8:], sessionBase+8)
	binary.LittleEndian.PutUint64(b[16:], sessionBase+8)
	binary.LittleEndian.PutUint64(b[24:], sessionBase)
	path := filepath.Join(t.TempDir(), "mem.img")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestOpenSession(t *testing.T) {
	o := Default()
	o.Symbols = writeFile(t, "vmlinux.yaml", sessionFeed)
	o.SymbolCache = filepath.Join(t.TempDir(), "vmlinux.cache")
	o.Image = sessionImage(t)
	o.ImageBase = sessionBase

	s, err := Open(context.Background(), o, logr.Discard())
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.Factory.FindVarByName("init_task")
	assert.True(t, ok)
	assert.FileExists(t, o.SymbolCache)

	m, err := s.NewMap()
	require.NoError(t, err)
	st, err := m.Build(context.Background(), o.BuildOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Nodes)
	assert.Equal(t, int64(1), st.Processed)

	// the second run reads the cache, even without the feed
	o.Symbols = ""
	o.Image = ""
	s2, err := Open(context.Background(), o, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, s.Factory.Stats().Vars, s2.Factory.Stats().Vars)
	_, err = s2.NewMap()
	assert.Error(t, err, "no image")
}

func TestOpenSessionErrors(t *testing.T) {
	o := Default()
	_, err := Open(context.Background(), o, logr.Discard())
	assert.Error(t, err, "no symbols")

	o.Symbols = writeFile(t, "broken.yaml", "- {kind: base, id: [\n")
	_, err = Open(context.Background(), o, logr.Discard())
	assert.Error(t, err)

	o.Symbols = writeFile(t, "vmlinux.yaml", sessionFeed)
	o.Image = filepath.Join(t.TempDir(), "missing.img")
	_, err = Open(context.Background(), o, logr.Discard())
	assert.Error(t, err)

	o.Image = ""
	o.SymbolCache = writeFile(t, "bad.cache", "not a cache")
	_, err = Open(context.Background(), o, logr.Discard())
	assert.Error(t, err)
}
