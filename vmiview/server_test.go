package main

import (
	"context"
	"encoding/binary"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/logging"
	"github.com/allewwaly/insight-vmi-sub004/memmap"
	"github.com/allewwaly/insight-vmi-sub004/symbols"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

var testLog = logr.Discard()

func TestMain(m *testing.M) {
	level := flag.Int("debuglevel", 0, "debug verbosity level")
	flag.Parse()
	if *level > 0 {
		testLog = logging.MustNewLogger(strconv.Itoa(*level))
	}
	os.Exit(m.Run())
}

const (
	rootAddr  = 0xffffffff81a00000
	childAddr = 0xffff880000100000
)

const testFeed = `
- {kind: compile_unit, id: 1, name: init/init_task.c}
- {kind: base, id: 2, name: int, size: 4, encoding: signed}
- kind: struct
  id: 10
  name: task_struct
  size: 16
  members:
    - {name: pid, ref: 2, location: 0}
    - {name: parent, ref: 11, location: 8}
- {kind: pointer, id: 11, ref: 10, size: 8}
- {kind: variable, id: 20, name: init_task, ref: 10, location: 0xffffffff81a00000, file: 1}
`

// testServer serves a built map of init_task, whose parent points to a
// second task.
func testServer(t *testing.T) *server {
	t.Helper()
	infos, err := symbols.ReadFeedYAML(strings.NewReader(testFeed))
	require.NoError(t, err)
	specs := vmem.DefaultMemSpecs(vmem.ArchX86_64)
	f := symbols.NewFactory(specs, symbols.WithLogger(testLog))
	require.NoError(t, f.AddSymbols(infos))
	f.SymbolsFinished()

	root := make([]byte, 16)
	binary.LittleEndian.PutUint32(root, 0)
	binary.LittleEndian.PutUint64(root[8:], childAddr)
	child := make([]byte, 16)
	binary.LittleEndian.PutUint32(child, 1)
	binary.LittleEndian.PutUint64(child[8:], childAddr)
	img := vmem.NewImage(specs)
	img.Map(rootAddr, root, "init_task")
	img.Map(childAddr, child, "task")

	m := memmap.NewMap(f, img, memmap.WithLogger(testLog))
	s, err := newServer(f, m, testLog)
	require.NoError(t, err)
	s.build(context.Background(), memmap.BuildOptions{Workers: 1})
	require.Equal(t, 2, m.Len())
	return s
}

func get(t *testing.T, s *server, url string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	return w
}

func TestPages(t *testing.T) {
	s := testServer(t)

	w := get(t, s, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "init_task")
	assert.Contains(t, w.Body.String(), "<a href=node?addr=ffffffff81a00000&type=10>")
	assert.NotContains(t, w.Body.String(), "Build failed")

	w = get(t, s, "/node?addr=ffff880000100000&type=10")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "init_task.parent")
	assert.Contains(t, body, "Found through <a href=node?addr=ffffffff81a00000&type=10>")

	tests := []struct {
		url  string
		code int
	}{
		{"/nowhere", http.StatusNotFound},
		{"/node?addr=zz&type=10", http.StatusBadRequest},
		{"/node?addr=ffff880000100000", http.StatusBadRequest},
		{"/node?addr=ffff880000100000&type=2", http.StatusNotFound},
		{"/api/nodes", http.StatusBadRequest},
		{"/api/var?name=nosuchvar", http.StatusNotFound},
	}
	for _, test := range tests {
		assert.Equal(t, test.code, get(t, s, test.url).Code, test.url)
	}
}

func TestAPI(t *testing.T) {
	s := testServer(t)

	var st struct {
		Building bool
		Nodes    int64
	}
	w := get(t, s, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.False(t, st.Building)
	assert.Equal(t, int64(2), st.Nodes)

	var nodes []apiNode
	w = get(t, s, "/api/nodes?addr=ffff880000100008")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "init_task.parent", nodes[0].Name)
	assert.Equal(t, uint64(rootAddr), nodes[0].Parent)
	assert.Equal(t, 10, nodes[0].TypeID)
	assert.InDelta(t, 1.0, nodes[0].Probability, 1e-9)

	var v struct {
		Name  string    `json:"name"`
		Addr  uint64    `json:"addr"`
		Nodes []apiNode `json:"nodes"`
	}
	w = get(t, s, "/api/var?name=init_task")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	assert.Equal(t, uint64(rootAddr), v.Addr)
	require.Len(t, v.Nodes, 1)
	assert.Equal(t, 1, v.Nodes[0].Children)

	w = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nodes")
}

func TestBuildError(t *testing.T) {
	s := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.build(ctx, memmap.BuildOptions{})
	assert.Contains(t, get(t, s, "/").Body.String(), "Build failed")
}
