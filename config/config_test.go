package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "insight.yaml", `
symbols: vmlinux
sources: [kernel/fork.c, fs/file.c]
workers: 3
min_probability: 0.25
quirks:
  skip_funcptr_star: false
  list_head_offset_aliases: {children: sibling, tasks: sibling}
`)
	t.Setenv(EnvPrefix+"WORKERS", "5")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")

	o, err := Load(path)
	require.NoError(t, err)
	want := Default()
	want.Symbols = "vmlinux"
	want.Sources = []string{"kernel/fork.c", "fs/file.c"}
	want.Workers = 5
	want.MinProbability = 0.25
	want.LogLevel = "debug"
	want.Quirks = Quirks{ListHeadOffsetAliases: map[string]string{"children": "sibling", "tasks": "sibling"}}
	if diff := cmp.Diff(want, o); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"SOURCES", "a.c,b.c")
	t.Setenv(EnvPrefix+"MIN_PROBABILITY", "0.5")
	t.Setenv(EnvPrefix+"SKIP_FUNCPTR_STAR", "false")
	t.Setenv(EnvPrefix+"ARCH", "i386")
	o, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.c", "b.c"}, o.Sources)
	assert.Equal(t, 0.5, o.MinProbability)
	assert.False(t, o.Quirks.SkipFuncPtrStar)

	specs, err := o.MemSpecs()
	require.NoError(t, err)
	assert.Equal(t, vmem.ArchI386, specs.Arch)
}

func TestLoadEnvChanges(t *testing.T) {
	t.Setenv(EnvPrefix+"WORKERS", "2")
	o, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, o.Workers)

	t.Setenv(EnvPrefix+"WORKERS", "7")
	t.Setenv(EnvPrefix+"ARCH", "i386")
	o, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, o.Workers)
	assert.Equal(t, "i386", o.Arch)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "no_such_option: 1\n"},
		{"probability range", "min_probability: 2\n"},
		{"negative workers", "workers: -1\n"},
		{"architecture", "arch: sparc\n"},
		{"syntax", "workers: [\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.yaml", test.content))
			assert.Error(t, err)
		})
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	o := Default()
	o.Sources = []string{"a.c"}
	c := o.Clone()
	c.Sources[0] = "b.c"
	c.Quirks.ListHeadOffsetAliases["tasks"] = "sibling"
	assert.Equal(t, []string{"a.c"}, o.Sources)
	assert.NotContains(t, o.Quirks.ListHeadOffsetAliases, "tasks")
}

func TestMemSpecsFile(t *testing.T) {
	o := Default()
	o.MemSpecsFile = writeFile(t, "memspecs.ini", "ARCHITECTURE=x86_64\nPAGE_OFFSET=0xffff888000000000\n")
	specs, err := o.MemSpecs()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffff888000000000), specs.PageOffset)

	b := o.BuildOptions()
	assert.Equal(t, o.MinProbability, b.MinProbability)
	log, err := o.Logger()
	require.NoError(t, err)
	assert.Len(t, o.EvaluatorOptions(specs, log), 4)
	assert.Len(t, o.FactoryOptions(log), 2)
}
