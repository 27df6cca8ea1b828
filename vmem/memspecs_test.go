package vmem

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMemSpecs(t *testing.T) {
	src := []byte(`
ARCHITECTURE=x86_64
PAGE_OFFSET=ffff810000000000
VMALLOC_START=ffffc20000000000
VMALLOC_END=ffffe1ffffffffff
SIZEOF_UNSIGNED_LONG=8
`)
	specs, err := LoadMemSpecs(src)
	require.NoError(t, err)
	assert.Equal(t, ArchX86_64, specs.Arch)
	assert.Equal(t, uint64(0xffff810000000000), specs.PageOffset)
	assert.Equal(t, uint64(0xffffc20000000000), specs.VmallocStart)
	// not in the file: taken from the defaults
	assert.Equal(t, uint64(0xffffffff80000000), specs.StartKernelMap)
	assert.Equal(t, 8, specs.LongSize())
}

func TestMemSpecsRoundTrip(t *testing.T) {
	want := DefaultMemSpecs(ArchX86_64)
	want.InitLevel4Pgt = 0xffffffff81a00000
	var buf bytes.Buffer
	_, err := want.WriteTo(&buf)
	require.NoError(t, err)

	got, err := LoadMemSpecs(buf.Bytes())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMemSpecsValidate(t *testing.T) {
	specs := DefaultMemSpecs(ArchI386)
	require.NoError(t, specs.Validate())

	specs.BigEndian = true
	assert.Error(t, specs.Validate())

	specs = DefaultMemSpecs(ArchI386)
	specs.PageOffset = 0xffff880000000000
	assert.Error(t, specs.Validate())

	assert.Error(t, (&MemSpecs{}).Validate())
}

func TestSetFromKeyValue(t *testing.T) {
	var specs MemSpecs
	assert.NoError(t, specs.SetFromKeyValue("ARCHITECTURE", "i386"))
	assert.NoError(t, specs.SetFromKeyValue("page_offset", "0xc0000000"))
	assert.Error(t, specs.SetFromKeyValue("PAGE_OFFSET", "zz"))
	assert.Error(t, specs.SetFromKeyValue("NO_SUCH_KEY", "1"))
	assert.Equal(t, ArchI386, specs.Arch)
	assert.Equal(t, uint64(0xc0000000), specs.PageOffset)
}
