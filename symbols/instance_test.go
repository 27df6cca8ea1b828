package symbols

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const copyAddr = 0xffff880000100000

func initTask(t *testing.T, f *Factory, copyData []byte) (Instance, Instance) {
	t.Helper()
	mem := testMemory(copyAddr, copyData)
	v, ok := f.FindVarByName("init_task")
	require.True(t, ok)
	orig := v.ToInstance(mem, ResolveLexical)
	cp := NewInstance(copyAddr, orig.Type, mem, "copy", nil)
	return orig, cp
}

func TestInstanceMembers(t *testing.T) {
	f := testFactory(t)
	task, _ := initTask(t, f, nil)

	pid, ok := task.FindMember("pid", ResolveLexical, false)
	require.True(t, ok)
	v, err := pid.ToInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, "init_task.pid", pid.FullName())

	flags, ok := task.FindMember("flags", ResolveLexical, false)
	require.True(t, ok)
	bits, err := flags.ToBitField()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bits) // low three bits of 0xf5

	// tasks.next points back to init_task through the list offset
	tasks, ok := task.FindMember("tasks", ResolveLexical, false)
	require.True(t, ok)
	assert.Equal(t, uint64(initTaskAddr+8), tasks.Addr)
	next, ok := tasks.FindMember("next", ResolveLexicalAndPointers, false)
	require.True(t, ok)
	assert.Equal(t, uint64(initTaskAddr), next.Addr)
	assert.Same(t, task.Type, next.Type)

	parent, ok := task.FindMember("parent", ResolveNone, false)
	require.True(t, ok)
	p, err := parent.ToPointer()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p)
	deref, n := parent.Dereference(ResolveAny, -1)
	assert.Equal(t, 1, n)
	assert.True(t, deref.IsNull())

	assert.Equal(t, uint64(initTaskAddr+24), task.MemberAddress(3))
	byOff, ok := task.MemberByOffset(44, false)
	require.True(t, ok)
	assert.Equal(t, "sibling", byOff.Name)
	_, ok = task.MemberByOffset(44, true)
	assert.False(t, ok)
}

func TestInstanceEquals(t *testing.T) {
	f := testFactory(t)

	tests := []struct {
		name      string
		flip      int // byte offset to modify, -1 for none
		wantEqual bool
		wantDiffs []string
	}{
		{"identical", -1, true, nil},
		// list pointers lead back into the compared objects
		{"pid", 0, false, []string{"pid", "tasks.next", "tasks.prev"}},
		{"flags", 4, false, []string{"flags", "tasks.next", "tasks.prev"}},
		{"flags storage outside the bit-field", 7, true, nil},
		// nested structs are skipped by Equals only
		{"nested list", 24, true, []string{"children.next"}},
		{"parent", 56, false, []string{"tasks.next", "tasks.prev", "parent"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data := taskBytes(copyAddr, 1, 0xf5)
			if test.flip >= 0 {
				data[test.flip] ^= 0x01
			}
			orig, cp := initTask(t, f, data)
			if got := orig.Equals(cp); got != test.wantEqual {
				t.Errorf("Equals()=%v want %v", got, test.wantEqual)
			}
			if diff := cmp.Diff(test.wantDiffs, orig.Differences(cp, false)); diff != "" {
				t.Errorf("Differences mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractBitField(t *testing.T) {
	tests := []struct {
		v                        uint64
		width, bitSize, bitOffet int
		want                     uint64
	}{
		{0xf5, 4, 3, 29, 0x5},
		{0xf5, 4, 4, 24, 0xf},
		{0x80000000, 4, 1, 0, 1},
		{0xabcd, 2, 8, 0, 0xab},
		{0xabcd, 2, 8, 8, 0xcd},
		{0xff, 1, 9, 0, 0}, // wider than the storage
		{^uint64(0), 8, 64, 0, ^uint64(0)},
	}
	for _, test := range tests {
		if got := ExtractBitField(test.v, test.width, test.bitSize, test.bitOffet); got != test.want {
			t.Errorf("ExtractBitField(0x%x, %d, %d, %d)=0x%x want 0x%x",
				test.v, test.width, test.bitSize, test.bitOffet, got, test.want)
		}
	}
}

func TestInstanceToString(t *testing.T) {
	f := testFactory(t)
	task, _ := initTask(t, f, nil)
	tests := []struct {
		member string
		want   string
	}{
		{"pid", "1"},
		{"parent", "0x0"},
	}
	for _, test := range tests {
		m, ok := task.FindMember(test.member, ResolveNone, true)
		require.True(t, ok)
		if got := m.ToString(); got != test.want {
			t.Errorf("%s.ToString()=%q want %q", test.member, got, test.want)
		}
	}
	assert.Equal(t, "NULL", Instance{Type: task.Type}.ToString())
}
