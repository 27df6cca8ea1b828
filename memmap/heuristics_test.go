package memmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/symbols"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

func TestIsDefaultValue(t *testing.T) {
	specs := vmem.DefaultMemSpecs(vmem.ArchX86_64)
	tests := []struct {
		v    uint64
		want bool
	}{
		{0, true},
		{0xffffffff, true},
		{^uint64(0), true},
		{^uint64(0) - 21, true}, // -EINVAL
		{0xffffffff - 11, true},
		{0x00100100, true},
		{0x00200200, true},
		{^uint64(0) - 4096, false},
		{0xffff880000100000, false},
		{1, false},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, IsDefaultValue(test.v, &specs), "IsDefaultValue(0x%x)", test.v)
	}
}

func TestIsValidAddress(t *testing.T) {
	x64 := vmem.DefaultMemSpecs(vmem.ArchX86_64)
	i386 := vmem.DefaultMemSpecs(vmem.ArchI386)
	i386.HighMemory = 0xf7ffffff
	tests := []struct {
		name         string
		specs        *vmem.MemSpecs
		addr         uint64
		defaultValid bool
		want         bool
	}{
		{"direct map", &x64, 0xffff880000100000, false, true},
		{"vmalloc", &x64, 0xffffc90000001000, false, true},
		{"vmemmap", &x64, 0xffffea0000000040, false, true},
		{"kernel text", &x64, 0xffffffff81a00000, false, true},
		{"module", &x64, 0xffffffffa0010000, false, true},
		{"hole", &x64, 0xffffe90000000000, false, false},
		{"user", &x64, 0x00007fff00000000, false, false},
		{"non-canonical", &x64, 0x0000900000000000, false, false},
		{"null", &x64, 0, false, false},
		{"null default", &x64, 0, true, true},
		{"poison default", &x64, 0x00100100, true, true},
		{"lowmem", &i386, 0xc1000000, false, true},
		{"vmalloc 32", &i386, 0xf8100000, false, true},
		{"user 32", &i386, 0x08048000, false, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, IsValidAddress(test.addr, test.specs, test.defaultValid))
		})
	}
	assert.True(t, IsUserLandAddress(0x00007fff00000000, &x64))
	assert.False(t, IsUserLandAddress(0x1000, &x64))
	assert.True(t, IsUserLandAddress(0x08048000, &i386))
}

func TestValidListHead(t *testing.T) {
	f := testFactory(t)
	initTask, t1, t2 := taskList()
	img := kernelImage(initTask, 0, t1, t2)
	v, ok := f.FindVarByName("init_task")
	require.True(t, ok)
	task := v.ToInstance(img, symbols.ResolveLexical)
	tasks, ok := task.FindMember("tasks", symbols.ResolveNone, true)
	require.True(t, ok)
	assert.True(t, IsListHead(tasks))
	assert.True(t, ValidListHead(tasks, false))
	assert.True(t, ValidInstance(task))

	// a broken back link
	broken := t1
	broken.prev = task1Addr + 8
	img = kernelImage(initTask, 0, broken, t2)
	task = v.ToInstance(img, symbols.ResolveLexical)
	tasks, _ = task.FindMember("tasks", symbols.ResolveNone, true)
	assert.False(t, ValidListHead(tasks, false))

	// links holding default values
	empty := make([]byte, 16)
	mem := vmem.NewImage(vmem.DefaultMemSpecs(vmem.ArchX86_64))
	mem.Map(modulesAddr, empty, "modules")
	mods, _ := f.FindVarByName("modules")
	head := mods.ToInstance(mem, symbols.ResolveLexical)
	assert.True(t, ValidListHead(head, true))
	assert.False(t, ValidListHead(head, false))
	assert.False(t, ValidInstance(symbols.NewInstance(task1Addr+2, task.Type, img, "unaligned", nil)))
}

func TestIsHeadOfList(t *testing.T) {
	f := testFactory(t)
	initTask, t1, t2 := taskList()
	img := kernelImage(initTask, 0, t1, t2)
	m := NewMap(f, img, WithLogger(testLog))
	v, _ := f.FindVarByName("init_task")
	inst := v.ToInstance(img, symbols.ResolveLexical)
	n, err := NewNode(m, nil, inst, 0)
	require.NoError(t, err)

	// init_task.tasks links init_task into a list of tasks
	tasks, _ := inst.FindMember("tasks", symbols.ResolveNone, true)
	assert.False(t, IsHeadOfList(n, tasks))
	first, ok := firstListEntry(tasks)
	require.True(t, ok)
	assert.Equal(t, uint64(task1Addr), first.Addr)
	assert.True(t, ValidCandidateForListHead(tasks, first))
	assert.False(t, ValidCandidateForListHead(tasks, symbols.NewInstance(task2Addr, first.Type, img, "", nil)))
}

func TestHeuristicsOracle(t *testing.T) {
	f := testFactory(t)
	initTask, t1, t2 := taskList()
	v, _ := f.FindVarByName("init_task")
	var o HeuristicsOracle

	img := kernelImage(initTask, 0, t1, t2)
	assert.Equal(t, 1.0, o.InitialProbability(v.ToInstance(img, symbols.ResolveLexical)))

	// a parent pointer into user space
	bad := initTask
	bad.parent = 0x00007fff00001000
	img = kernelImage(bad, 0, t1, t2)
	assert.InDelta(t, 1-PenaltyInvalidPointer, o.InitialProbability(v.ToInstance(img, symbols.ResolveLexical)), 1e-9)

	// nothing mapped
	img = vmem.NewImage(vmem.DefaultMemSpecs(vmem.ArchX86_64))
	assert.InDelta(t, 1-PenaltyInvalidInstance, o.InitialProbability(v.ToInstance(img, symbols.ResolveLexical)), 1e-9)
}
