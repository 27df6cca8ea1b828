package symbols

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

func TestFactoryLoad(t *testing.T) {
	f := testFactory(t)

	assert.Equal(t, 0, f.PendingCount())
	s := f.Stats()
	assert.Equal(t, 2, s.Vars)
	assert.Equal(t, 1, s.CompileUnits)
	assert.Equal(t, 1, s.Collapsed)

	// 14 is a second "struct task_struct *"
	assert.Same(t, mustType(t, f, 11), mustType(t, f, 14))
	if diff := cmp.Diff([]int{11, 14}, f.EquivalentTypes(14)); diff != "" {
		t.Errorf("EquivalentTypes(14) mismatch (-want +got):\n%s", diff)
	}

	task, ok := f.FindTypeByName("task_struct")
	require.True(t, ok)
	assert.Equal(t, KindStruct, task.Kind())
	h, ok := task.Hash()
	require.True(t, ok)
	assert.Contains(t, f.FindTypesByHash(h), task)

	sizes := []struct {
		id   int
		want uint64
	}{
		{2, 4},
		{5, 8},
		{10, 64},
		{12, 4},  // typedef
		{13, 16}, // char[16]
	}
	for _, test := range sizes {
		if got := mustType(t, f, test.id).Size(); got != test.want {
			t.Errorf("type 0x%x: Size()=%d want %d", test.id, got, test.want)
		}
	}

	v, ok := f.FindVarByName("init_task")
	require.True(t, ok)
	assert.Same(t, task, v.Type())
	got, ok := f.Vars().FindAddr(initTaskAddr + 60)
	require.True(t, ok)
	assert.Equal(t, "init_task", got.Name())
	_, ok = f.FindVarByID(99)
	assert.False(t, ok)
}

func TestListHeadSynthesis(t *testing.T) {
	f := testFactory(t)
	task, ok := AsStructured(mustType(t, f, 10))
	require.True(t, ok)

	tests := []struct {
		member    string
		wantExtra int64
	}{
		{"tasks", -8},
		{"children", -40}, // relative to sibling
		{"sibling", -40},
	}
	for _, test := range tests {
		m, ok := task.Member(test.member)
		require.True(t, ok, test.member)
		lh, ok := m.RefType().(*StructuredType)
		require.True(t, ok, "%s: %T", test.member, m.RefType())
		assert.Equal(t, IDListHead, lh.ID())
		assert.Equal(t, 6, m.OrigRefTypeID())
		for _, link := range lh.Members {
			p, ok := link.RefType().(*PointerType)
			require.True(t, ok)
			if p.MacroExtraOffset != test.wantExtra {
				t.Errorf("%s.%s: MacroExtraOffset=%d want %d", test.member, link.Name, p.MacroExtraOffset, test.wantExtra)
			}
			assert.Same(t, task, p.RefType(), "%s.%s", test.member, link.Name)
		}
	}

	// variables of type list_head get the generic list head
	mods, ok := f.FindVarByName("modules")
	require.True(t, ok)
	lh, ok := mods.Type().(*StructuredType)
	require.True(t, ok)
	assert.Equal(t, IDListHead, lh.ID())
	next := lh.Members[0].RefType().(*PointerType)
	assert.Equal(t, int64(0), next.MacroExtraOffset)
	assert.Same(t, lh, next.RefType())

	s := f.Stats()
	assert.Equal(t, 1, s.ListHeads)
	assert.Equal(t, 3, s.ListMembers)
}

func TestHListNodeSynthesis(t *testing.T) {
	feed := `
- {kind: pointer, id: 2, ref: 3, size: 8}
- {kind: pointer, id: 4, ref: 2, size: 8}
- kind: struct
  id: 3
  name: hlist_node
  size: 16
  members:
    - {name: next, ref: 2, location: 0}
    - {name: pprev, ref: 4, location: 8}
- kind: struct
  id: 5
  name: inode
  size: 40
  members:
    - {name: i_ino, ref: 2, location: 0}
    - {name: i_hash, ref: 3, location: 24}
`
	f := NewFactory(vmem.DefaultMemSpecs(vmem.ArchX86_64), WithLogger(testLog))
	require.NoError(t, f.LoadFeedYAML(strings.NewReader(feed)))
	inode, _ := AsStructured(mustType(t, f, 5))
	m, ok := inode.Member("i_hash")
	require.True(t, ok)
	node := m.RefType().(*StructuredType)
	assert.Equal(t, IDHListNode, node.ID())

	next := node.Members[0].RefType().(*PointerType)
	assert.Equal(t, int64(-24), next.MacroExtraOffset)
	assert.Same(t, inode, next.RefType())
	pprev := node.Members[1].RefType().(*PointerType)
	assert.Same(t, next, pprev.RefType())
}

func reversed(infos []TypeInfo) []TypeInfo {
	r := make([]TypeInfo, len(infos))
	for i := range infos {
		r[len(infos)-1-i] = infos[i]
	}
	return r
}

// Structural hashes do not depend on the order in which records arrive.
func TestLoadOrderIndependence(t *testing.T) {
	infos := testInfos(t)
	varsFirst := append([]TypeInfo(nil), infos[len(infos)-2:]...)
	varsFirst = append(varsFirst, infos[:len(infos)-2]...)

	orders := map[string][]TypeInfo{
		"forward":   infos,
		"reverse":   reversed(infos),
		"varsFirst": varsFirst,
	}
	ids := []int{2, 3, 4, 5, 6, 10, 11, 12, 13, 14, 15}
	hashes := make(map[string]map[int]uint64)
	extras := make(map[string][]int64)
	for name, order := range orders {
		f := NewFactory(vmem.DefaultMemSpecs(vmem.ArchX86_64), WithLogger(testLog))
		require.NoError(t, f.AddSymbols(order), name)
		f.SymbolsFinished()
		assert.Equal(t, 0, f.PendingCount(), name)

		hashes[name] = make(map[int]uint64)
		for _, id := range ids {
			h, ok := mustType(t, f, id).Hash()
			require.True(t, ok, "%s: type 0x%x has no valid hash", name, id)
			hashes[name][id] = h
		}
		task, _ := AsStructured(mustType(t, f, 10))
		for _, m := range task.Members {
			if lh, ok := m.RefType().(*StructuredType); ok {
				extras[name] = append(extras[name], lh.Members[0].RefType().(*PointerType).MacroExtraOffset)
			}
		}
		v, ok := f.Vars().FindAddr(initTaskAddr + 8)
		require.True(t, ok, name)
		assert.Equal(t, "init_task", v.Name())
	}
	for name := range orders {
		if diff := cmp.Diff(hashes["forward"], hashes[name]); diff != "" {
			t.Errorf("%s: hashes differ from forward order (-forward +%s):\n%s", name, name, diff)
		}
		if diff := cmp.Diff(extras["forward"], extras[name]); diff != "" {
			t.Errorf("%s: list offsets differ (-forward +%s):\n%s", name, name, diff)
		}
	}
}

func TestHashInvalidation(t *testing.T) {
	f := NewFactory(vmem.DefaultMemSpecs(vmem.ArchX86_64))
	require.NoError(t, f.AddSymbol(TypeInfo{Kind: DeclPointer, ID: 2, RefTypeID: 3}))
	p := mustType(t, f, 2)
	_, ok := p.Hash()
	assert.False(t, ok, "hash of an unresolved pointer must be invalid")
	assert.Equal(t, 1, f.PendingCount())

	require.NoError(t, f.AddSymbol(TypeInfo{Kind: DeclBase, ID: 3, Name: "int", ByteSize: 4, Encoding: EncodingSigned}))
	h, ok := p.Hash()
	require.True(t, ok)
	assert.Contains(t, f.FindTypesByHash(h), p)
	assert.Equal(t, 1, f.Stats().Relocated)

	// a resolved pointer to an equal type collapses immediately
	require.NoError(t, f.AddSymbol(TypeInfo{Kind: DeclPointer, ID: 4, RefTypeID: 3}))
	assert.Same(t, p, mustType(t, f, 4))

	// SetRefType invalidates only the changed type
	i8 := &NumericType{baseType: baseType{id: 9, name: "char", size: 1, kind: KindInt8}}
	pt := p.(*PointerType)
	pt.SetRefType(i8)
	h2, ok := pt.Hash()
	require.True(t, ok)
	assert.NotEqual(t, h, h2)
}

func TestDeclarationErrors(t *testing.T) {
	tests := []struct {
		name      string
		record    string
		wantField string
	}{
		{"base without encoding", `{kind: base, id: 30, name: x, size: 4}`, "encoding"},
		{"base with odd size", `{kind: base, id: 30, name: x, size: 3, encoding: signed}`, "size"},
		{"variable without address", `{kind: variable, id: 31, name: v, ref: 2}`, "location"},
		{"array without ref", `{kind: array, id: 32}`, "ref"},
		{"typedef without name", `{kind: typedef, id: 33, ref: 2}`, "name"},
		{"member without ref", `{kind: struct, id: 34, members: [{name: m, location: 0}]}`, "ref"},
		{"conflicting id", `{kind: pointer, id: 2}`, "id"},
		{"unknown kind", `{kind: member, id: 35, ref: 2}`, "kind"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := testFactory(t)
			infos, err := ReadFeedYAML(strings.NewReader(test.record))
			require.NoError(t, err)
			require.Len(t, infos, 1)
			err = f.AddSymbol(infos[0])
			var de *DeclarationError
			require.True(t, errors.As(err, &de), "AddSymbol()=%v want *DeclarationError", err)
			assert.Equal(t, test.wantField, de.Field)
		})
	}

	// identical redeclarations are accepted
	f := testFactory(t)
	assert.NoError(t, f.AddSymbol(TypeInfo{Kind: DeclBase, ID: 2, Name: "int", ByteSize: 4, Encoding: EncodingSigned}))
}

func TestFeedYAMLDocuments(t *testing.T) {
	feed := `
kind: base
id: 2
name: int
size: 4
encoding: signed
---
- {kind: pointer_type, id: 3, ref: 2}
- {kind: Typedef, id: 4, name: s32, ref: 2}
---
`
	infos, err := ReadFeedYAML(strings.NewReader(feed))
	require.NoError(t, err)
	want := []DeclKind{DeclBase, DeclPointer, DeclTypedef}
	var got []DeclKind
	for _, info := range infos {
		got = append(got, info.Kind)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}

	for _, empty := range []string{"", "---\n", "---\n---\n", "~\n", "---\nnull\n---\n"} {
		infos, err := ReadFeedYAML(strings.NewReader(empty))
		assert.NoError(t, err, "%q", empty)
		assert.Empty(t, infos, "%q", empty)
	}
	_, err = ReadFeedYAML(strings.NewReader("just a string\n"))
	assert.Error(t, err)
	_, err = ReadFeedYAML(strings.NewReader("- {kind: base, id: 2}\n---\n42\n"))
	assert.Error(t, err)
}
