package symbols

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

// streamFactory returns the test symbols with a few alternative types.
func streamFactory(t *testing.T) *Factory {
	t.Helper()
	f := testFileFactory(t)
	usages := []AltUsage{
		{
			Symbol: "filp", SymbolKind: SymbolParam,
			CtxType: TypeChain{{Kind: KindStruct, Name: "file"}}, CtxMembers: []string{"private_data"},
			TargetType: taskPtrChain,
			Expr: &BinaryExpr{Op: OpEq,
				L: &VarExpr{Type: mustType(t, f, 40), Transforms: []Transform{{Op: TransformMember, Member: "f_count"}}},
				R: i32(1)},
		},
		{
			Symbol: "modules", SymbolKind: SymbolGlobalVar, SrcFile: "init/init_task.c",
			TargetType: TypeChain{{Kind: KindStruct, Name: "task_struct"}},
		},
	}
	for _, u := range usages {
		n, err := f.TypeAlternateUsage(u)
		require.NoError(t, err)
		require.Equal(t, 1, n, u.String())
	}
	return f
}

type streamSummary struct {
	Hashes  map[int]uint64
	Aliases []int
	Vars    map[string]uint64
	Alts    map[string][]string
	Bits    [2]int
}

func summarize(t *testing.T, f *Factory) streamSummary {
	t.Helper()
	s := streamSummary{
		Hashes:  make(map[int]uint64),
		Aliases: f.EquivalentTypes(11),
		Vars:    make(map[string]uint64),
		Alts:    make(map[string][]string),
	}
	for _, id := range []int{2, 3, 4, 5, 6, 10, 11, 12, 13, 15, 40} {
		h, ok := mustType(t, f, id).Hash()
		require.True(t, ok, "type 0x%x", id)
		s.Hashes[id] = h
	}
	for _, v := range f.VarsByID() {
		s.Vars[v.Name()] = v.Addr()
		for _, a := range v.AltRefTypes() {
			s.Alts[v.Name()] = append(s.Alts[v.Name()], a.Type.String())
		}
	}
	file, _ := AsStructured(mustType(t, f, 40))
	for _, m := range file.Members {
		for _, a := range m.AltRefTypes() {
			desc := a.Type.String()
			if a.Expr != nil {
				desc += " if " + a.Expr.String()
			}
			s.Alts["file."+m.Name] = append(s.Alts["file."+m.Name], desc)
		}
	}
	task, _ := AsStructured(mustType(t, f, 10))
	flags, _ := task.Member("flags")
	s.Bits = [2]int{flags.BitSize, flags.BitOffset}
	return s
}

func TestStreamRoundTrip(t *testing.T) {
	f := streamFactory(t)
	want := summarize(t, f)

	for version := minStreamVersion; version <= StreamVersion; version++ {
		var buf bytes.Buffer
		n, err := f.writeVersion(&buf, version)
		require.NoError(t, err, "version %d", version)
		assert.Equal(t, int64(buf.Len()), n)

		g := NewFactory(vmem.DefaultMemSpecs(vmem.ArchX86_64), WithLogger(testLog))
		_, err = g.ReadFrom(&buf)
		require.NoError(t, err, "version %d", version)
		g.SymbolsFinished()
		assert.Equal(t, 0, g.PendingCount())
		assert.Same(t, mustType(t, g, 11), mustType(t, g, 14))

		got := summarize(t, g)
		expect := want
		if version < 2 {
			expect.Alts = map[string][]string{}
		}
		if version < 3 {
			expect.Bits = [2]int{}
			// the hashes of types holding bit-fields differ
			got.Hashes, expect.Hashes = nil, nil
		}
		if diff := cmp.Diff(expect, got); diff != "" {
			t.Errorf("version %d: round trip mismatch (-want +got):\n%s", version, diff)
		}
	}
}

func TestStreamErrors(t *testing.T) {
	var good bytes.Buffer
	_, err := testFactory(t).WriteTo(&good)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("ELF\x7f....\x03")},
		{"future version", append([]byte(streamMagic), StreamVersion+1)},
		{"version zero", append([]byte(streamMagic), 0)},
		{"truncated body", good.Bytes()[:len(streamMagic)+8]},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := NewFactory(vmem.DefaultMemSpecs(vmem.ArchX86_64))
			_, err := f.ReadFrom(bytes.NewReader(test.data))
			assert.Error(t, err)
		})
	}
}
