package symbols

import (
	"encoding/binary"
	"flag"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/logging"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

var debugLevel = flag.Int("debuglevel", 0, "debug verbosity level")

var testLog = logr.Discard()

func TestMain(m *testing.M) {
	flag.Parse()
	if *debugLevel > 0 {
		testLog = logging.MustNewLogger(strconv.Itoa(*debugLevel))
	}
	os.Exit(m.Run())
}

const (
	initTaskAddr = 0xffffffff81a00000
	modulesAddr  = 0xffffffff81a00100
)

// testFeed describes a tiny x86_64 kernel:
//
//	struct list_head { struct list_head *next, *prev; };
//	struct task_struct {
//		int pid;
//		int flags:3;
//		struct list_head tasks;
//		struct list_head children;
//		struct list_head sibling;
//		struct task_struct *parent;
//	};
//	struct task_struct init_task;
//	struct list_head modules;
const testFeed = `
- {kind: compile_unit, id: 1, name: init/init_task.c, dir: /usr/src/linux}
- {kind: base, id: 2, name: int, size: 4, encoding: signed}
- {kind: base, id: 3, name: long unsigned int, size: 8, encoding: unsigned}
- {kind: base, id: 4, name: char, size: 1, encoding: signed_char}
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
  size: 64
  members:
    - {name: pid, ref: 2, location: 0}
    - {name: flags, ref: 2, location: 4, bitsize: 3, bitoffset: 29}
    - {name: tasks, ref: 6, location: 8}
    - {name: children, ref: 6, location: 24}
    - {name: sibling, ref: 6, location: 40}
    - {name: parent, ref: 11, location: 56}
- {kind: pointer, id: 11, ref: 10, size: 8}
- {kind: typedef, id: 12, name: pid_t, ref: 2}
- {kind: array, id: 13, ref: 4, upper: 15}
- {kind: pointer, id: 14, ref: 10, size: 8}
- {kind: pointer, id: 15, ref: 0, size: 8}
- {kind: variable, id: 20, name: init_task, ref: 10, location: 0xffffffff81a00000, file: 1}
- {kind: variable, id: 21, name: modules, ref: 6, location: 0xffffffff81a00100, file: 1}
`

func testInfos(t *testing.T) []TypeInfo {
	t.Helper()
	infos, err := ReadFeedYAML(strings.NewReader(testFeed))
	require.NoError(t, err)
	return infos
}

func testFactory(t *testing.T) *Factory {
	t.Helper()
	f := NewFactory(vmem.DefaultMemSpecs(vmem.ArchX86_64), WithLogger(testLog))
	require.NoError(t, f.AddSymbols(testInfos(t)))
	f.SymbolsFinished()
	return f
}

func mustType(t *testing.T, f *Factory, id int) Type {
	t.Helper()
	typ, ok := f.FindTypeByID(id)
	require.True(t, ok, "type 0x%x not found", id)
	return typ
}

// taskBytes encodes a task_struct located at addr. The tasks list is
// empty, children and sibling are zeroed.
func taskBytes(addr uint64, pid int32, flags uint32) []byte {
	b := make([]byte, 64)
	binary.LittleEndian.PutUint32(b[0:], uint32(pid))
	binary.LittleEndian.PutUint32(b[4:], flags)
	binary.LittleEndian.PutUint64(b[8:], addr+8)
	binary.LittleEndian.PutUint64(b[16:], addr+8)
	return b
}

// testMemory maps init_task, a copy of it at copyAddr and the modules list
// head.
func testMemory(copyAddr uint64, copyData []byte) *vmem.Image {
	img := vmem.NewImage(vmem.DefaultMemSpecs(vmem.ArchX86_64))
	img.Map(initTaskAddr, taskBytes(initTaskAddr, 1, 0xf5), "init_task")
	mods := make([]byte, 16)
	binary.LittleEndian.PutUint64(mods[0:], modulesAddr)
	binary.LittleEndian.PutUint64(mods[8:], modulesAddr)
	img.Map(modulesAddr, mods, "modules")
	if copyData != nil {
		img.Map(copyAddr, copyData, "copy")
	}
	return img
}
