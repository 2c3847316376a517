package insdylib

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appsworld/insert-dylib/types"
)

type fatEntry struct {
	cpu    types.CPU
	sub    uint32
	offset uint32
	align  uint32
	data   []byte
}

func buildFat(t *testing.T, total uint64, entries []fatEntry) []byte {
	t.Helper()
	be := binary.BigEndian
	buf := make([]byte, total)

	fh := types.FatHeader{Magic: types.MagicFat, NArch: uint32(len(entries))}
	fh.Put(buf, be)
	for k, e := range entries {
		arch := types.FatArch{
			CPU:    e.cpu,
			SubCPU: e.sub,
			Offset: e.offset,
			Size:   uint32(len(e.data)),
			Align:  e.align,
		}
		arch.Put(buf[types.FatHeaderSize+k*types.FatArchSize:], be)
		require.LessOrEqual(t, uint64(e.offset)+uint64(len(e.data)), total, "slice overflows the fat file")
		copy(buf[e.offset:], e.data)
	}
	return buf
}

func readFatArchs(t *testing.T, data []byte) []types.FatArch {
	t.Helper()
	be := binary.BigEndian
	var fh types.FatHeader
	fh.Get(data, be)
	archs := make([]types.FatArch, fh.NArch)
	for k := range archs {
		archs[k].Get(data[types.FatHeaderSize+k*types.FatArchSize:], be)
	}
	return archs
}

func checkArchInvariants(t *testing.T, archs []types.FatArch) {
	t.Helper()
	for k, a := range archs {
		if a.Offset%(1<<a.Align) != 0 {
			t.Errorf("arch %d offset %#x not aligned to %#x", k, a.Offset, uint32(1)<<a.Align)
		}
		if k > 0 {
			prev := archs[k-1]
			if prev.Offset+prev.Size > a.Offset {
				t.Errorf("arch %d at %#x overlaps arch %d ending at %#x", k, a.Offset, k-1, prev.Offset+prev.Size)
			}
		}
	}
}

// hasDylibCommand walks a thin slice and reports whether it carries a
// load command for the given path.
func hasDylibCommand(t *testing.T, data []byte, headerOffset uint64, path string) bool {
	t.Helper()
	_, o, err := types.MagicOrder(data[headerOffset:])
	require.NoError(t, err)
	var hdr types.FileHeader
	hdr.Get(data[headerOffset:], o)
	pos := headerOffset + uint64(hdr.Size())
	for i := uint32(0); i < hdr.NCommands; i++ {
		var lc types.CmdHeader
		lc.Get(data[pos:], o)
		if lc.Cmd == types.LC_LOAD_DYLIB || lc.Cmd == types.LC_LOAD_WEAK_DYLIB {
			var cmd types.DylibCmd
			cmd.Get(data[pos:], o)
			name := data[pos+uint64(cmd.NameOffset) : pos+uint64(lc.Len)]
			if i := bytes.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
			if string(name) == path {
				return true
			}
		}
		pos += uint64(lc.Len)
	}
	return false
}

// Scenario: two arches, no stripping. The gap the original linker left
// between them is compacted, the second slice is relocated to the next
// aligned position, and both slices gain the load command.
func TestPatchFatTwoArches(t *testing.T) {
	le := binary.LittleEndian

	slice32 := sliceImage{
		magic: types.Magic32,
		order: le,
		size:  0x2000,
		cmds: [][]byte{
			seg32Cmd(le, "__PAGEZERO", 0, 0x1000, 0, 0),
			seg32Cmd(le, "__TEXT", 0x1000, 0x1000, 0, 0x1000),
			seg32Cmd(le, "__LINKEDIT", 0x2000, 0x1000, 0x1000, 0x1000),
		},
		patches: map[uint64][]byte{0x1000: linkeditFill(0x1000)},
	}.build(t)
	slice64 := thin64(t, le, 0x2000).build(t)

	input := buildFat(t, 0x7000, []fatEntry{
		{cpu: types.CPU386, sub: 3, offset: 0x1000, align: 12, data: slice32},
		{cpu: types.CPUAmd64, sub: 3, offset: 0x5000, align: 12, data: slice64},
	})
	path := writeBinary(t, input)

	res := patchFile(t, path, Config{DylibPath: "/foo/bar"})
	require.Equal(t, &Result{Fat: true, NArch: 2}, res)

	got, err := os.ReadFile(path)
	require.NoError(t, err)

	archs := readFatArchs(t, got)
	require.Len(t, archs, 2)
	checkArchInvariants(t, archs)

	if archs[0].Offset != 0x1000 || archs[0].Size != 0x2000 {
		t.Errorf("arch 0 = %+v", archs[0])
	}
	// The second slice moved down to the first aligned offset after the
	// first slice.
	if archs[1].Offset != 0x3000 || archs[1].Size != 0x2000 {
		t.Errorf("arch 1 = %+v", archs[1])
	}

	// File truncated to the end of the last slice.
	require.Len(t, got, 0x5000)

	for k, a := range archs {
		if !hasDylibCommand(t, got, uint64(a.Offset), "/foo/bar") {
			t.Errorf("arch %d does not contain the inserted dylib", k)
		}
	}
}

// Scenario: the first slice shrinks from a codesign strip. The stale
// signature bytes before the next slice are zeroed and the file keeps
// its layout otherwise.
func TestPatchFatStripShrinksFirstSlice(t *testing.T) {
	le := binary.LittleEndian

	signed := thin64(t, le, 0x2000,
		symtabCmd(le, 0x1000, 8, 0x1400, 0x3f8),
		codesigCmd(le, 0x1800, 0x800),
	)
	signed.patches[0x1800] = sigBlob(0x800)

	input := buildFat(t, 0x5000, []fatEntry{
		{cpu: types.CPUArm64, sub: 0, offset: 0x1000, align: 12, data: signed.build(t)},
		{cpu: types.CPUAmd64, sub: 3, offset: 0x3000, align: 12, data: thin64(t, le, 0x2000).build(t)},
	})
	path := writeBinary(t, input)

	res := patchFile(t, path, Config{DylibPath: "/x", StripCodesign: true})
	require.Equal(t, &Result{Fat: true, NArch: 2}, res)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 0x5000)

	archs := readFatArchs(t, got)
	checkArchInvariants(t, archs)
	if archs[0].Size != 0x1800 {
		t.Errorf("arch 0 size = %#x, want 0x1800", archs[0].Size)
	}
	if archs[1].Offset != 0x3000 {
		t.Errorf("arch 1 offset = %#x, want 0x3000", archs[1].Offset)
	}

	// Stale signature bytes between the shrunk slice and the next one
	// are gone.
	if !bytes.Equal(got[0x2800:0x3000], make([]byte, 0x800)) {
		t.Error("stale bytes between slices were not zeroed")
	}

	for k, a := range archs {
		if !hasDylibCommand(t, got, uint64(a.Offset), "/x") {
			t.Errorf("arch %d does not contain the inserted dylib", k)
		}
	}
}

// An arch whose inner magic is unrecognizable fails alone; the other
// arch is still patched.
func TestPatchFatUnknownInnerMagic(t *testing.T) {
	le := binary.LittleEndian

	garbage := make([]byte, 0x1000)
	copy(garbage, "GARBAGEGARBAGE")

	input := buildFat(t, 0x4000, []fatEntry{
		{cpu: types.CPUAmd64, sub: 3, offset: 0x1000, align: 12, data: thin64(t, le, 0x2000).build(t)},
		{cpu: types.CPUArm64, sub: 0, offset: 0x3000, align: 12, data: garbage},
	})
	path := writeBinary(t, input)

	res := patchFile(t, path, Config{DylibPath: "/foo/bar"})
	require.Equal(t, &Result{Fat: true, NArch: 2, Failed: 1}, res)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	archs := readFatArchs(t, got)
	if !hasDylibCommand(t, got, uint64(archs[0].Offset), "/foo/bar") {
		t.Error("healthy arch was not patched")
	}
}

// Fat idempotence: a second run over a compacted fat file changes
// nothing.
func TestPatchFatIdempotent(t *testing.T) {
	le := binary.LittleEndian
	input := buildFat(t, 0x7000, []fatEntry{
		{cpu: types.CPU386, sub: 3, offset: 0x1000, align: 12, data: sliceImage{
			magic: types.Magic32,
			order: le,
			size:  0x2000,
			cmds: [][]byte{
				seg32Cmd(le, "__PAGEZERO", 0, 0x1000, 0, 0),
				seg32Cmd(le, "__TEXT", 0x1000, 0x1000, 0, 0x1000),
				seg32Cmd(le, "__LINKEDIT", 0x2000, 0x1000, 0x1000, 0x1000),
			},
			patches: map[uint64][]byte{0x1000: linkeditFill(0x1000)},
		}.build(t)},
		{cpu: types.CPUAmd64, sub: 3, offset: 0x5000, align: 12, data: thin64(t, le, 0x2000).build(t)},
	})
	path := writeBinary(t, input)
	cfg := Config{DylibPath: "/foo/bar"}

	patchFile(t, path, cfg)
	once, err := os.ReadFile(path)
	require.NoError(t, err)

	res := patchFile(t, path, cfg)
	require.Equal(t, &Result{Fat: true, NArch: 2}, res)
	twice, err := os.ReadFile(path)
	require.NoError(t, err)

	if !bytes.Equal(once, twice) {
		t.Error("second run modified the fat file")
	}
}
