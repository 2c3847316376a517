package insdylib

// Helpers that assemble small synthetic Mach-O images for the patcher
// tests. Layout mirrors what a linker would emit: header, load
// commands, slack, __TEXT data, then a terminal __LINKEDIT.

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appsworld/insert-dylib/types"
)

func segname16(s string) (b [16]byte) {
	copy(b[:], s)
	return
}

type sliceImage struct {
	magic types.Magic
	order binary.ByteOrder
	size  uint64
	cmds  [][]byte
	// extra content written at absolute offsets within the slice
	// (linkedit payload, signature blob, ...)
	patches map[uint64][]byte
}

func (s sliceImage) headerSize() uint64 {
	if s.magic == types.Magic64 {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

func (s sliceImage) sizeOfCmds() uint32 {
	var n uint32
	for _, c := range s.cmds {
		n += uint32(len(c))
	}
	return n
}

// build assembles the slice bytes. Uninitialized regions stay zero, so
// the gap between the command region and the first mapped data is valid
// slack.
func (s sliceImage) build(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, s.size)

	cpu := types.CPUAmd64
	if s.magic == types.Magic32 {
		cpu = types.CPU386
	}
	hdr := types.FileHeader{
		Magic:        s.magic,
		CPU:          cpu,
		SubCPU:       3,
		Type:         types.MH_EXECUTE,
		NCommands:    uint32(len(s.cmds)),
		SizeCommands: s.sizeOfCmds(),
		Flags:        0x85,
	}
	hdr.Put(buf, s.order)

	off := s.headerSize()
	for _, c := range s.cmds {
		require.LessOrEqual(t, off+uint64(len(c)), s.size, "command region overflows the slice")
		copy(buf[off:], c)
		off += uint64(len(c))
	}
	// Apply in ascending offset order so a later patch may overlay an
	// earlier fill.
	offsets := make([]uint64, 0, len(s.patches))
	for at := range s.patches {
		offsets = append(offsets, at)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, at := range offsets {
		data := s.patches[at]
		require.LessOrEqual(t, at+uint64(len(data)), s.size, "patch overflows the slice")
		copy(buf[at:], data)
	}
	return buf
}

func seg64Cmd(o binary.ByteOrder, name string, addr, memsz, off, filesz uint64) []byte {
	seg := types.Segment64{
		Cmd:     types.LC_SEGMENT_64,
		Len:     types.Segment64Size,
		Name:    segname16(name),
		Addr:    addr,
		Memsz:   memsz,
		Offset:  off,
		Filesz:  filesz,
		Maxprot: 7,
		Prot:    5,
	}
	buf := make([]byte, types.Segment64Size)
	seg.Put(buf, o)
	return buf
}

func seg32Cmd(o binary.ByteOrder, name string, addr, memsz, off, filesz uint32) []byte {
	seg := types.Segment32{
		Cmd:     types.LC_SEGMENT,
		Len:     types.Segment32Size,
		Name:    segname16(name),
		Addr:    addr,
		Memsz:   memsz,
		Offset:  off,
		Filesz:  filesz,
		Maxprot: 7,
		Prot:    5,
	}
	buf := make([]byte, types.Segment32Size)
	seg.Put(buf, o)
	return buf
}

func symtabCmd(o binary.ByteOrder, symoff, nsyms, stroff, strsize uint32) []byte {
	c := types.SymtabCmd{
		Cmd:     types.LC_SYMTAB,
		Len:     types.SymtabCmdSize,
		Symoff:  symoff,
		Nsyms:   nsyms,
		Stroff:  stroff,
		Strsize: strsize,
	}
	buf := make([]byte, types.SymtabCmdSize)
	c.Put(buf, o)
	return buf
}

func codesigCmd(o binary.ByteOrder, dataoff, datasize uint32) []byte {
	c := types.LinkEditDataCmd{
		Cmd:    types.LC_CODE_SIGNATURE,
		Len:    types.LinkEditDataCmdSize,
		Offset: dataoff,
		Size:   datasize,
	}
	buf := make([]byte, types.LinkEditDataCmdSize)
	c.Put(buf, o)
	return buf
}

func dylibCmd(o binary.ByteOrder, cmd types.LoadCmd, path string) []byte {
	pathSize := (uint32(len(path)) &^ 7) + 8
	c := types.DylibCmd{
		Cmd:        cmd,
		Len:        types.DylibCmdSize + pathSize,
		NameOffset: types.DylibCmdSize,
	}
	buf := make([]byte, c.Len)
	c.Put(buf, o)
	copy(buf[types.DylibCmdSize:], path)
	return buf
}

// sigBlob is a minimal embedded-signature superblob: just the magic and
// a length, padded with a recognizable filler.
func sigBlob(size uint32) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint32(b[0:], uint32(types.CSMAGIC_EMBEDDED_SIGNATURE))
	binary.BigEndian.PutUint32(b[4:], size)
	for i := 8; i < len(b); i++ {
		b[i] = 0xcc
	}
	return b
}

func linkeditFill(size uint32) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(0x40 + i%23)
	}
	return b
}

// writeBinary drops the assembled image into a temp file and returns
// its path.
func writeBinary(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "binary")
	require.NoError(t, os.WriteFile(path, contents, 0o755))
	return path
}

// thin64 builds the canonical three-segment 64-bit image used by most
// tests: __PAGEZERO, __TEXT mapping [0, 0x1000) and a terminal
// __LINKEDIT mapping [0x1000, size).
func thin64(t *testing.T, o binary.ByteOrder, size uint64, extraCmds ...[]byte) sliceImage {
	t.Helper()
	cmds := [][]byte{
		seg64Cmd(o, "__PAGEZERO", 0, 0x100000000, 0, 0),
		seg64Cmd(o, "__TEXT", 0x100000000, 0x1000, 0, 0x1000),
		seg64Cmd(o, "__LINKEDIT", 0x100001000, 0x1000, 0x1000, size-0x1000),
	}
	cmds = append(cmds, extraCmds...)
	return sliceImage{
		magic: types.Magic64,
		order: o,
		size:  size,
		cmds:  cmds,
		patches: map[uint64][]byte{
			0x1000: linkeditFill(uint32(size - 0x1000)),
		},
	}
}
