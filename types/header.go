package types

import (
	"encoding/binary"
	"fmt"
)

// A FileHeader represents a Mach-O file header.
type FileHeader struct {
	Magic        Magic
	CPU          CPU
	SubCPU       uint32
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        uint32
	Reserved     uint32
}

const (
	FileHeaderSize32 = 7 * 4
	FileHeaderSize64 = 8 * 4
)

// Size returns the on-disk size of the header for its magic.
func (h *FileHeader) Size() uint32 {
	if h.Magic == Magic64 {
		return FileHeaderSize64
	}
	return FileHeaderSize32
}

// Get decodes the header from b. b must hold at least Size() bytes;
// for a 32-bit header the reserved field is left zero.
func (h *FileHeader) Get(b []byte, o binary.ByteOrder) int {
	h.Magic = Magic(o.Uint32(b[0:]))
	h.CPU = CPU(o.Uint32(b[4:]))
	h.SubCPU = o.Uint32(b[8:])
	h.Type = HeaderFileType(o.Uint32(b[12:]))
	h.NCommands = o.Uint32(b[16:])
	h.SizeCommands = o.Uint32(b[20:])
	h.Flags = o.Uint32(b[24:])
	if h.Magic == Magic32 {
		h.Reserved = 0
		return FileHeaderSize32
	}
	h.Reserved = o.Uint32(b[28:])
	return FileHeaderSize64
}

func (h *FileHeader) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(h.Magic))
	o.PutUint32(b[4:], uint32(h.CPU))
	o.PutUint32(b[8:], h.SubCPU)
	o.PutUint32(b[12:], uint32(h.Type))
	o.PutUint32(b[16:], h.NCommands)
	o.PutUint32(b[20:], h.SizeCommands)
	o.PutUint32(b[24:], h.Flags)
	if h.Magic == Magic32 {
		return FileHeaderSize32
	}
	o.PutUint32(b[28:], h.Reserved)
	return FileHeaderSize64
}

func (h FileHeader) String() string {
	return fmt.Sprintf("Magic = %s, CPU = %s, Commands = %d (Size: %d)",
		h.Magic, h.CPU, h.NCommands, h.SizeCommands)
}

type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
)

var magicStrings = []IntName{
	{uint32(Magic32), "32-bit MachO"},
	{uint32(Magic64), "64-bit MachO"},
	{uint32(MagicFat), "Fat MachO"},
}

func (i Magic) Int() uint32      { return uint32(i) }
func (i Magic) String() string   { return StringName(uint32(i), magicStrings, false) }
func (i Magic) GoString() string { return StringName(uint32(i), magicStrings, true) }

// MagicOrder matches the first four bytes of a file or slice against the
// known magic words in both byte orders. The returned order is the one
// under which the remaining integer fields of that container decode to
// host values; a byte-swapped magic (the *_CIGAM forms) simply resolves
// to the opposite order.
func MagicOrder(b []byte) (Magic, binary.ByteOrder, error) {
	le := Magic(binary.LittleEndian.Uint32(b))
	be := Magic(binary.BigEndian.Uint32(b))
	switch {
	case le == Magic32 || le == Magic64 || le == MagicFat:
		return le, binary.LittleEndian, nil
	case be == Magic32 || be == Magic64 || be == MagicFat:
		return be, binary.BigEndian, nil
	}
	return 0, nil, fmt.Errorf("unknown magic %#08x", uint32(be))
}

// A HeaderFileType is the Mach-O file type, e.g. an object file, executable, or dynamic library.
type HeaderFileType uint32

const (
	MH_OBJECT   HeaderFileType = 0x1 /* relocatable object file */
	MH_EXECUTE  HeaderFileType = 0x2 /* demand paged executable file */
	MH_DYLIB    HeaderFileType = 0x6 /* dynamically bound shared library */
	MH_DYLINKER HeaderFileType = 0x7 /* dynamic link editor */
	MH_BUNDLE   HeaderFileType = 0x8 /* dynamically bound bundle file */
	MH_DSYM     HeaderFileType = 0xa /* companion file with only debug sections */
)

// A FatHeader is the dispatch header of a universal binary. Fat headers
// and their arch entries are stored big-endian on disk.
type FatHeader struct {
	Magic Magic
	NArch uint32
}

const FatHeaderSize = 2 * 4

func (h *FatHeader) Get(b []byte, o binary.ByteOrder) int {
	h.Magic = Magic(o.Uint32(b[0:]))
	h.NArch = o.Uint32(b[4:])
	return FatHeaderSize
}

func (h *FatHeader) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(h.Magic))
	o.PutUint32(b[4:], h.NArch)
	return FatHeaderSize
}

// A FatArch describes one architecture-specific slice of a universal
// binary. The slice begins at Offset and must be aligned to 1<<Align.
type FatArch struct {
	CPU    CPU
	SubCPU uint32
	Offset uint32
	Size   uint32
	Align  uint32
}

const FatArchSize = 5 * 4

func (a *FatArch) Get(b []byte, o binary.ByteOrder) int {
	a.CPU = CPU(o.Uint32(b[0:]))
	a.SubCPU = o.Uint32(b[4:])
	a.Offset = o.Uint32(b[8:])
	a.Size = o.Uint32(b[12:])
	a.Align = o.Uint32(b[16:])
	return FatArchSize
}

func (a *FatArch) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(a.CPU))
	o.PutUint32(b[4:], a.SubCPU)
	o.PutUint32(b[8:], a.Offset)
	o.PutUint32(b[12:], a.Size)
	o.PutUint32(b[16:], a.Align)
	return FatArchSize
}

func (a FatArch) String() string {
	return fmt.Sprintf("%s (off=%#x, size=%#x, align=2^%d)", a.CPU, a.Offset, a.Size, a.Align)
}
