package types

import (
	"encoding/binary"
	"fmt"
)

// A LoadCmd is a Mach-O load command tag.
type LoadCmd uint32

const (
	LC_REQ_DYLD       LoadCmd = 0x80000000
	LC_SEGMENT        LoadCmd = 0x1  // segment of this file to be mapped
	LC_SYMTAB         LoadCmd = 0x2  // link-edit stab symbol table info
	LC_THREAD         LoadCmd = 0x4  // thread
	LC_UNIXTHREAD     LoadCmd = 0x5  // thread+stack
	LC_DYSYMTAB       LoadCmd = 0xb  // dynamic link-edit symbol table info
	LC_LOAD_DYLIB     LoadCmd = 0xc  // load dylib command
	LC_ID_DYLIB       LoadCmd = 0xd  // id dylib command
	LC_LOAD_DYLINKER  LoadCmd = 0xe  // load a dynamic linker
	LC_ID_DYLINKER    LoadCmd = 0xf  // id dylinker command (not load dylinker command)
	LC_TWOLEVEL_HINTS LoadCmd = 0x16 // two-level namespace lookup hints
	/*
	 * load a dynamically linked shared library that is allowed to be missing
	 * (all symbols are weak imported).
	 */
	LC_LOAD_WEAK_DYLIB     LoadCmd = (0x18 | LC_REQ_DYLD)
	LC_SEGMENT_64          LoadCmd = 0x19                 // 64-bit segment of this file to be mapped
	LC_UUID                LoadCmd = 0x1b                 // the uuid
	LC_RPATH               LoadCmd = (0x1c | LC_REQ_DYLD) // runpath additions
	LC_CODE_SIGNATURE      LoadCmd = 0x1d                 // local of code signature
	LC_REEXPORT_DYLIB      LoadCmd = (0x1f | LC_REQ_DYLD) // load and re-export dylib
	LC_DYLD_INFO           LoadCmd = 0x22                 // compressed dyld information
	LC_DYLD_INFO_ONLY      LoadCmd = (0x22 | LC_REQ_DYLD) // compressed dyld information only
	LC_MAIN                LoadCmd = (0x28 | LC_REQ_DYLD) // replacement for LC_UNIXTHREAD
	LC_SOURCE_VERSION      LoadCmd = 0x2A                 // source version used to build binary
	LC_BUILD_VERSION       LoadCmd = 0x32                 // build for platform min OS version
	LC_DYLD_EXPORTS_TRIE   LoadCmd = (0x33 | LC_REQ_DYLD) // used with linkedit_data_command, payload is trie
	LC_DYLD_CHAINED_FIXUPS LoadCmd = (0x34 | LC_REQ_DYLD) // used with linkedit_data_command
)

var cmdStrings = []IntName{
	{uint32(LC_SEGMENT), "LC_SEGMENT"},
	{uint32(LC_SYMTAB), "LC_SYMTAB"},
	{uint32(LC_LOAD_DYLIB), "LC_LOAD_DYLIB"},
	{uint32(LC_LOAD_WEAK_DYLIB), "LC_LOAD_WEAK_DYLIB"},
	{uint32(LC_SEGMENT_64), "LC_SEGMENT_64"},
	{uint32(LC_CODE_SIGNATURE), "LC_CODE_SIGNATURE"},
}

func (c LoadCmd) String() string   { return StringName(uint32(c), cmdStrings, false) }
func (c LoadCmd) GoString() string { return StringName(uint32(c), cmdStrings, true) }

// A CmdHeader is the 8-byte prefix common to every load command.
type CmdHeader struct {
	Cmd LoadCmd
	Len uint32
}

const CmdHeaderSize = 2 * 4

func (c *CmdHeader) Get(b []byte, o binary.ByteOrder) int {
	c.Cmd = LoadCmd(o.Uint32(b[0:]))
	c.Len = o.Uint32(b[4:])
	return CmdHeaderSize
}

func (c *CmdHeader) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(c.Cmd))
	o.PutUint32(b[4:], c.Len)
	return CmdHeaderSize
}

type SegFlag uint32

// A Segment32 is a 32-bit Mach-O segment load command.
type Segment32 struct {
	Cmd     LoadCmd      /* LC_SEGMENT */
	Len     uint32       /* includes sizeof section structs */
	Name    [16]byte     /* segment name */
	Addr    uint32       /* memory address of this segment */
	Memsz   uint32       /* memory size of this segment */
	Offset  uint32       /* file offset of this segment */
	Filesz  uint32       /* amount to map from the file */
	Maxprot VmProtection /* maximum VM protection */
	Prot    VmProtection /* initial VM protection */
	Nsect   uint32       /* number of sections in segment */
	Flag    SegFlag      /* flags */
}

const Segment32Size = 56

func (s *Segment32) Get(b []byte, o binary.ByteOrder) int {
	s.Cmd = LoadCmd(o.Uint32(b[0:]))
	s.Len = o.Uint32(b[4:])
	copy(s.Name[:], b[8:24])
	s.Addr = o.Uint32(b[24:])
	s.Memsz = o.Uint32(b[28:])
	s.Offset = o.Uint32(b[32:])
	s.Filesz = o.Uint32(b[36:])
	s.Maxprot = VmProtection(o.Uint32(b[40:]))
	s.Prot = VmProtection(o.Uint32(b[44:]))
	s.Nsect = o.Uint32(b[48:])
	s.Flag = SegFlag(o.Uint32(b[52:]))
	return Segment32Size
}

func (s *Segment32) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(s.Cmd))
	o.PutUint32(b[4:], s.Len)
	copy(b[8:24], s.Name[:])
	o.PutUint32(b[24:], s.Addr)
	o.PutUint32(b[28:], s.Memsz)
	o.PutUint32(b[32:], s.Offset)
	o.PutUint32(b[36:], s.Filesz)
	o.PutUint32(b[40:], uint32(s.Maxprot))
	o.PutUint32(b[44:], uint32(s.Prot))
	o.PutUint32(b[48:], s.Nsect)
	o.PutUint32(b[52:], uint32(s.Flag))
	return Segment32Size
}

func (s Segment32) SegName() string { return SegmentName(s.Name) }

func (s Segment32) String() string {
	return fmt.Sprintf("%s sz=%#08x off=%#08x-%#08x addr=%#08x-%#08x %s/%s",
		s.SegName(), s.Filesz, s.Offset, s.Offset+s.Filesz, s.Addr, s.Addr+s.Memsz, s.Prot, s.Maxprot)
}

// A Segment64 is a 64-bit Mach-O segment load command.
type Segment64 struct {
	Cmd     LoadCmd      /* LC_SEGMENT_64 */
	Len     uint32       /* includes sizeof section_64 structs */
	Name    [16]byte     /* segment name */
	Addr    uint64       /* memory address of this segment */
	Memsz   uint64       /* memory size of this segment */
	Offset  uint64       /* file offset of this segment */
	Filesz  uint64       /* amount to map from the file */
	Maxprot VmProtection /* maximum VM protection */
	Prot    VmProtection /* initial VM protection */
	Nsect   uint32       /* number of sections in segment */
	Flag    SegFlag      /* flags */
}

const Segment64Size = 72

func (s *Segment64) Get(b []byte, o binary.ByteOrder) int {
	s.Cmd = LoadCmd(o.Uint32(b[0:]))
	s.Len = o.Uint32(b[4:])
	copy(s.Name[:], b[8:24])
	s.Addr = o.Uint64(b[24:])
	s.Memsz = o.Uint64(b[32:])
	s.Offset = o.Uint64(b[40:])
	s.Filesz = o.Uint64(b[48:])
	s.Maxprot = VmProtection(o.Uint32(b[56:]))
	s.Prot = VmProtection(o.Uint32(b[60:]))
	s.Nsect = o.Uint32(b[64:])
	s.Flag = SegFlag(o.Uint32(b[68:]))
	return Segment64Size
}

func (s *Segment64) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(s.Cmd))
	o.PutUint32(b[4:], s.Len)
	copy(b[8:24], s.Name[:])
	o.PutUint64(b[24:], s.Addr)
	o.PutUint64(b[32:], s.Memsz)
	o.PutUint64(b[40:], s.Offset)
	o.PutUint64(b[48:], s.Filesz)
	o.PutUint32(b[56:], uint32(s.Maxprot))
	o.PutUint32(b[60:], uint32(s.Prot))
	o.PutUint32(b[64:], s.Nsect)
	o.PutUint32(b[68:], uint32(s.Flag))
	return Segment64Size
}

func (s Segment64) SegName() string { return SegmentName(s.Name) }

func (s Segment64) String() string {
	return fmt.Sprintf("%s sz=%#08x off=%#08x-%#08x addr=%#09x-%#09x %s/%s",
		s.SegName(), s.Filesz, s.Offset, s.Offset+s.Filesz, s.Addr, s.Addr+s.Memsz, s.Prot, s.Maxprot)
}

// A SymtabCmd is a Mach-O symbol table command.
type SymtabCmd struct {
	Cmd     LoadCmd // LC_SYMTAB
	Len     uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

const SymtabCmdSize = 6 * 4

func (c *SymtabCmd) Get(b []byte, o binary.ByteOrder) int {
	c.Cmd = LoadCmd(o.Uint32(b[0:]))
	c.Len = o.Uint32(b[4:])
	c.Symoff = o.Uint32(b[8:])
	c.Nsyms = o.Uint32(b[12:])
	c.Stroff = o.Uint32(b[16:])
	c.Strsize = o.Uint32(b[20:])
	return SymtabCmdSize
}

func (c *SymtabCmd) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(c.Cmd))
	o.PutUint32(b[4:], c.Len)
	o.PutUint32(b[8:], c.Symoff)
	o.PutUint32(b[12:], c.Nsyms)
	o.PutUint32(b[16:], c.Stroff)
	o.PutUint32(b[20:], c.Strsize)
	return SymtabCmdSize
}

// A LinkEditDataCmd is a Mach-O linkedit data command. LC_CODE_SIGNATURE
// uses it to locate the signature blob inside __LINKEDIT.
type LinkEditDataCmd struct {
	Cmd    LoadCmd
	Len    uint32
	Offset uint32
	Size   uint32
}

const LinkEditDataCmdSize = 4 * 4

func (c *LinkEditDataCmd) Get(b []byte, o binary.ByteOrder) int {
	c.Cmd = LoadCmd(o.Uint32(b[0:]))
	c.Len = o.Uint32(b[4:])
	c.Offset = o.Uint32(b[8:])
	c.Size = o.Uint32(b[12:])
	return LinkEditDataCmdSize
}

func (c *LinkEditDataCmd) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(c.Cmd))
	o.PutUint32(b[4:], c.Len)
	o.PutUint32(b[8:], c.Offset)
	o.PutUint32(b[12:], c.Size)
	return LinkEditDataCmdSize
}

// A DylibCmd is a Mach-O load dynamic library command. NameOffset is
// measured from the start of the command; the NUL-terminated library
// path follows the fixed part, padded out to Len.
type DylibCmd struct {
	Cmd            LoadCmd // LC_LOAD_DYLIB or LC_LOAD_WEAK_DYLIB
	Len            uint32
	NameOffset     uint32
	Timestamp      uint32
	CurrentVersion uint32
	CompatVersion  uint32
}

const DylibCmdSize = 6 * 4

func (c *DylibCmd) Get(b []byte, o binary.ByteOrder) int {
	c.Cmd = LoadCmd(o.Uint32(b[0:]))
	c.Len = o.Uint32(b[4:])
	c.NameOffset = o.Uint32(b[8:])
	c.Timestamp = o.Uint32(b[12:])
	c.CurrentVersion = o.Uint32(b[16:])
	c.CompatVersion = o.Uint32(b[20:])
	return DylibCmdSize
}

func (c *DylibCmd) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(c.Cmd))
	o.PutUint32(b[4:], c.Len)
	o.PutUint32(b[8:], c.NameOffset)
	o.PutUint32(b[12:], c.Timestamp)
	o.PutUint32(b[16:], c.CurrentVersion)
	o.PutUint32(b[20:], c.CompatVersion)
	return DylibCmdSize
}
