package insdylib

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/appsworld/insert-dylib/types"
)

// pathAlign is the alignment of the dylib path region inside a dylib
// load command. The padded size is (len & ^(pathAlign-1)) + pathAlign,
// strictly above len, so at least one trailing NUL always survives.
const pathAlign = 8

// PatchSlice patches the thin Mach-O image whose header starts at
// headerOffset: it walks the load commands, optionally strips a trailing
// code signature, and appends a load command for cfg.DylibPath into the
// slack after the command region. sliceSize holds the image size on
// entry and the (possibly reduced) size on return.
//
// Without an I/O error, the returned bool is false only when the slice's
// magic is not a thin Mach-O magic. A slice that already had the requested load command
// counts as success, and so does a slice whose trailing code signature
// blocks the append because cfg.StripCodesign is off; in that case
// nothing is appended.
func (f *File) PatchSlice(headerOffset uint64, cfg *Config, sliceSize *uint64) (bool, error) {
	var magicBuf [4]byte
	if err := f.PeekAt(magicBuf[:], headerOffset); err != nil {
		return false, err
	}
	magic, bo, err := types.MagicOrder(magicBuf[:])
	if err != nil || magic == types.MagicFat {
		log.Warnf("unknown Mach-O header magic: %#08x", binary.BigEndian.Uint32(magicBuf[:]))
		return false, nil
	}

	var hdr types.FileHeader
	hdrBuf := make([]byte, headerSize(magic))
	if err := f.PeekAt(hdrBuf, headerOffset); err != nil {
		return false, err
	}
	hdr.Get(hdrBuf, bo)

	commandsOffset := headerOffset + uint64(len(hdrBuf))
	scan := &sliceScanner{
		f:              f,
		hdr:            &hdr,
		bo:             bo,
		headerOffset:   headerOffset,
		commandsOffset: commandsOffset,
		linkedit32Pos:  -1,
		linkedit64Pos:  -1,
		symtabPos:      -1,
	}
	cont, err := scan.run(cfg, sliceSize)
	if err != nil {
		return false, err
	}
	if !cont {
		return true, nil
	}

	pathSize := (uint32(len(cfg.DylibPath)) &^ (pathAlign - 1)) + pathAlign
	cmdsize := types.DylibCmdSize + pathSize

	dylib := types.DylibCmd{
		Cmd:        types.LC_LOAD_DYLIB,
		Len:        cmdsize,
		NameOffset: types.DylibCmdSize,
	}
	if cfg.Weak {
		dylib.Cmd = types.LC_LOAD_WEAK_DYLIB
	}

	// The new command goes into the slack right after the existing
	// command region. Anything non-zero there is suspicious but not
	// fatal: that slack is still the only place the command can live.
	slackOffset := commandsOffset + uint64(hdr.SizeCommands)
	slack := make([]byte, cmdsize)
	if err := f.PeekAt(slack, slackOffset); err != nil {
		return false, fmt.Errorf("failed to read %d bytes of command slack at %#x: %v", cmdsize, slackOffset, err)
	}
	for _, b := range slack {
		if b != 0 {
			log.Warn("it doesn't seem like there is enough empty space, will continue though")
			break
		}
	}

	cmdBuf := make([]byte, cmdsize)
	dylib.Put(cmdBuf, bo)
	copy(cmdBuf[types.DylibCmdSize:], cfg.DylibPath)
	if err := f.WriteBack(cmdBuf, slackOffset); err != nil {
		return false, err
	}

	hdr.NCommands++
	hdr.SizeCommands += cmdsize
	hdr.Put(hdrBuf, bo)
	if err := f.WriteBack(hdrBuf, headerOffset); err != nil {
		return false, err
	}

	return true, nil
}

func headerSize(magic types.Magic) int {
	if magic == types.Magic64 {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

// sliceScanner carries the state of one pass over a slice's load
// commands: where __LINKEDIT and the symbol table live, in case a
// trailing code signature has to be stripped.
type sliceScanner struct {
	f              *File
	hdr            *types.FileHeader
	bo             binary.ByteOrder
	headerOffset   uint64
	commandsOffset uint64

	linkedit32    types.Segment32
	linkedit64    types.Segment64
	linkedit32Pos int64
	linkedit64Pos int64
	symtabPos     int64
}

// run walks the load commands once, collecting __LINKEDIT and symtab
// positions and stripping a trailing code signature when requested. It
// returns false when the caller must NOT append a new command: either
// the dylib is already present, or a trailing code signature exists and
// stripping was not requested.
func (s *sliceScanner) run(cfg *Config, sliceSize *uint64) (bool, error) {
	pos := s.commandsOffset
	ncmds := s.hdr.NCommands
	for i := uint32(0); i < ncmds; i++ {
		var lcBuf [types.CmdHeaderSize]byte
		if err := s.f.PeekAt(lcBuf[:], pos); err != nil {
			return false, fmt.Errorf("failed to read load command %d at %#x: %v", i, pos, err)
		}
		var lc types.CmdHeader
		lc.Get(lcBuf[:], s.bo)

		switch lc.Cmd {
		case types.LC_CODE_SIGNATURE:
			if i != ncmds-1 {
				log.Info("LC_CODE_SIGNATURE is not the last load command, so couldn't remove")
				break
			}
			if !cfg.StripCodesign {
				return false, nil
			}
			if err := s.stripCodeSignature(pos, lc, sliceSize); err != nil {
				return false, err
			}

		case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB:
			name, ok, err := s.readDylibName(pos, lc)
			if err != nil {
				return false, err
			}
			if !ok {
				log.Warnf("cannot get dylib path for load command at %d", i)
				break
			}
			if name == cfg.DylibPath {
				log.Info("binary already contains a load command for that dylib")
				return false, nil
			}

		case types.LC_SEGMENT:
			var buf [types.Segment32Size]byte
			if err := s.f.PeekAt(buf[:], pos); err != nil {
				return false, err
			}
			var seg types.Segment32
			seg.Get(buf[:], s.bo)
			if seg.SegName() == "__LINKEDIT" {
				s.linkedit32Pos = int64(pos)
				s.linkedit32 = seg
			}

		case types.LC_SEGMENT_64:
			var buf [types.Segment64Size]byte
			if err := s.f.PeekAt(buf[:], pos); err != nil {
				return false, err
			}
			var seg types.Segment64
			seg.Get(buf[:], s.bo)
			if seg.SegName() == "__LINKEDIT" {
				s.linkedit64Pos = int64(pos)
				s.linkedit64 = seg
			}

		case types.LC_SYMTAB:
			s.symtabPos = int64(pos)
		}

		pos += uint64(lc.Len)
	}
	return true, nil
}

// readDylibName extracts the library path of a dylib load command at
// pos: the NUL-terminated string starting NameOffset bytes into the
// command, bounded by the command size. ok is false when the command is
// too short, the name offset is out of range, or the path is not UTF-8.
func (s *sliceScanner) readDylibName(pos uint64, lc types.CmdHeader) (string, bool, error) {
	if lc.Len < types.DylibCmdSize {
		return "", false, nil
	}
	buf := make([]byte, lc.Len)
	if err := s.f.PeekAt(buf, pos); err != nil {
		return "", false, err
	}
	var cmd types.DylibCmd
	cmd.Get(buf, s.bo)

	start := cmd.NameOffset
	if start >= lc.Len {
		return "", false, nil
	}
	end := start
	for end < lc.Len && buf[end] != 0 {
		end++
	}
	name := buf[start:end]
	if !utf8.Valid(name) {
		return "", false, nil
	}
	return string(name), true, nil
}

// stripCodeSignature removes the trailing LC_CODE_SIGNATURE command at
// pos. When the signature blob sits exactly at the tail of a terminal
// __LINKEDIT segment, the slice is shrunk by the blob size and the
// segment and symbol table records are rewritten to end at the new
// tail; otherwise the blob is zeroed in place and the surrounding
// offsets stay untouched. Either way the command record itself is
// zeroed and the in-memory header counters are decremented, to be
// restored by the append that follows.
func (s *sliceScanner) stripCodeSignature(pos uint64, lc types.CmdHeader, sliceSize *uint64) error {
	var ldBuf [types.LinkEditDataCmdSize]byte
	if err := s.f.PeekAt(ldBuf[:], pos); err != nil {
		return err
	}
	var cmd types.LinkEditDataCmd
	cmd.Get(ldBuf[:], s.bo)

	s.checkSignatureBlob(cmd)

	if err := s.f.Zero(pos, uint64(lc.Len)); err != nil {
		return err
	}

	var (
		linkeditFileoff  uint64
		linkeditFilesize uint64
		haveLinkedit     = s.linkedit32Pos != -1 || s.linkedit64Pos != -1
	)
	if s.linkedit32Pos != -1 {
		linkeditFileoff = uint64(s.linkedit32.Offset)
		linkeditFilesize = uint64(s.linkedit32.Filesz)
	} else if s.linkedit64Pos != -1 {
		linkeditFileoff = s.linkedit64.Offset
		linkeditFilesize = s.linkedit64.Filesz
	} else {
		log.Warn("__LINKEDIT segment not found")
	}

	zeroBlob := true
	if haveLinkedit {
		switch {
		case linkeditFileoff+linkeditFilesize != *sliceSize:
			log.Warn("__LINKEDIT segment is not at the end of the file, so codesign will not work on the patched binary")
		case uint64(cmd.Offset)+uint64(cmd.Size) != *sliceSize:
			log.Warn("code signature is not at the end of __LINKEDIT segment, so codesign will not work on the patched binary")
		default:
			*sliceSize -= uint64(cmd.Size)

			if err := s.fixSymtab(*sliceSize); err != nil {
				return err
			}

			linkeditFilesize -= uint64(cmd.Size)
			linkeditVmsize := types.RoundUp(linkeditFilesize, 0x1000)
			if s.linkedit32Pos != -1 {
				s.linkedit32.Filesz = uint32(linkeditFilesize)
				s.linkedit32.Memsz = uint32(linkeditVmsize)
				var buf [types.Segment32Size]byte
				s.linkedit32.Put(buf[:], s.bo)
				if err := s.f.WriteBack(buf[:], uint64(s.linkedit32Pos)); err != nil {
					return err
				}
			} else {
				s.linkedit64.Filesz = linkeditFilesize
				s.linkedit64.Memsz = linkeditVmsize
				var buf [types.Segment64Size]byte
				s.linkedit64.Put(buf[:], s.bo)
				if err := s.f.WriteBack(buf[:], uint64(s.linkedit64Pos)); err != nil {
					return err
				}
			}

			// The blob now lies past the end of the slice; the final
			// truncation disposes of it.
			zeroBlob = false
		}
	}

	if zeroBlob {
		if err := s.f.Zero(s.headerOffset+uint64(cmd.Offset), uint64(cmd.Size)); err != nil {
			return err
		}
	}

	s.hdr.NCommands--
	s.hdr.SizeCommands -= lc.Len
	return nil
}

// fixSymtab grows the symbol table's string region so it ends at the new
// slice tail. The string table is expected to end within 16 bytes of the
// old signature start; anything else means the slice has an unusual
// __LINKEDIT layout and is left alone.
func (s *sliceScanner) fixSymtab(sliceSize uint64) error {
	if s.symtabPos == -1 {
		log.Warn("LC_SYMTAB load command not found, codesign might not work on the patched binary")
		return nil
	}
	var buf [types.SymtabCmdSize]byte
	if err := s.f.PeekAt(buf[:], uint64(s.symtabPos)); err != nil {
		return err
	}
	var symtab types.SymtabCmd
	symtab.Get(buf[:], s.bo)

	diff := int64(symtab.Stroff) + int64(symtab.Strsize) - int64(sliceSize)
	if diff < -16 || diff > 0 {
		log.Warnf("string table doesn't appear right before code signature, codesign might not work on the patched binary: %#016x", diff)
		return nil
	}
	symtab.Strsize = uint32(int64(symtab.Strsize) - diff)
	symtab.Put(buf[:], s.bo)
	return s.f.WriteBack(buf[:], uint64(s.symtabPos))
}

// checkSignatureBlob peeks the superblob magic of the signature about to
// be stripped. Diagnostic only: an unexpected magic is worth a warning
// but never blocks the strip.
func (s *sliceScanner) checkSignatureBlob(cmd types.LinkEditDataCmd) {
	if cmd.Size < 4 {
		return
	}
	var magicBuf [4]byte
	if err := s.f.PeekAt(magicBuf[:], s.headerOffset+uint64(cmd.Offset)); err != nil {
		log.Debugf("cannot read code signature blob at %#x: %v", s.headerOffset+uint64(cmd.Offset), err)
		return
	}
	// Code signing blobs are stored big-endian regardless of the image's
	// byte order.
	csMagic := types.CsMagic(binary.BigEndian.Uint32(magicBuf[:]))
	if csMagic != types.CSMAGIC_EMBEDDED_SIGNATURE {
		log.Warnf("code signature blob has unexpected magic: %s", csMagic)
	}
}
