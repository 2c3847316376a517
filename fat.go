package insdylib

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/appsworld/insert-dylib/types"
)

// patchFat patches every slice of a universal binary in arch-table
// order. Slices are re-packed front to back: each one is rounded up to
// its alignment after its predecessors' post-patch sizes, relocated in
// the file if that moved it, then patched at its new offset. filesize
// tracks the end of the last slice so the caller can truncate.
//
// Relocations only ever propagate forward through the running offset, so
// an arch's new position depends solely on its predecessors.
func (f *File) patchFat(cfg *Config, filesize *uint64) (fails, narch int, err error) {
	var fhBuf [types.FatHeaderSize]byte
	if err := f.PeekAt(fhBuf[:], 0); err != nil {
		return 0, 0, err
	}
	_, bo, err := types.MagicOrder(fhBuf[:4])
	if err != nil {
		return 0, 0, err
	}
	var fh types.FatHeader
	fh.Get(fhBuf[:], bo)

	narch = int(fh.NArch)
	log.Infof("binary is a fat binary with %d archs", narch)

	archs := make([]types.FatArch, narch)
	archBuf := make([]byte, types.FatArchSize)
	for k := range archs {
		archOff := uint64(types.FatHeaderSize + k*types.FatArchSize)
		if err := f.PeekAt(archBuf, archOff); err != nil {
			return 0, narch, fmt.Errorf("failed to read fat arch %d: %v", k, err)
		}
		archs[k].Get(archBuf, bo)
	}

	var offset uint64
	if narch > 0 {
		offset = uint64(archs[0].Offset)
	}

	for k := range archs {
		arch := &archs[k]
		origOffset := uint64(arch.Offset)
		origSize := uint64(arch.Size)

		align := uint64(1) << arch.Align
		offset = types.RoundUp(offset, align)

		if origOffset != offset {
			log.Debugf("relocating %s slice from %#x to %#x", arch.CPU, origOffset, offset)
			if err := f.Move(offset, origOffset, origSize); err != nil {
				return fails, narch, err
			}
			var diff uint64
			if offset > origOffset {
				diff = offset - origOffset
			} else {
				diff = origOffset - offset
			}
			if err := f.Zero(min(offset, origOffset)+origSize, diff); err != nil {
				return fails, narch, err
			}
			arch.Offset = uint32(offset)
		}

		sliceSize := origSize
		ok, err := f.PatchSlice(offset, cfg, &sliceSize)
		if err != nil {
			return fails, narch, err
		}
		if !ok {
			log.Warnf("failed to add %s to arch #%d (%s)", cfg.LoadCmdName(), k+1, arch.CPU)
			fails++
		}

		// A stripped slice leaves stale signature bytes between its new
		// tail and the next slice.
		if sliceSize < origSize && k < narch-1 {
			if err := f.Zero(offset+sliceSize, origSize-sliceSize); err != nil {
				return fails, narch, err
			}
		}

		*filesize = offset + sliceSize
		offset += sliceSize
		arch.Size = uint32(sliceSize)
	}

	fh.Put(fhBuf[:], bo)
	if err := f.WriteBack(fhBuf[:], 0); err != nil {
		return fails, narch, err
	}
	for k := range archs {
		archs[k].Put(archBuf, bo)
		archOff := uint64(types.FatHeaderSize + k*types.FatArchSize)
		if err := f.WriteBack(archBuf, archOff); err != nil {
			return fails, narch, err
		}
	}

	return fails, narch, nil
}
