package insdylib

// insert-dylib rewrites a Mach-O executable or dylib so the dynamic
// linker loads one extra library: it appends an LC_LOAD_DYLIB (or weak
// variant) into the slack after the load-command table, optionally
// stripping an embedded code signature first. Universal binaries are
// re-packed and patched slice by slice.

import (
	"errors"
	"fmt"

	"github.com/appsworld/insert-dylib/types"
)

// MaxDylibPathLen bounds the inserted library path.
const MaxDylibPathLen = 16 << 20

// ErrNotMachO is returned when the output file's leading magic is
// neither a thin Mach-O nor a fat header. The file is left untouched.
var ErrNotMachO = errors.New("not a Mach-O binary")

// Config describes one patch run. It is immutable for the duration of
// Patch.
type Config struct {
	DylibPath     string // library path to insert
	OutputPath    string // file to patch in place (already a copy of the input)
	Weak          bool   // use LC_LOAD_WEAK_DYLIB instead of LC_LOAD_DYLIB
	StripCodesign bool   // remove a trailing LC_CODE_SIGNATURE
}

// LoadCmdName returns the name of the load command this config inserts.
func (c *Config) LoadCmdName() string {
	if c.Weak {
		return types.LC_LOAD_WEAK_DYLIB.String()
	}
	return types.LC_LOAD_DYLIB.String()
}

// Result reports the per-slice outcome of a run. A slice that already
// contained the requested load command counts as patched, as does a
// slice left unchanged because its trailing code signature was not
// stripped.
type Result struct {
	Fat    bool // the input was a universal binary
	NArch  int  // slices seen (1 for thin)
	Failed int  // slices that could not be patched
}

// Patch opens cfg.OutputPath, dispatches on the leading magic word, and
// patches the file in place, truncating it to its final length. A
// DylibPath longer than MaxDylibPathLen is rejected before the file is
// opened. The input not being Mach-O at all is reported as ErrNotMachO;
// every other error is an I/O failure.
func Patch(cfg *Config) (*Result, error) {
	if len(cfg.DylibPath) > MaxDylibPathLen {
		return nil, fmt.Errorf("dylib path is too long: %d bytes", len(cfg.DylibPath))
	}

	f, err := OpenFile(cfg.OutputPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	filesize := uint64(fi.Size())

	var magicBuf [4]byte
	if err := f.PeekAt(magicBuf[:], 0); err != nil {
		return nil, err
	}
	magic, _, err := types.MagicOrder(magicBuf[:])
	if err != nil {
		return nil, ErrNotMachO
	}

	switch magic {
	case types.Magic32, types.Magic64:
		res := &Result{NArch: 1}
		ok, err := f.PatchSlice(0, cfg, &filesize)
		if err != nil {
			return nil, err
		}
		if !ok {
			res.Failed = 1
			return res, nil
		}
		if err := f.Truncate(int64(filesize)); err != nil {
			return nil, err
		}
		return res, nil

	case types.MagicFat:
		fails, narch, err := f.patchFat(cfg, &filesize)
		if err != nil {
			return nil, err
		}
		if err := f.Truncate(int64(filesize)); err != nil {
			return nil, err
		}
		return &Result{Fat: true, NArch: narch, Failed: fails}, nil
	}

	return nil, ErrNotMachO
}
