package insdylib

// Low level access to the output file being patched.

import (
	"fmt"
	"io"
	"os"
)

const copyBufSize = 512

// A File is a Mach-O (thin or fat) binary open for in-place patching.
// All offsets are absolute file offsets.
type File struct {
	*os.File
}

// OpenFile opens the named file for read+write. The file is expected to
// already be a copy of the input binary; the patcher mutates it in place.
func OpenFile(name string) (*File, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &File{f}, nil
}

// Peek reads exactly len(buf) bytes from the current position, then
// rewinds the cursor by the same amount.
func (f *File) Peek(buf []byte) error {
	if _, err := io.ReadFull(f, buf); err != nil {
		return err
	}
	if _, err := f.Seek(int64(-len(buf)), io.SeekCurrent); err != nil {
		return err
	}
	return nil
}

// PeekAt seeks to offset and peeks len(buf) bytes, leaving the cursor at
// offset.
func (f *File) PeekAt(buf []byte, offset uint64) error {
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	return f.Peek(buf)
}

// Zero overwrites n bytes starting at offset with zeros.
func (f *File) Zero(offset, n uint64) error {
	var zeros [copyBufSize]byte
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	for n > 0 {
		chunk := n
		if chunk > copyBufSize {
			chunk = copyBufSize
		}
		if _, err := f.Write(zeros[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Move copies n bytes within the file from src to dst, like memmove. The
// regions may overlap: a forward move (dst > src) copies from the tail
// down, a backward move copies from the head up, so chunks never read
// bytes the move has already rewritten.
func (f *File) Move(dst, src, n uint64) error {
	if dst == src || n == 0 {
		return nil
	}
	var buf [copyBufSize]byte
	if dst < src {
		for n > 0 {
			chunk := n
			if chunk > copyBufSize {
				chunk = copyBufSize
			}
			if err := f.copyChunk(dst, src, chunk, buf[:chunk]); err != nil {
				return err
			}
			src += chunk
			dst += chunk
			n -= chunk
		}
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > copyBufSize {
			chunk = copyBufSize
		}
		n -= chunk
		if err := f.copyChunk(dst+n, src+n, chunk, buf[:chunk]); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) copyChunk(dst, src, n uint64, buf []byte) error {
	if _, err := f.Seek(int64(src), io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(f, buf[:n]); err != nil {
		return fmt.Errorf("failed to read %d bytes at %#x: %v", n, src, err)
	}
	if _, err := f.Seek(int64(dst), io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(buf[:n]); err != nil {
		return fmt.Errorf("failed to write %d bytes at %#x: %v", n, dst, err)
	}
	return nil
}

// WriteBack seeks to offset and writes buf there.
func (f *File) WriteBack(buf []byte, offset uint64) error {
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write %d bytes at %#x: %v", len(buf), offset, err)
	}
	return nil
}

// Tell returns the current cursor position.
func (f *File) Tell() (uint64, error) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return uint64(pos), nil
}
