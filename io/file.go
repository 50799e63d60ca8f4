package io

import (
	"errors"
	"os"
)

var (
	ErrNotOpened       = errors.New("file not opened")
	ErrReadMismatch    = errors.New("read bytes mismatch")
	ErrWrittenMismatch = errors.New("written bytes mismatch")
)

// FileAccess is the byte-addressable surface the region engine needs.
// Truncation is deliberately not part of it; implementations that can
// shrink a file additionally satisfy Truncater.
type FileAccess interface {
	ReadAt(out []byte, off int64) error
	WriteAt(in []byte, off int64) error
	FillZeroes(off int64, size int) error
	Size() (int64, error)
	Close() error
}

type Truncater interface {
	Truncate(size int64) error
}

type File struct {
	path   string
	file   *os.File
	opened bool

	exists bool
}

func NewFile(path string) *File {

	_, err := os.Stat(path)

	f := &File{
		path:   path,
		exists: err == nil,
	}

	return f
}

func (f *File) Exists() bool {
	return f.exists
}

// Open opens the file for reading and writing.
// With create enabled a missing file is created empty.
func (f *File) Open(create bool) (topErr error) {

	var perm os.FileMode = 0644

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f.file, topErr = os.OpenFile(f.path, flags, perm)

	if topErr == nil {
		f.opened = true
	}

	return topErr

}

func (f *File) Close() error {
	if f.opened == false {
		return nil
	}

	f.opened = false
	return f.file.Close()
}

func (f *File) ReadAt(out []byte, off int64) (err error) {
	if f.opened == false {
		return ErrNotOpened
	}

	var readBytes int
	readBytes, err = f.file.ReadAt(out, off)

	if readBytes != len(out) {
		if err != nil {
			return err
		}
		return ErrReadMismatch
	}

	return nil
}

func (f *File) WriteAt(in []byte, off int64) (err error) {
	if f.opened == false {
		return ErrNotOpened
	}

	var writtenBytes int
	writtenBytes, err = f.file.WriteAt(in, off)
	if writtenBytes != len(in) {
		if err != nil {
			return err
		}
		return ErrWrittenMismatch
	}

	return nil
}

// FillZeroes writes zero bytes to the file at offset with given size.
func (f *File) FillZeroes(off int64, size int) (err error) {
	if f.opened == false {
		return ErrNotOpened
	}

	zeroes := make([]byte, size)

	return f.WriteAt(zeroes, off)
}

func (f *File) Size() (int64, error) {
	if f.opened == false {
		return 0, ErrNotOpened
	}

	st, err := f.file.Stat()
	if err != nil {
		return 0, err
	}

	return st.Size(), nil
}

func (f *File) Truncate(size int64) error {
	if f.opened == false {
		return ErrNotOpened
	}

	return f.file.Truncate(size)
}

func (f *File) Sync() error {
	if f.opened == false {
		return ErrNotOpened
	}

	return f.file.Sync()
}
