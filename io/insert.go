package io

const insertChunkSize = 4096

// InsertBytes inserts n zero bytes at offset off, shifting all following
// bytes forward. The tail is copied backward in chunks so the source is
// never overwritten before it has been read.
func InsertBytes(f FileAccess, off int64, n int) error {

	if n == 0 {
		return nil
	}
	if n < 0 || off < 0 {
		panic("negative insert")
	}

	fileLen, err := f.Size()
	if err != nil {
		return err
	}

	buffer := make([]byte, insertChunkSize)

	src := fileLen
	for src > off {

		chunk := int64(insertChunkSize)
		if src-off < chunk {
			chunk = src - off
		}
		src -= chunk

		readErr := f.ReadAt(buffer[:chunk], src)
		if readErr != nil {
			return readErr
		}

		writeErr := f.WriteAt(buffer[:chunk], src+int64(n))
		if writeErr != nil {
			return writeErr
		}
	}

	return f.FillZeroes(off, n)
}
