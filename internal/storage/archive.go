package storage

import (
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"gocorder/internal/block"
)

// ArchiveData compresses the data file of a finished recording set to
// <base>.eeg.gz and removes the original. The header and marker files
// stay uncompressed so the set remains inspectable.
func ArchiveData(base string) error {
	src := base + ExtData
	dst := src + ".gz"

	in, err := os.Open(src)
	if err != nil {
		return &block.StorageError{Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return &block.StorageError{Path: dst, Err: err}
	}

	gz, _ := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return &block.StorageError{Path: dst, Err: err}
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return &block.StorageError{Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &block.StorageError{Path: dst, Err: err}
	}

	if err := os.Remove(src); err != nil {
		return &block.StorageError{Path: src, Err: err}
	}
	return nil
}

// UnarchiveData restores <base>.eeg from its gzip archive, used before
// re-reading an archived set.
func UnarchiveData(base string) error {
	src := base + ExtData + ".gz"
	dst := base + ExtData

	in, err := os.Open(src)
	if err != nil {
		return &block.StorageError{Path: src, Err: err}
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return &block.StorageError{Path: src, Err: err}
	}
	defer gz.Close()

	out, err := os.Create(dst)
	if err != nil {
		return &block.StorageError{Path: dst, Err: err}
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		os.Remove(dst)
		return &block.StorageError{Path: dst, Err: err}
	}
	return out.Close()
}
