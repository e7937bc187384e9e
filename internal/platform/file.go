// Package platform implements the file-system surface spec §6.1 requires:
// create-with-parent-directory-fsync, mmap, pwrite/pread, ftruncate, and
// mprotect. Grounded in pkg/storage/kv.go's createFileSync/Open/extendMmap,
// which use the stdlib syscall package directly on Linux; this package
// keeps that choice for the primary path and additionally uses
// x/sys/unix's Mprotect and Msync for the crash-recovery write window
// (MprotectWritable/MprotectReadOnly), grounded in
// joshuapare-hivekit/hive/dirty/flush_unix.go.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// File wraps an open data or WAL file plus its mmap'd span(s).
type File struct {
	Path string

	fd int

	mmapTotal  int
	mmapChunks [][]byte
}

// CreateOrOpen opens path for read/write, creating it if necessary, and
// fsyncs the parent directory afterward so the directory entry itself is
// durable (spec §6.1).
func CreateOrOpen(path string) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	fd, err := syscall.Open(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	dirfd, err := syscall.Open(dir, os.O_RDONLY, 0)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer syscall.Close(dirfd)

	if err := syscall.Fsync(dirfd); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("fsync dir %s: %w", dir, err)
	}

	return &File{Path: path, fd: fd}, nil
}

// Size returns the current file size in bytes.
func (f *File) Size() (int64, error) {
	var stat syscall.Stat_t
	if err := syscall.Fstat(f.fd, &stat); err != nil {
		return 0, fmt.Errorf("fstat %s: %w", f.Path, err)
	}
	return stat.Size, nil
}

// Truncate grows or shrinks the file to exactly size bytes.
func (f *File) Truncate(size int64) error {
	if err := syscall.Ftruncate(f.fd, size); err != nil {
		return fmt.Errorf("ftruncate %s: %w", f.Path, err)
	}
	return nil
}

// MmapReadOnly maps [0, size) of the file read-only, appending a new chunk
// to the existing span (mirroring pkg/storage/kv.go's extendMmap: old
// chunks are never remapped, only new tail growth is mapped in).
func (f *File) MmapReadOnly(size int) error {
	if size <= f.mmapTotal {
		return nil
	}
	grow := size - f.mmapTotal
	chunk, err := syscall.Mmap(f.fd, int64(f.mmapTotal), grow, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", f.Path, err)
	}
	f.mmapChunks = append(f.mmapChunks, chunk)
	f.mmapTotal += grow
	return nil
}

// ReadAt returns a read-only view of [offset, offset+length) from the
// mmap'd span, or an error if it isn't mapped yet.
func (f *File) ReadAt(offset int64, length int) ([]byte, error) {
	start := int64(0)
	for _, chunk := range f.mmapChunks {
		end := start + int64(len(chunk))
		if offset >= start && offset+int64(length) <= end {
			o := offset - start
			return chunk[o : o+int64(length)], nil
		}
		start = end
	}
	return nil, fmt.Errorf("%s: offset %d length %d not mapped (mapped span %d)", f.Path, offset, length, f.mmapTotal)
}

// Pread reads length bytes at offset directly from the file, bypassing the
// mmap (used in avoid-mmap-io mode and for scratch reads).
func (f *File) Pread(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	var got int
	for got < length {
		n, err := syscall.Pread(f.fd, buf[got:], offset+int64(got))
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return nil, fmt.Errorf("pread %s: %w", f.Path, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("pread %s: short read at %d", f.Path, offset+int64(got))
		}
		got += n
	}
	return buf, nil
}

// Pwrite writes data at offset, looping over partial writes and EINTR.
func (f *File) Pwrite(offset int64, data []byte) error {
	written := 0
	for written < len(data) {
		n, err := syscall.Pwrite(f.fd, data[written:], offset+int64(written))
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("pwrite %s: %w", f.Path, err)
		}
		written += n
	}
	return nil
}

// Fsync flushes file content (not metadata-only) to stable storage.
func (f *File) Fsync() error {
	if err := syscall.Fdatasync(f.fd); err != nil {
		return fmt.Errorf("fdatasync %s: %w", f.Path, err)
	}
	return nil
}

// MprotectWritable briefly makes the mapped span at [offset, offset+length)
// writable so crash recovery can patch the mmap'd image directly, bracketed
// by a matching MprotectReadOnly. Uses golang.org/x/sys/unix. The span must
// lie inside a single mapped chunk; otherwise an error is returned.
func (f *File) MprotectWritable(offset int64, length int) error {
	b, err := f.rawSpan(offset, length)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect rw %s: %w", f.Path, err)
	}
	return nil
}

// MprotectReadOnly reverts a span made writable by MprotectWritable, and
// msyncs it back to disk.
func (f *File) MprotectReadOnly(offset int64, length int) error {
	b, err := f.rawSpan(offset, length)
	if err != nil {
		return err
	}
	if err := unix.Msync(b, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", f.Path, err)
	}
	if err := unix.Mprotect(b, unix.PROT_READ); err != nil {
		return fmt.Errorf("mprotect ro %s: %w", f.Path, err)
	}
	return nil
}

func (f *File) rawSpan(offset int64, length int) ([]byte, error) {
	start := int64(0)
	for _, chunk := range f.mmapChunks {
		end := start + int64(len(chunk))
		if offset >= start && offset+int64(length) <= end {
			o := offset - start
			return chunk[o : o+int64(length)], nil
		}
		start = end
	}
	return nil, fmt.Errorf("%s: span %d..%d not mapped", f.Path, offset, offset+int64(length))
}

// Close unmaps every chunk and closes the file descriptor.
func (f *File) Close() error {
	var firstErr error
	for _, chunk := range f.mmapChunks {
		if err := syscall.Munmap(chunk); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap %s: %w", f.Path, err)
		}
	}
	if err := syscall.Close(f.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close %s: %w", f.Path, err)
	}
	return firstErr
}

// MappedSize returns the total number of bytes currently mapped.
func (f *File) MappedSize() int { return f.mmapTotal }
