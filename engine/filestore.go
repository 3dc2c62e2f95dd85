package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"bitpeer/metainfo"
)

// FileStore is the single open file handle backing one torrent's content,
// generalizing the teacher's per-file Files/BuildFileInfo/StartDownload
// open-truncate-seek logic (torrent/p2p.go, torrent/utils.go) down to the
// single-file case spec.md requires: one name, one length, one handle,
// addressed by absolute offset via ReadAt/WriteAt rather than by seeking
// (so concurrent sessions never race a shared cursor).
type FileStore struct {
	Path   string
	Length int64
	handle *os.File
}

// OpenSeedFile opens an existing complete file read-only, for serving
// request messages.
func OpenSeedFile(dir string, meta *metainfo.Metainfo) (*FileStore, error) {
	path := filepath.Join(dir, meta.Name)
	f, err := os.Open(path)
	if err != nil {
		return nil, newError(StartupIo, fmt.Sprintf("opening seed file %s", path), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newError(StartupIo, "statting seed file", err)
	}
	if info.Size() != meta.Length {
		f.Close()
		return nil, newError(StartupIo, fmt.Sprintf("seed file %s is %d bytes, metainfo wants %d", path, info.Size(), meta.Length), nil)
	}
	return &FileStore{Path: path, Length: meta.Length, handle: f}, nil
}

// OpenLeechFile creates (or truncates) the destination file read/write,
// sized to meta.Length, for a leech session to fill in via WriteAt.
func OpenLeechFile(dir string, meta *metainfo.Metainfo) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newError(StartupIo, fmt.Sprintf("creating directory %s", dir), err)
	}
	path := filepath.Join(dir, meta.Name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newError(StartupIo, fmt.Sprintf("opening leech file %s", path), err)
	}
	if err := f.Truncate(meta.Length); err != nil {
		f.Close()
		return nil, newError(StartupIo, fmt.Sprintf("truncating leech file %s", path), err)
	}
	return &FileStore{Path: path, Length: meta.Length, handle: f}, nil
}

// ReadBlock reads length bytes at offset, for serving a request message.
func (fs *FileStore) ReadBlock(offset int64, length uint32) ([]byte, error) {
	if offset+int64(length) > fs.Length {
		return nil, newError(ProtocolViolation, "request overflows file length", nil)
	}
	buf := make([]byte, length)
	if _, err := fs.handle.ReadAt(buf, offset); err != nil {
		return nil, newError(TransportIo, "reading block", err)
	}
	return buf, nil
}

// WritePiece writes a verified piece's bytes at its absolute byte offset.
func (fs *FileStore) WritePiece(offset int64, data []byte) error {
	if _, err := fs.handle.WriteAt(data, offset); err != nil {
		return newError(TransportIo, "writing piece", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (fs *FileStore) Close() error {
	if fs.handle == nil {
		return nil
	}
	return fs.handle.Close()
}
