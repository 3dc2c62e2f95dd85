package engine

import (
	"os"
	"path/filepath"
	"strings"

	"bitpeer/metainfo"
)

// LoadTorrentsDir walks dir (typically "torrents/") loading every metainfo
// file, skipping dot-prefixed entries, and opens each one's backing data
// file read-only from filesDir (typically "files/") for seeding. This
// generalizes the teacher's single-torrent Parse (torrent/parse.go) into
// the auto-discovery walk spec.md's §6 filesystem layout describes.
func LoadTorrentsDir(dir, filesDir string) (map[[20]byte]*metainfo.Metainfo, map[[20]byte]*FileStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, newError(StartupIo, "reading torrents directory", err)
	}

	torrents := make(map[[20]byte]*metainfo.Metainfo)
	files := make(map[[20]byte]*FileStore)

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		meta, err := metainfo.Load(path)
		if err != nil {
			return nil, nil, newError(StartupIo, "loading torrent "+path, err)
		}

		store, err := OpenSeedFile(filesDir, meta)
		if err != nil {
			return nil, nil, err
		}

		torrents[meta.InfoHash()] = meta
		files[meta.InfoHash()] = store
	}

	return torrents, files, nil
}
