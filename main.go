package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/term"

	"bitpeer/engine"
	"bitpeer/internal/ttylog"
	"bitpeer/metainfo"

	"github.com/schollz/progressbar/v3"
)

const defaultPort = 6881

func main() {
	if len(os.Args) < 2 {
		runSeed(os.Args[1:])
		return
	}

	switch os.Args[1] {
	case "leech":
		runLeech(os.Args[2:])
	case "add":
		runAdd(os.Args[2:])
	default:
		runSeed(os.Args[1:])
	}
}

func runSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	port := fs.Int("port", defaultPort, "TCP port to bind")
	fs.Parse(args)

	torrents, files, err := engine.LoadTorrentsDir("torrents", "files")
	if err != nil {
		ttylog.Default.Fail("loading torrents: %v", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		ttylog.Default.Fail("binding %s: %v", addr, err)
		os.Exit(1)
	}
	defer ln.Close()

	eng := engine.NewEngine(ttylog.Default)
	for hash, meta := range torrents {
		eng.RegisterTorrent(meta, files[hash])
	}

	ttylog.Default.Info("seeding %d torrent(s) on %s", len(torrents), addr)

	stop := make(chan struct{})
	go eng.Run(stop)

	for {
		conn, err := ln.Accept()
		if err != nil {
			ttylog.Default.Fail("accept: %v", err)
			continue
		}
		eng.AddInboundSession(conn)
	}
}

func runLeech(args []string) {
	fs := flag.NewFlagSet("leech", flag.ExitOnError)
	port := fs.Int("port", defaultPort, "remote TCP port")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bitpeer leech <path/to/torrent> <host> [--port=N]")
		os.Exit(1)
	}
	torrentPath, host := rest[0], rest[1]
	fs.Parse(rest[2:])

	meta, err := metainfo.Load(torrentPath)
	if err != nil {
		ttylog.Default.Fail("loading metainfo: %v", err)
		os.Exit(1)
	}

	store, err := engine.OpenLeechFile("downloads", meta)
	if err != nil {
		ttylog.Default.Fail("opening destination file: %v", err)
		os.Exit(1)
	}

	eng := engine.NewEngine(ttylog.Default)
	eng.RegisterTorrent(meta, store)

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.Default(int64(meta.PieceCount()), meta.Name)
	}
	eng.OnPieceComplete(func(sessionID uint64, index, pieceCount int) {
		if bar != nil {
			bar.Add(1)
		}
	})

	addr := fmt.Sprintf("%s:%d", host, *port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		ttylog.Default.Fail("dialing %s: %v", addr, err)
		os.Exit(1)
	}

	if err := eng.AddOutboundSession(conn, meta.InfoHash()); err != nil {
		ttylog.Default.Fail("starting leech session: %v", err)
		os.Exit(1)
	}

	eng.Run(make(chan struct{}))
}

func runAdd(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: bitpeer add <file>")
		os.Exit(1)
	}
	source := args[0]

	meta, raw, err := metainfo.Create(source, metainfo.DefaultPieceLength)
	if err != nil {
		ttylog.Default.Fail("creating torrent: %v", err)
		os.Exit(1)
	}

	if err := os.MkdirAll("torrents", 0o755); err != nil {
		ttylog.Default.Fail("creating torrents directory: %v", err)
		os.Exit(1)
	}
	if err := os.MkdirAll("files", 0o755); err != nil {
		ttylog.Default.Fail("creating files directory: %v", err)
		os.Exit(1)
	}

	torrentPath := fmt.Sprintf("torrents/%s.torrent", meta.Name)
	if err := os.WriteFile(torrentPath, raw, 0o644); err != nil {
		ttylog.Default.Fail("writing %s: %v", torrentPath, err)
		os.Exit(1)
	}

	destPath := fmt.Sprintf("files/%s", meta.Name)
	if err := os.Link(source, destPath); err != nil {
		// cross-device or already-exists: fall back to a copy.
		data, readErr := os.ReadFile(source)
		if readErr != nil {
			ttylog.Default.Fail("reading %s: %v", source, readErr)
			os.Exit(1)
		}
		if writeErr := os.WriteFile(destPath, data, 0o644); writeErr != nil {
			ttylog.Default.Fail("writing %s: %v", destPath, writeErr)
			os.Exit(1)
		}
	}

	ttylog.Default.Info("created %s (infohash %x)", torrentPath, meta.InfoHash())
}
