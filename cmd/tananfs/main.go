// Command tananfs mounts a TananFS image via FUSE, translating
// fs.InodeEmbedder callbacks into tananfs.Filesystem operations
// (SPEC_FULL.md §6: the host-OS driver shim).
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/tananfs/tananfs"
	"github.com/tananfs/tananfs/backend"
)

func main() {
	var (
		blockSize     = flag.Uint("block-size", 0, "block size in bytes (power of two, 512-4096); 0 autodetects on an already-formatted device")
		cacheCapacity = flag.Int("cache-capacity", 0, "cache entry capacity; 0 uses the default")
		flushSeconds  = flag.Int("flush-interval", 0, "periodic flush interval in seconds; 0 uses the default")
		readOnly      = flag.Bool("readonly", false, "mount read-only (FUSE glue only; rejects mutating ops before they reach the core)")
		logLevel      = flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	)
	flag.Usage = func() {
		log.Printf("usage: %s [flags] <image> <mountpoint>", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	imagePath, mountPoint := flag.Arg(0), flag.Arg(1)

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid -log-level %q: %v", *logLevel, err)
	}
	logrus.SetLevel(level)

	dev, err := backend.Open(imagePath, *readOnly)
	if err != nil {
		log.Fatalf("opening %s: %v", imagePath, err)
	}

	core, err := tananfs.Mount(dev, tananfs.Options{
		BlockSize:            uint32(*blockSize),
		CacheCapacity:        *cacheCapacity,
		FlushIntervalSeconds: *flushSeconds,
	})
	if err != nil {
		log.Fatalf("mounting %s: %v", imagePath, err)
	}

	root := &tananNode{core: core, ordinal: tananfs.RootOrdinal, readOnly: *readOnly}
	server, err := fs.Mount(mountPoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "tananfs",
			Name:       "tananfs",
			AllowOther: false,
		},
	})
	if err != nil {
		log.Fatalf("mounting FUSE at %s: %v", mountPoint, err)
	}

	log.Printf("tananfs session %s serving %s at %s", core.SessionID(), imagePath, mountPoint)

	flushInterval := time.Duration(*flushSeconds) * time.Second
	if flushInterval <= 0 {
		flushInterval = tananfs.DefaultFlushIntervalSeconds * time.Second
	}
	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := core.Flush(); err != nil {
				logrus.WithError(err).Warn("periodic flush failed")
			}
		}
	}()

	server.Wait()
	if err := core.Unmount(); err != nil {
		log.Fatalf("unmount: %v", err)
	}
}
