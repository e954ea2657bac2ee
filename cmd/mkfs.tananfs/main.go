// Command mkfs.tananfs creates and formats a new TananFS image file.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tananfs/tananfs"
	"github.com/tananfs/tananfs/backend"
)

func main() {
	var (
		size      = flag.Int64("size", 0, "image size in bytes (required)")
		blockSize = flag.Uint("block-size", 4096, "block size in bytes (power of two, 512-4096)")
		rootUID   = flag.Uint("root-uid", 0, "owner uid recorded on the root directory")
		rootGID   = flag.Uint("root-gid", 0, "owner gid recorded on the root directory")
		logLevel  = flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	)
	flag.Usage = func() {
		log.Printf("usage: %s -size BYTES <image>", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 || *size <= 0 {
		flag.Usage()
		os.Exit(2)
	}
	imagePath := flag.Arg(0)

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid -log-level %q: %v", *logLevel, err)
	}
	logrus.SetLevel(level)

	dev, err := backend.Create(imagePath, *size)
	if err != nil {
		log.Fatalf("creating %s: %v", imagePath, err)
	}

	core, err := tananfs.Mount(dev, tananfs.Options{
		BlockSize: uint32(*blockSize),
		RootUID:   uint32(*rootUID),
		RootGID:   uint32(*rootGID),
	})
	if err != nil {
		log.Fatalf("formatting %s: %v", imagePath, err)
	}
	stats := core.Statfs()
	if err := core.Unmount(); err != nil {
		log.Fatalf("closing %s: %v", imagePath, err)
	}

	log.Printf("formatted %s: %d bytes, block size %d, %d inodes, %d blocks",
		imagePath, *size, stats.BlockSize, stats.TotalInodes, stats.TotalBlocks)
}
