// Command mkdiskimage creates the raw flat file a virtual machine
// attaches as this kernel's NVMe namespace backing store. Unlike the
// teacher's mkfs, which laid a filesystem into the image it built,
// this kernel has no filesystem (spec.md's Non-goals exclude one): the
// image is just ndatablks*blocksize zero bytes, the same shape the
// NVMe driver's Namespace.SizeBlocks/BlockSize describe at runtime.
//
// It runs on the build host, not in the kernel, and uses unix.Flock so
// two CI jobs building the same output path concurrently serialize
// instead of corrupting each other's truncate/write, the way a real
// build system locks a shared output file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const defaultBlockSize = 512

func main() {
	out := flag.String("o", "", "output image path")
	size := flag.String("size", "64M", "image size (accepts K/M/G suffixes)")
	blockSize := flag.Int("blocksize", defaultBlockSize, "namespace logical block size in bytes")
	flag.Parse()

	if *out == "" {
		log.Fatal("-o is required")
	}
	bytes, err := parseSize(*size)
	if err != nil {
		log.Fatal(err)
	}
	if bytes%int64(*blockSize) != 0 {
		log.Fatalf("image size %d is not a multiple of block size %d", bytes, *blockSize)
	}

	if err := build(*out, bytes); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %s: %d bytes (%d blocks of %d)\n", *out, bytes, bytes/int64(*blockSize), *blockSize)
}

// build creates (or truncates) path to size zero-filled bytes, holding
// an exclusive flock for the duration so a concurrent invocation
// against the same path blocks rather than racing.
func build(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", path, size, err)
	}
	return nil
}

// statSize returns path's current size in bytes.
func statSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// parseSize accepts a bare byte count or one with a K/M/G suffix
// (base 1024), the common shorthand for image sizes in VM tooling.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'K', 'k':
		mult = 1 << 10
	case 'M', 'm':
		mult = 1 << 20
	case 'G', 'g':
		mult = 1 << 30
	}
	numPart := s
	if mult != 1 {
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}
