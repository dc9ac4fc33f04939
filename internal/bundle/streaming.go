package bundle

import (
	"bufio"
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// maxResyncs bounds how many times the streaming reader tries to advance past
// a corrupt entry header before giving up on the rest of the container.
const maxResyncs = 3

const maxNameLen = 4096

var (
	centralDirSig = []byte{'P', 'K', 0x01, 0x02}
	descriptorSig = []byte{'P', 'K', 0x07, 0x08}

	errBadEntry = errors.New("corrupt entry header")
)

// localHeader is the fixed part of a zip local file header, after the signature.
type localHeader struct {
	flags      uint16
	method     uint16
	compSize   uint32
	uncompSize uint32
	nameLen    uint16
	extraLen   uint16
}

// extractStreaming reads the container sequentially, hand-parsing local file
// headers. Certain tools emit zips whose central directory is broken while
// most entry data is intact; the random-access reader chokes on those, this
// one tolerates and skips individually corrupted entries.
func extractStreaming(ctx context.Context, containerPath, destDir string) ([]string, error) {
	f, err := os.Open(containerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	var files []string

	resyncs := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sig, err := br.Peek(4)
		if err != nil {
			break // end of stream
		}

		if bytes.Equal(sig, centralDirSig) {
			break // entries exhausted
		}

		if !bytes.Equal(sig, zipMagic) {
			resyncs++
			if resyncs > maxResyncs {
				break
			}

			if err := advanceToSignature(br); err != nil {
				break
			}

			continue
		}

		out, err := readStreamEntry(br, destDir)
		if err != nil {
			// A truncated tail ends the walk; what was recovered still counts.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}

			if !errors.Is(err, errBadEntry) {
				return nil, err
			}

			resyncs++
			if resyncs > maxResyncs {
				break
			}

			if err := advanceToSignature(br); err != nil {
				break
			}

			continue
		}

		if out != "" {
			files = append(files, out)
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no payload entries recovered from stream")
	}

	return files, nil
}

// advanceToSignature discards one byte, then scans forward for the next local
// file header signature.
func advanceToSignature(br *bufio.Reader) error {
	if _, err := br.Discard(1); err != nil {
		return err
	}

	for {
		window, err := br.Peek(4)
		if err != nil {
			return err
		}

		if bytes.Equal(window, zipMagic) {
			return nil
		}

		if _, err := br.Discard(1); err != nil {
			return err
		}
	}
}

// readStreamEntry consumes one local file header and its data. It returns the
// extracted path for accepted payload entries, "" for entries that were
// legitimately skipped, and errBadEntry when the header cannot be trusted.
func readStreamEntry(br *bufio.Reader, destDir string) (string, error) {
	if _, err := br.Discard(4); err != nil {
		return "", errBadEntry
	}

	raw := make([]byte, 26)
	if _, err := io.ReadFull(br, raw); err != nil {
		return "", errBadEntry
	}

	hdr := localHeader{
		flags:      binary.LittleEndian.Uint16(raw[2:4]),
		method:     binary.LittleEndian.Uint16(raw[4:6]),
		compSize:   binary.LittleEndian.Uint32(raw[14:18]),
		uncompSize: binary.LittleEndian.Uint32(raw[18:22]),
		nameLen:    binary.LittleEndian.Uint16(raw[22:24]),
		extraLen:   binary.LittleEndian.Uint16(raw[24:26]),
	}

	if hdr.nameLen == 0 || hdr.nameLen > maxNameLen {
		return "", errBadEntry
	}

	name := make([]byte, int(hdr.nameLen)+int(hdr.extraLen))
	if _, err := io.ReadFull(br, name); err != nil {
		return "", errBadEntry
	}

	entryName := string(name[:hdr.nameLen])

	// Sizes live in the trailing data descriptor when bit 3 is set. Deflated
	// data is self-terminating so it can still be walked; stored data of
	// unknown length cannot, so that combination is treated as corrupt.
	streamed := hdr.compSize == 0 && hdr.flags&0x08 != 0
	if streamed && hdr.method != zipDeflated {
		return "", errBadEntry
	}

	flat, accepted := acceptEntry(entryName)
	dest := ""

	if accepted {
		dest = filepath.Join(destDir, flat)
	}

	if streamed {
		return streamDeflated(br, hdr, dest)
	}

	data := io.LimitReader(br, int64(hdr.compSize))

	if !accepted {
		if _, err := io.Copy(io.Discard, data); err != nil {
			return "", errBadEntry
		}

		return "", skipDescriptor(br, hdr)
	}

	if err := inflateEntry(data, dest, hdr.method); err != nil {
		os.Remove(dest)

		// Drain whatever remains of the declared data so the stream stays
		// aligned for the next entry.
		if _, drainErr := io.Copy(io.Discard, data); drainErr != nil {
			return "", errBadEntry
		}

		return "", skipDescriptor(br, hdr)
	}

	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", errBadEntry
	}

	if err := skipDescriptor(br, hdr); err != nil {
		return dest, nil // entry itself landed fine; next loop will resync
	}

	return dest, nil
}

// streamDeflated inflates directly off the stream. bufio.Reader is an
// io.ByteReader, so flate consumes exactly the compressed bytes and the
// stream stays aligned for the next header.
func streamDeflated(br *bufio.Reader, hdr localHeader, dest string) (string, error) {
	fr := flate.NewReader(br)
	defer fr.Close()

	var sink io.Writer = io.Discard

	var out *os.File

	if dest != "" {
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
		if err != nil {
			return "", errBadEntry
		}

		out = f
		sink = f
	}

	if _, err := io.Copy(sink, fr); err != nil {
		if out != nil {
			out.Close()
			os.Remove(dest)
		}

		return "", errBadEntry
	}

	if out != nil {
		if err := out.Close(); err != nil {
			os.Remove(dest)

			return "", errBadEntry
		}
	}

	if err := skipDescriptor(br, hdr); err != nil {
		return dest, nil
	}

	return dest, nil
}

func inflateEntry(data io.Reader, dest string, method uint16) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}

	var src io.Reader

	switch method {
	case zipStored:
		src = data
	case zipDeflated:
		fr := flate.NewReader(data)
		defer fr.Close()
		src = fr
	default:
		out.Close()

		return fmt.Errorf("unsupported compression method %d", method)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}

const (
	zipStored   = 0
	zipDeflated = 8
)

// skipDescriptor consumes the optional data descriptor following entries
// written with bit 3 set.
func skipDescriptor(br *bufio.Reader, hdr localHeader) error {
	if hdr.flags&0x08 == 0 {
		return nil
	}

	window, err := br.Peek(4)
	if err != nil {
		return err
	}

	size := 12
	if bytes.Equal(window, descriptorSig) {
		size = 16
	}

	_, err = br.Discard(size)

	return err
}
