// Package gribio contains functionality for splitting grib files into raw
// GRIB2 message records and for writing output files atomically.
package gribio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/sdifrance/gribxml/grib2"
)

// File is the result of splitting a grib file into individual records.
type File struct {
	records [][]byte
}

// Records returns the raw bytes of each message, in file order. Each record
// spans one message exactly, from the GRIB indicator through the 7777 end
// section.
func (f *File) Records() [][]byte {
	return f.records
}

// ReadFile splits the contents of r into raw GRIB2 message records. Zero
// padding between records is skipped.
func ReadFile(r io.Reader) (*File, error) {
	var records [][]byte

	rr := bufio.NewReader(r)
	offset := 0
	for {
		glog.V(1).Infof("reading record starting at byte offset %d", offset)
		skipCount, err := skipZeros(rr)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &File{records}, nil
			}
			return nil, fmt.Errorf("error parsing file: %w", err)
		}
		offset += skipCount

		messageLen, err := peekMessageLength(rr)
		if err != nil {
			return nil, fmt.Errorf("error encountered when expecting a GRIB message: %w", err)
		}
		recordBytes := make([]byte, int(messageLen))
		if readCount, err := io.ReadFull(rr, recordBytes); err != nil {
			return nil, fmt.Errorf("error while reading message of expected length %d; only read %d bytes: %w", messageLen, readCount, grib2.ErrTruncated)
		}
		records = append(records, recordBytes)
		offset += int(messageLen)
	}
}

func skipZeros(rr *bufio.Reader) (int, error) {
	skipCount := 0
	for {
		b, err := rr.ReadByte()
		if err != nil {
			return skipCount, err
		}
		if b == 0 {
			skipCount++
			continue
		}
		if err := rr.UnreadByte(); err != nil {
			return skipCount, err
		}
		return skipCount, nil
	}
}

// peekMessageLength reads the total message length from the next record's
// indicator section without consuming it.
func peekMessageLength(rr *bufio.Reader) (uint64, error) {
	// Peek the 16-byte indicator section.
	data, err := rr.Peek(16)
	if err != nil {
		return 0, fmt.Errorf("error while expecting a 16-byte GRIB indicator: %w", grib2.ErrTruncated)
	}

	if got, want := string(data[0:4]), "GRIB"; got != want {
		return 0, fmt.Errorf("first four bytes = %q, want %q: %w", got, want, grib2.ErrFormat)
	}
	if edition := data[7]; edition != 2 {
		return 0, fmt.Errorf("invalid edition %d, wanted 2: %w", edition, grib2.ErrFormat)
	}
	return binary.BigEndian.Uint64(data[8 : 8+8]), nil
}

// WriteFileAtomic writes data to path via a temporary file in the same
// directory followed by a rename, so an aborted or failed write never leaves
// a partially written file visible at path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".part*")
	if err != nil {
		return fmt.Errorf("error creating temporary file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("error writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error renaming %s to %s: %w", tmpName, path, err)
	}
	return nil
}
