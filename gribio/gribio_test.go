package gribio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sdifrance/gribxml/grib2"
)

// fakeRecord builds a minimal GRIB2 record around payload. Splitting only
// consults the indicator section, so the payload need not be valid sections.
func fakeRecord(payload []byte) []byte {
	total := 16 + len(payload) + 4
	out := make([]byte, 0, total)
	out = append(out, 'G', 'R', 'I', 'B')
	out = append(out, 0, 0) // reserved
	out = append(out, 0, 2) // discipline, edition
	var lenField [8]byte
	binary.BigEndian.PutUint64(lenField[:], uint64(total))
	out = append(out, lenField[:]...)
	out = append(out, payload...)
	out = append(out, '7', '7', '7', '7')
	return out
}

func TestReadFileSplitsRecords(t *testing.T) {
	first := fakeRecord([]byte("first message body"))
	second := fakeRecord([]byte("second"))

	var data []byte
	data = append(data, 0, 0) // leading padding
	data = append(data, first...)
	data = append(data, 0, 0, 0, 0, 0) // padding between records
	data = append(data, second...)
	data = append(data, 0) // trailing padding

	f, err := ReadFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadFile() returned error: %v", err)
	}
	records := f.Records()
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if !bytes.Equal(records[0], first) {
		t.Errorf("record 0 = %q, want %q", records[0], first)
	}
	if !bytes.Equal(records[1], second) {
		t.Errorf("record 1 = %q, want %q", records[1], second)
	}
}

func TestReadFileEmpty(t *testing.T) {
	f, err := ReadFile(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("ReadFile() returned error: %v", err)
	}
	if got := len(f.Records()); got != 0 {
		t.Errorf("got %d records from an empty reader, want 0", got)
	}
}

func TestReadFileErrors(t *testing.T) {
	record := fakeRecord([]byte("payload"))
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"not a grib file", []byte("PNG..............."), grib2.ErrFormat},
		{"wrong edition", append([]byte("GRIB\x00\x00\x00\x01"), record[8:]...), grib2.ErrFormat},
		{"short indicator", []byte("GRIB\x00\x00"), grib2.ErrTruncated},
		{"truncated record", record[:len(record)-6], grib2.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFile(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadFile() error = %v, want errors.Is(err, %v)", err, tt.wantErr)
			}
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.xml")

	if err := WriteFileAtomic(path, []byte("first")); err != nil {
		t.Fatalf("WriteFileAtomic() returned error: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite returned error: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("file contents = %q, want %q", got, "second")
	}

	// No temporary files may survive a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".part") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
}
