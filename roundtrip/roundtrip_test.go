package roundtrip

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sdifrance/gribxml/grib2"
)

func testMessage(values []float64) *grib2.Message {
	return &grib2.Message{
		Indicator:      grib2.Indicator{Discipline: 0, Edition: 2},
		Identification: grib2.RawSection{Number: 1, Body: []byte{0, 7, 0, 0, 2, 1, 1, 7, 230, 8, 25, 12, 0, 0, 0, 1}},
		Grid: grib2.GridDefinition{
			NumberOfDataPoints: 4,
			EarthShape:         []byte{6, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			Ni:                 2,
			Nj:                 2,
			La1:                36000000,
			Lo1:                -98000000,
			ResolutionFlags:    0x30,
			La2:                35000000,
			Lo2:                -97000000,
			Di:                 1000000,
			Dj:                 1000000,
		},
		Product:        grib2.RawSection{Number: 4, Body: []byte{0, 0, 0, 0, 1, 8}},
		Representation: grib2.DataRepresentation{NumberOfValues: 4, Kind: grib2.PackingSimple, BitsPerValue: 8},
		Data:           grib2.DataSection{Values: values},
	}
}

// writeTestFile writes a two-message grib file with zero padding between the
// records and returns its path.
func writeTestFile(t *testing.T, dir, name string) string {
	t.Helper()
	first, err := grib2.Write(testMessage([]float64{0, 128, 255, 64}))
	if err != nil {
		t.Fatal(err)
	}
	second, err := grib2.Write(testMessage([]float64{10, 20, 30, 40}))
	if err != nil {
		t.Fatal(err)
	}
	var data []byte
	data = append(data, first...)
	data = append(data, 0, 0, 0)
	data = append(data, second...)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConvertReconstructVerify(t *testing.T) {
	dir := t.TempDir()
	input := writeTestFile(t, dir, "sounding.grb2")
	opts := Options{OutputDir: dir}

	docs, err := Convert(context.Background(), []string{input}, opts)
	if err != nil {
		t.Fatalf("Convert() returned error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "sounding_msg_0.xml"),
		filepath.Join(dir, "sounding_msg_1.xml"),
	}
	if len(docs) != len(want) || docs[0] != want[0] || docs[1] != want[1] {
		t.Fatalf("Convert() outputs = %v, want %v", docs, want)
	}

	outputs, err := Reconstruct(context.Background(), docs, opts)
	if err != nil {
		t.Fatalf("Reconstruct() returned error: %v", err)
	}
	if len(outputs) != 1 || filepath.Base(outputs[0]) != "reconstructed_sounding.grb2" {
		t.Fatalf("Reconstruct() outputs = %v, want one reconstructed_sounding.grb2", outputs)
	}

	// The reconstruction drops the inter-record zero padding, so compare
	// message bytes rather than whole files.
	if err := Verify(input, outputs[0]); err == nil {
		t.Fatalf("Verify() = nil, the padded original should differ from the reconstruction")
	}
	orig, err := os.ReadFile(input)
	if err != nil {
		t.Fatal(err)
	}
	recon, err := os.ReadFile(outputs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(recon) != len(orig)-3 {
		t.Fatalf("reconstruction is %d bytes, want %d", len(recon), len(orig)-3)
	}
	msgs, err := grib2.Read(recon)
	if err != nil {
		t.Fatalf("reconstruction does not parse: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("reconstruction has %d messages, want 2", len(msgs))
	}
}

func TestRoundTripUnpaddedFile(t *testing.T) {
	dir := t.TempDir()
	raw, err := grib2.Write(testMessage([]float64{0, 128, 255, 64}))
	if err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(dir, "single.grb2")
	if err := os.WriteFile(input, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	opts := Options{OutputDir: dir, Workers: 1}

	docs, err := Convert(context.Background(), []string{input}, opts)
	if err != nil {
		t.Fatalf("Convert() returned error: %v", err)
	}
	outputs, err := Reconstruct(context.Background(), docs, opts)
	if err != nil {
		t.Fatalf("Reconstruct() returned error: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("Reconstruct() outputs = %v, want one path", outputs)
	}
	if err := Verify(input, outputs[0]); err != nil {
		t.Errorf("Verify() = %v, want byte-identical round trip", err)
	}
}

func TestReconstructForcedRepack(t *testing.T) {
	dir := t.TempDir()
	raw, err := grib2.Write(testMessage([]float64{0, 128, 255, 64}))
	if err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(dir, "single.grb2")
	if err := os.WriteFile(input, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	kind := grib2.PackingIEEE64
	opts := Options{OutputDir: dir, Packing: &kind}

	docs, err := Convert(context.Background(), []string{input}, opts)
	if err != nil {
		t.Fatal(err)
	}
	outputs, err := Reconstruct(context.Background(), docs, opts)
	if err != nil {
		t.Fatalf("Reconstruct() returned error: %v", err)
	}

	// A forced repack changes the byte layout but keeps the values.
	err = Verify(input, outputs[0])
	if !errors.Is(err, ErrRoundTrip) {
		t.Errorf("Verify() error = %v, want errors.Is(err, ErrRoundTrip)", err)
	}
	recon, err := os.ReadFile(outputs[0])
	if err != nil {
		t.Fatal(err)
	}
	msg, _, err := grib2.Read1(recon)
	if err != nil {
		t.Fatalf("repacked reconstruction does not parse: %v", err)
	}
	if got := msg.Representation.Kind; got != grib2.PackingIEEE64 {
		t.Errorf("repacked kind = %s, want ieee64", got)
	}
	for i, want := range []float64{0, 128, 255, 64} {
		if msg.Data.Values[i] != want {
			t.Errorf("value %d = %v, want %v", i, msg.Data.Values[i], want)
		}
	}
}

func TestConvertPartialFailure(t *testing.T) {
	dir := t.TempDir()
	good := writeTestFile(t, dir, "good.grb2")
	bad := filepath.Join(dir, "bad.grb2")
	if err := os.WriteFile(bad, []byte("not a grib file"), 0o644); err != nil {
		t.Fatal(err)
	}

	docs, err := Convert(context.Background(), []string{good, bad}, Options{OutputDir: dir})
	if err == nil {
		t.Errorf("Convert() = nil error, want a failure for %s", bad)
	}
	if len(docs) != 2 {
		t.Errorf("Convert() wrote %v, want the two documents from %s", docs, good)
	}
}

func TestReconstructMissingMessage(t *testing.T) {
	dir := t.TempDir()
	input := writeTestFile(t, dir, "gapped.grb2")
	docs, err := Convert(context.Background(), []string{input}, Options{OutputDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(docs[0]); err != nil {
		t.Fatal(err)
	}
	docs = docs[1:] // only gapped_msg_1.xml remains

	if _, err := Reconstruct(context.Background(), docs, Options{OutputDir: dir}); err == nil {
		t.Errorf("Reconstruct() = nil error, want a missing-message failure")
	}
}

func TestReconstructSameStemDifferentDirs(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	inputA := writeTestFile(t, dirA, "field.grb2")
	inputB := writeTestFile(t, dirB, "field.grb2")

	docsA, err := Convert(context.Background(), []string{inputA}, Options{OutputDir: dirA})
	if err != nil {
		t.Fatal(err)
	}
	docsB, err := Convert(context.Background(), []string{inputB}, Options{OutputDir: dirB})
	if err != nil {
		t.Fatal(err)
	}

	// Both groups would reconstruct to reconstructed_field.grb2, so the batch
	// must reject them rather than merge or silently overwrite.
	outputs, err := Reconstruct(context.Background(), append(docsA, docsB...), Options{OutputDir: t.TempDir()})
	if err == nil {
		t.Errorf("Reconstruct() = nil error, want an output-collision failure")
	}
	if len(outputs) != 0 {
		t.Errorf("Reconstruct() outputs = %v, want none", outputs)
	}

	// Each directory reconstructs fine on its own.
	outputs, err = Reconstruct(context.Background(), docsA, Options{OutputDir: dirA})
	if err != nil {
		t.Fatalf("Reconstruct() of one directory returned error: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("Reconstruct() outputs = %v, want one path", outputs)
	}
	recon, err := os.ReadFile(outputs[0])
	if err != nil {
		t.Fatal(err)
	}
	if msgs, err := grib2.Read(recon); err != nil || len(msgs) != 2 {
		t.Errorf("reconstruction parses to %d messages (err %v), want 2", len(msgs), err)
	}
}

func TestReconstructDuplicateIndex(t *testing.T) {
	dir := t.TempDir()
	input := writeTestFile(t, dir, "twice.grb2")
	docs, err := Convert(context.Background(), []string{input}, Options{OutputDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	_, err = Reconstruct(context.Background(), append(docs, docs[0]), Options{OutputDir: dir})
	if err == nil || !strings.Contains(err.Error(), "appears twice") {
		t.Errorf("Reconstruct() error = %v, want a duplicate-index failure", err)
	}
}

func TestReconstructRejectsUnrecognizedNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.xml")
	if err := os.WriteFile(path, []byte("<gribMessage/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Reconstruct(context.Background(), []string{path}, Options{OutputDir: dir}); err == nil {
		t.Errorf("Reconstruct() = nil error for %s, want a file-name failure", path)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name       string
		a, b       []byte
		want       *Mismatch
		wantOffset int64
	}{
		{"identical", []byte("abc"), []byte("abc"), nil, 0},
		{"byte difference", []byte("abc"), []byte("axc"), &Mismatch{}, 1},
		{"reconstruction short", []byte("abcd"), []byte("ab"), &Mismatch{}, 2},
		{"reconstruction long", []byte("ab"), []byte("abcd"), &Mismatch{}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(tt.a, tt.b)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("Compare() = %v, want nil=%v", got, tt.want == nil)
			}
			if got == nil {
				return
			}
			if got.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", got.Offset, tt.wantOffset)
			}
			if !errors.Is(got, ErrRoundTrip) {
				t.Errorf("Compare() result does not unwrap to ErrRoundTrip")
			}
		})
	}
}

func TestVerifyMismatchDetail(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	if err := os.WriteFile(a, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte{1, 9, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	err := Verify(a, b)
	if !errors.Is(err, ErrRoundTrip) {
		t.Fatalf("Verify() error = %v, want errors.Is(err, ErrRoundTrip)", err)
	}
	var m *Mismatch
	if !errors.As(err, &m) {
		t.Fatalf("Verify() error %v does not carry a *Mismatch", err)
	}
	if m.Offset != 1 || m.OriginalByte != 2 || m.ReconstructedByte != 9 {
		t.Errorf("Mismatch = %+v, want offset 1, bytes 2 vs 9", m)
	}
}

func TestFileStem(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"dir/sub/field.grb2", "field"},
		{"field.grb2", "field"},
		{"field", "field"},
		{"archive.tar.grb2", "archive.tar"},
	}
	for _, tt := range tests {
		if got := fileStem(tt.path); got != tt.want {
			t.Errorf("fileStem(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
