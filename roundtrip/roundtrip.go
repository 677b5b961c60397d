// Package roundtrip implements the convert / reconstruct / verify pipeline
// over batches of weather-grid files.
//
// Files in a batch are independent: each is processed by its own task with
// its own buffers, and a failure in one file never stops the others. Errors
// are attached to the originating file path and aggregated for the caller.
package roundtrip

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/sdifrance/gribxml/grib2"
	"github.com/sdifrance/gribxml/gribio"
	"github.com/sdifrance/gribxml/gribxml"
)

// ErrRoundTrip indicates the verifier found a divergence between an original
// and a reconstructed file.
var ErrRoundTrip = errors.New("round-trip verification mismatch")

// Options configures one pipeline invocation. The zero value writes to the
// current directory, keeps each message's original packing and uses one task
// per CPU.
type Options struct {
	// OutputDir receives all output files.
	OutputDir string
	// Packing, when non-nil, repacks every reconstructed message with the
	// given kind instead of the one recorded in its textual form. A forced
	// repack preserves physical values but not the byte layout.
	Packing *grib2.PackingKind
	// Workers bounds the number of files processed concurrently.
	Workers int
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}

func (o Options) outputDir() string {
	if o.OutputDir != "" {
		return o.OutputDir
	}
	return "."
}

// Convert parses every message in every input file and writes one XML
// document per message, named <stem>_msg_<index>.xml in the output
// directory. It returns the paths written; a non-nil error aggregates the
// per-file failures of a partially successful batch.
func Convert(ctx context.Context, inputs []string, opts Options) ([]string, error) {
	var (
		mu      sync.Mutex
		outputs []string
		failure error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())
	for _, path := range inputs {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			written, err := convertFile(path, opts)
			mu.Lock()
			defer mu.Unlock()
			outputs = append(outputs, written...)
			if err != nil {
				glog.Warningf("conversion failed for %s: %v", path, err)
				failure = multierr.Append(failure, errors.Wrap(err, path))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		failure = multierr.Append(failure, err)
	}
	slices.Sort(outputs)
	return outputs, failure
}

func convertFile(path string, opts Options) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	file, err := gribio.ReadFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error splitting grib file: %w", err)
	}
	stem := fileStem(path)
	var written []string
	for i, record := range file.Records() {
		msg, _, err := grib2.Read1(record)
		if err != nil {
			return written, fmt.Errorf("error parsing message %d: %w", i, err)
		}
		doc, err := gribxml.Marshal(msg)
		if err != nil {
			return written, fmt.Errorf("error serializing message %d: %w", i, err)
		}
		out := filepath.Join(opts.outputDir(), fmt.Sprintf("%s_msg_%d.xml", stem, i))
		if err := gribio.WriteFileAtomic(out, doc); err != nil {
			return written, err
		}
		glog.Infof("converted %s message %d -> %s", path, i, out)
		written = append(written, out)
	}
	return written, nil
}

// msgFileRE matches the per-message file names Convert produces.
var msgFileRE = regexp.MustCompile(`^(.+)_msg_(\d+)\.xml$`)

type msgFile struct {
	index int
	path  string
}

// groupKey identifies one reconstruction group: documents that share both a
// directory and a stem. Keying on the directory keeps same-named files from
// different directories apart.
type groupKey struct {
	dir, stem string
}

// Reconstruct rebuilds binary files from XML documents produced by Convert.
// Inputs are grouped by directory and stem; each group yields one output
// file, reconstructed_<stem>.grb2, containing the group's messages in index
// order. Groups from different directories that would collide on the same
// output name are rejected. When opts.Packing is set, every message is
// repacked with that kind.
func Reconstruct(ctx context.Context, inputs []string, opts Options) ([]string, error) {
	var failure error
	groups := map[groupKey][]msgFile{}
	for _, path := range inputs {
		m := msgFileRE.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			failure = multierr.Append(failure, errors.Wrapf(gribxml.ErrSchema, "%s: file name does not match <stem>_msg_<index>.xml", path))
			continue
		}
		index, err := strconv.Atoi(m[2])
		if err != nil {
			failure = multierr.Append(failure, errors.Wrap(err, path))
			continue
		}
		key := groupKey{dir: filepath.Dir(filepath.Clean(path)), stem: m[1]}
		groups[key] = append(groups[key], msgFile{index: index, path: path})
	}

	byStem := map[string][]groupKey{}
	for key := range groups {
		byStem[key.stem] = append(byStem[key.stem], key)
	}
	stems := make([]string, 0, len(byStem))
	for stem := range byStem {
		stems = append(stems, stem)
	}
	slices.Sort(stems)

	keys := make([]groupKey, 0, len(groups))
	for _, stem := range stems {
		ks := byStem[stem]
		if len(ks) > 1 {
			dirs := make([]string, len(ks))
			for i, k := range ks {
				dirs[i] = k.dir
			}
			slices.Sort(dirs)
			failure = multierr.Append(failure, fmt.Errorf("stem %q appears under %d directories (%s); their outputs would collide, reconstruct them separately", stem, len(dirs), strings.Join(dirs, ", ")))
			continue
		}
		keys = append(keys, ks[0])
	}

	var (
		mu      sync.Mutex
		outputs []string
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())
	for _, key := range keys {
		key, members := key, groups[key]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := reconstructGroup(key.stem, members, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				glog.Warningf("reconstruction failed for %s: %v", key.stem, err)
				failure = multierr.Append(failure, errors.Wrap(err, key.stem))
				return nil
			}
			outputs = append(outputs, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		failure = multierr.Append(failure, err)
	}
	slices.Sort(outputs)
	return outputs, failure
}

func reconstructGroup(stem string, members []msgFile, opts Options) (string, error) {
	slices.SortFunc(members, func(a, b msgFile) int { return a.index - b.index })
	for i, m := range members {
		if m.index == i {
			continue
		}
		if i > 0 && m.index == members[i-1].index {
			return "", fmt.Errorf("message index %d appears twice (%s and %s)", m.index, members[i-1].path, m.path)
		}
		return "", fmt.Errorf("message %d is missing (next file is %s)", i, m.path)
	}

	var buf bytes.Buffer
	for _, m := range members {
		doc, err := os.ReadFile(m.path)
		if err != nil {
			return "", err
		}
		msg, err := gribxml.Unmarshal(doc)
		if err != nil {
			return "", fmt.Errorf("error deserializing %s: %w", m.path, err)
		}
		if opts.Packing != nil {
			if msg, err = grib2.Repack(msg, *opts.Packing); err != nil {
				return "", fmt.Errorf("error repacking %s: %w", m.path, err)
			}
		}
		raw, err := grib2.Write(msg)
		if err != nil {
			return "", fmt.Errorf("error encoding %s: %w", m.path, err)
		}
		buf.Write(raw)
	}

	out := filepath.Join(opts.outputDir(), "reconstructed_"+stem+".grb2")
	if err := gribio.WriteFileAtomic(out, buf.Bytes()); err != nil {
		return "", err
	}
	glog.Infof("reconstructed %d messages -> %s", len(members), out)
	return out, nil
}

// Mismatch describes the first diverging byte between an original and a
// reconstructed buffer. It unwraps to ErrRoundTrip.
type Mismatch struct {
	Offset                          int64
	OriginalByte, ReconstructedByte byte
	OriginalLen, ReconstructedLen   int64
}

func (m *Mismatch) Error() string {
	if m.OriginalLen != m.ReconstructedLen && m.Offset >= min64(m.OriginalLen, m.ReconstructedLen) {
		return fmt.Sprintf("length mismatch: original is %d bytes, reconstructed is %d (identical up to byte %d)",
			m.OriginalLen, m.ReconstructedLen, m.Offset)
	}
	return fmt.Sprintf("first mismatch at byte %d: original 0x%02x, reconstructed 0x%02x",
		m.Offset, m.OriginalByte, m.ReconstructedByte)
}

func (m *Mismatch) Unwrap() error { return ErrRoundTrip }

// Compare returns the first divergence between original and reconstructed,
// or nil when the buffers are identical.
func Compare(original, reconstructed []byte) *Mismatch {
	n := len(original)
	if len(reconstructed) < n {
		n = len(reconstructed)
	}
	for i := 0; i < n; i++ {
		if original[i] != reconstructed[i] {
			return &Mismatch{
				Offset:            int64(i),
				OriginalByte:      original[i],
				ReconstructedByte: reconstructed[i],
				OriginalLen:       int64(len(original)),
				ReconstructedLen:  int64(len(reconstructed)),
			}
		}
	}
	if len(original) != len(reconstructed) {
		return &Mismatch{
			Offset:           int64(n),
			OriginalLen:      int64(len(original)),
			ReconstructedLen: int64(len(reconstructed)),
		}
	}
	return nil
}

// Verify compares two files byte for byte. It returns nil when they are
// identical and a *Mismatch (which satisfies errors.Is(err, ErrRoundTrip))
// on the first divergence.
func Verify(originalPath, reconstructedPath string) error {
	original, err := os.ReadFile(originalPath)
	if err != nil {
		return err
	}
	reconstructed, err := os.ReadFile(reconstructedPath)
	if err != nil {
		return err
	}
	if m := Compare(original, reconstructed); m != nil {
		return errors.Wrapf(m, "%s vs %s", originalPath, reconstructedPath)
	}
	glog.Infof("%s and %s are identical (%d bytes)", originalPath, reconstructedPath, len(original))
	return nil
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
