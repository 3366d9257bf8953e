// Package snapshot dumps the whole world to one JSON document per run.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/ecology"
)

// Document is the snapshot file body.
type Document struct {
	TakenAt  time.Time            `json:"taken_at"`
	Entities []ecology.Entity     `json:"entities"`
	Seeds    []ecology.Seed       `json:"seeds"`
	Cells    []ecology.Cell       `json:"cells"`
	Users    []store.UserLocation `json:"users"`
	Weather  *store.Weather       `json:"weather"`
	Settings []ecology.Species    `json:"settings"`
}

const (
	nameLayout = "2006_01_02_15_04_05"
	zstdExt    = ".zst"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// FileName names a snapshot taken at t, in t's location.
func FileName(t time.Time, compress bool) string {
	name := t.Format(nameLayout) + ".json"
	if compress {
		name += zstdExt
	}
	return name
}

// ParseFileName recovers the timestamp from a snapshot file name.
func ParseFileName(name string, loc *time.Location) (time.Time, error) {
	base := strings.TrimSuffix(filepath.Base(name), zstdExt)
	base = strings.TrimSuffix(base, ".json")
	t, err := time.ParseInLocation(nameLayout, base, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot name %q: %w", name, err)
	}
	return t, nil
}

// Write stores doc at path, zstd-compressed when path ends in .zst. The file
// appears atomically.
func Write(path string, doc Document) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	var out io.Writer = f
	var enc *zstd.Encoder
	if strings.HasSuffix(path, zstdExt) {
		enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		out = enc
	}
	bw := bufio.NewWriterSize(out, 256*1024)
	if err = json.NewEncoder(bw).Encode(doc); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if enc != nil {
		if err = enc.Close(); err != nil {
			return err
		}
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read loads a snapshot, compressed or not.
func Read(path string) (Document, error) {
	var doc Document
	f, err := os.Open(path)
	if err != nil {
		return doc, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 256*1024)
	var in io.Reader = br
	if magic, _ := br.Peek(len(zstdMagic)); bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return doc, err
		}
		defer dec.Close()
		in = dec
	}
	if err := json.NewDecoder(in).Decode(&doc); err != nil {
		return doc, fmt.Errorf("decode snapshot %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}
