// Package archive moves older snapshots out of the live snapshot directory
// into per-day zstd archives.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"soundlines.art/internal/persistence/snapshot"
)

const dayLayout = "2006_01_02"

// DayMeta is written to each archive day directory after a rotation.
type DayMeta struct {
	Day       string   `json:"day"`
	Snapshots []string `json:"snapshots"`
	Bytes     int64    `json:"bytes"`
	UpdatedAt string   `json:"updated_at"`
}

type Result struct {
	Compressed int
	Moved      int
	// BytesIn and BytesOut cover compressed files only.
	BytesIn  int64
	BytesOut int64
}

type file struct {
	name string
	at   time.Time
}

// Rotate keeps the newest keep snapshots in dir untouched and moves every
// older one to dir/archives/<day>/, compressing plain JSON on the way.
func Rotate(dir string, keep int, loc *time.Location, logger *log.Logger) (Result, error) {
	var res Result
	if keep < 0 {
		keep = 0
	}
	if loc == nil {
		loc = time.Local
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return res, err
	}
	var files []file
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		at, err := snapshot.ParseFileName(e.Name(), loc)
		if err != nil {
			continue
		}
		files = append(files, file{name: e.Name(), at: at})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].at.Equal(files[j].at) {
			return files[i].at.After(files[j].at)
		}
		return files[i].name > files[j].name
	})
	if len(files) <= keep {
		return res, nil
	}

	touched := map[string][]string{}
	for _, f := range files[keep:] {
		day := f.at.Format(dayLayout)
		dstDir := filepath.Join(dir, "archives", day)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return res, err
		}
		src := filepath.Join(dir, f.name)
		var dst string
		if strings.HasSuffix(f.name, ".zst") {
			dst = filepath.Join(dstDir, f.name)
			if err := copyFile(src, dst); err != nil {
				return res, err
			}
			res.Moved++
		} else {
			dst = filepath.Join(dstDir, f.name+".zst")
			in, out, err := compressFile(src, dst)
			if err != nil {
				return res, err
			}
			res.Compressed++
			res.BytesIn += in
			res.BytesOut += out
		}
		if err := os.Remove(src); err != nil {
			return res, err
		}
		touched[day] = append(touched[day], filepath.Base(dst))
	}

	for day := range touched {
		if err := writeMeta(filepath.Join(dir, "archives", day), day); err != nil {
			return res, err
		}
	}
	if logger != nil && res.Compressed+res.Moved > 0 {
		logger.Printf("archived %d snapshots (%d compressed, %s -> %s)",
			res.Compressed+res.Moved, res.Compressed, humanize.Bytes(uint64(res.BytesIn)), humanize.Bytes(uint64(res.BytesOut)))
	}
	return res, nil
}

// writeMeta lists everything currently in the day directory.
func writeMeta(dayDir, day string) error {
	ents, err := os.ReadDir(dayDir)
	if err != nil {
		return err
	}
	meta := DayMeta{Day: day, UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	for _, e := range ents {
		if e.IsDir() || e.Name() == "meta.json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		meta.Snapshots = append(meta.Snapshots, e.Name())
		meta.Bytes += info.Size()
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dayDir, "meta.json"), b, 0o644)
}

func compressFile(src, dst string) (in, out int64, err error) {
	r, err := os.Open(src)
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()

	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return 0, 0, err
	}
	if in, err = io.Copy(enc, r); err != nil {
		_ = enc.Close()
		return 0, 0, err
	}
	if err = enc.Close(); err != nil {
		return 0, 0, err
	}
	if err = f.Close(); err != nil {
		return 0, 0, err
	}
	info, err := os.Stat(tmp)
	if err != nil {
		return 0, 0, err
	}
	if err = os.Rename(tmp, dst); err != nil {
		return 0, 0, fmt.Errorf("archive %s: %w", filepath.Base(src), err)
	}
	return in, info.Size(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
