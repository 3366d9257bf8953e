package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"soundlines.art/internal/persistence/snapshot"
)

func TestRotate_KeepsNewestAndArchivesTheRest(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC)
	var names []string
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		path := filepath.Join(dir, snapshot.FileName(at, i == 0))
		if err := snapshot.Write(path, snapshot.Document{TakenAt: at}); err != nil {
			t.Fatalf("write: %v", err)
		}
		names = append(names, filepath.Base(path))
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := Rotate(dir, 2, time.UTC, nil)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if res.Compressed != 1 || res.Moved != 1 {
		t.Fatalf("result: got=%+v want 1 compressed, 1 moved", res)
	}

	for _, n := range names[2:] {
		if _, err := os.Stat(filepath.Join(dir, n)); err != nil {
			t.Fatalf("newest snapshot %s gone: %v", n, err)
		}
	}
	for _, n := range names[:2] {
		if _, err := os.Stat(filepath.Join(dir, n)); !os.IsNotExist(err) {
			t.Fatalf("old snapshot %s still in place (err=%v)", n, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("unrelated file touched: %v", err)
	}

	// 22:00 was already compressed, 23:00 gets compressed on the way.
	day := filepath.Join(dir, "archives", "2024_05_01")
	doc, err := snapshot.Read(filepath.Join(day, names[1]+".zst"))
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if !doc.TakenAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("archived taken_at: got=%v want=%v", doc.TakenAt, base.Add(time.Hour))
	}
	if _, err := snapshot.Read(filepath.Join(day, names[0])); err != nil {
		t.Fatalf("read moved: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(day, "meta.json"))
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	var meta DayMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Day != "2024_05_01" || len(meta.Snapshots) != 2 || meta.Bytes <= 0 {
		t.Fatalf("meta: got=%+v", meta)
	}
}

func TestRotate_NothingToDo(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := snapshot.Write(filepath.Join(dir, snapshot.FileName(at, false)), snapshot.Document{TakenAt: at}); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := Rotate(dir, 5, time.UTC, nil)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("result: got=%+v want zero", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "archives")); !os.IsNotExist(err) {
		t.Fatalf("archives dir created without need (err=%v)", err)
	}
}
