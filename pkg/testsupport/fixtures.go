package testsupport

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goliatone/go-repository-sync/entity"
)

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}

	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
// The path is relative to the test package directory.
func LoadFixtureJSON(t *testing.T, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("failed to unmarshal JSON fixture from %s: %v", path, err)
	}
}

// NoteFixture is one entry of a notes fixture file.
type NoteFixture struct {
	ID      string         `json:"id"`
	Payload entity.Payload `json:"payload"`
}

// LoadNotes reads a JSON array of notes from testdata.
func LoadNotes(t *testing.T, filename string) []NoteFixture {
	t.Helper()

	var notes []NoteFixture
	LoadFixtureJSON(t, FixturePath(filename), &notes)
	return notes
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}

var dsnSeq atomic.Int64

// SQLiteDSN returns a shared-cache in-memory SQLite DSN unique to the test or benchmark.
func SQLiteDSN(t testing.TB) string {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dsnSeq.Add(1))
}

// Logger returns a text logger writing to w, or a discarding logger when w is nil.
func Logger(w io.Writer) *slog.Logger {
	if w == nil {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
