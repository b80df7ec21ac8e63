package statehistory

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/chronicle-db/statehistory/internal/testutil"
)

func buildHistoryFile(t *testing.T, store ArtifactStore, key string, opts HistoryFileOptions) *HistoryFileBackend {
	t.Helper()
	b, err := NewHistoryFileBackend(store, key, "cpu", 0, 3, opts)
	if err != nil {
		t.Fatalf("NewHistoryFileBackend failed: %v", err)
	}
	fillBackend(t, b)
	return b
}

func TestHistoryFileBackend_Reopen(t *testing.T) {
	for _, c := range []Compression{CompressionSnappy, CompressionZstd, CompressionNone} {
		t.Run(string(c), func(t *testing.T) {
			store := NewMemoryArtifactStore()
			built := buildHistoryFile(t, store, "analyses/cpu.ht", HistoryFileOptions{NodeCapacity: 2, Compression: c})
			built.Dispose()

			b, err := OpenHistoryFileBackend(context.Background(), store, "analyses/cpu.ht", 3, HistoryFileOptions{CacheSize: 1})
			if err != nil {
				t.Fatalf("OpenHistoryFileBackend failed: %v", err)
			}
			defer b.Dispose()

			if b.ID() != "cpu" {
				t.Errorf("expected id cpu, got %q", b.ID())
			}
			if b.BuildID() != built.BuildID() {
				t.Errorf("build id changed across reopen")
			}
			if b.StartTime() != 0 || b.EndTime() != 30 {
				t.Errorf("bounds [%d, %d], want [0, 30]", b.StartTime(), b.EndTime())
			}
			checkContractQueries(t, b)

			if err := b.InsertPastState(31, 40, 0, IntValue(1)); !errors.Is(err, ErrBuildInProgress) {
				t.Errorf("insert into reopened history: got %v", err)
			}
		})
	}
}

func TestHistoryFileBackend_QueriesWhileBuilding(t *testing.T) {
	b, err := NewHistoryFileBackend(NewMemoryArtifactStore(), "analyses/live.ht", "live", 0, 1,
		HistoryFileOptions{NodeCapacity: 2})
	if err != nil {
		t.Fatalf("NewHistoryFileBackend failed: %v", err)
	}
	defer b.Dispose()

	for i := Time(0); i < 5; i++ {
		if err := b.InsertPastState(i*10, i*10+9, 0, IntValue(int32(i))); err != nil {
			t.Fatalf("InsertPastState failed: %v", err)
		}
	}
	// The last interval sits in the open node.
	for i := Time(0); i < 5; i++ {
		iv, err := b.DoSingularQuery(i*10+5, 0)
		if err != nil {
			t.Fatalf("DoSingularQuery failed: %v", err)
		}
		if iv == nil || !iv.Value.Equal(IntValue(int32(i))) {
			t.Errorf("at %d: got %v", i*10+5, iv)
		}
	}
}

func TestHistoryFileBackend_VersionMismatch(t *testing.T) {
	store := NewMemoryArtifactStore()
	buildHistoryFile(t, store, "analyses/cpu.ht", HistoryFileOptions{}).Dispose()

	_, err := OpenHistoryFileBackend(context.Background(), store, "analyses/cpu.ht", 4, HistoryFileOptions{})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestHistoryFileBackend_CorruptHeader(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileArtifactStore(dir)
	if err != nil {
		t.Fatalf("NewFileArtifactStore failed: %v", err)
	}
	buildHistoryFile(t, store, "analyses/cpu.ht", HistoryFileOptions{}).Dispose()

	path := filepath.Join(dir, "analyses", "cpu.ht")
	testutil.MustExist(t, path)
	testutil.Corrupt(t, path, 4)

	_, err = OpenHistoryFileBackend(context.Background(), store, "analyses/cpu.ht", 3, HistoryFileOptions{})
	if !errors.Is(err, ErrStorageCorruption) {
		t.Fatalf("expected ErrStorageCorruption, got %v", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Key != "analyses/cpu.ht" {
		t.Errorf("expected StorageError for the artifact key, got %v", err)
	}
}

func TestHistoryFileBackend_CorruptNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryArtifactStore()
	built := buildHistoryFile(t, store, "analyses/cpu.ht", HistoryFileOptions{NodeCapacity: 100, Compression: CompressionNone})
	built.Dispose()

	data, err := store.Read(ctx, "analyses/cpu.ht")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	// One node: its payload starts after the header, one record and the crc.
	data[headerSize+nodeRecordSize+4] ^= 0xFF
	if err := store.Write(ctx, "analyses/cpu.ht", data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	b, err := OpenHistoryFileBackend(ctx, store, "analyses/cpu.ht", 3, HistoryFileOptions{})
	if err != nil {
		t.Fatalf("node payloads should be checked lazily, got %v", err)
	}
	defer b.Dispose()
	if _, err := b.DoSingularQuery(5, 0); !errors.Is(err, ErrStorageCorruption) {
		t.Errorf("expected ErrStorageCorruption, got %v", err)
	}
}

func TestHistoryFileBackend_AttributeTree(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryArtifactStore()
	b, err := NewHistoryFileBackend(store, "analyses/tree.ht", "tree", 0, 1, HistoryFileOptions{})
	if err != nil {
		t.Fatalf("NewHistoryFileBackend failed: %v", err)
	}

	sink, err := b.AttributeTreeWriter()
	if err != nil {
		t.Fatalf("AttributeTreeWriter failed: %v", err)
	}
	if err := sink.Save([]byte("early")); !errors.Is(err, ErrBuildInProgress) {
		t.Errorf("save before finish: got %v", err)
	}
	if r, _ := b.AttributeTreeReader(); r != nil {
		t.Error("expected no tree before it is saved")
	}

	if err := b.FinishBuilding(10); err != nil {
		t.Fatalf("FinishBuilding failed: %v", err)
	}
	if err := sink.Save([]byte("tree-bytes")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	b.Dispose()

	reopened, err := OpenHistoryFileBackend(ctx, store, "analyses/tree.ht", 1, HistoryFileOptions{})
	if err != nil {
		t.Fatalf("OpenHistoryFileBackend failed: %v", err)
	}
	defer reopened.Dispose()
	r, err := reopened.AttributeTreeReader()
	if err != nil || r == nil {
		t.Fatalf("AttributeTreeReader = %v, %v", r, err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "tree-bytes" {
		t.Errorf("expected tree-bytes, got %q", got)
	}
}

func TestHistoryFileBackend_DisposeUnfinished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryArtifactStore()
	b := buildHistoryFile(t, store, "analyses/done.ht", HistoryFileOptions{})
	b.Dispose()
	if ok, _ := store.Exists(ctx, "analyses/done.ht"); !ok {
		t.Error("finished history should survive Dispose")
	}
	if err := b.RemoveFiles(); err != nil {
		t.Fatalf("RemoveFiles failed: %v", err)
	}
	if ok, _ := store.Exists(ctx, "analyses/done.ht"); ok {
		t.Error("RemoveFiles should delete the artifact")
	}

	partial, err := NewHistoryFileBackend(store, "analyses/partial.ht", "partial", 0, 1, HistoryFileOptions{})
	if err != nil {
		t.Fatalf("NewHistoryFileBackend failed: %v", err)
	}
	_ = partial.InsertPastState(0, 5, 0, IntValue(1))
	partial.Dispose()
	if ok, _ := store.Exists(ctx, "analyses/partial.ht"); ok {
		t.Error("unfinished history should leave no artifact")
	}
}

func TestHistoryFileBackend_InvalidOptions(t *testing.T) {
	store := NewMemoryArtifactStore()
	if _, err := NewHistoryFileBackend(store, "k", "id", 0, 1, HistoryFileOptions{Compression: "lz4"}); err == nil {
		t.Error("expected error for unknown compression")
	}
	if _, err := NewHistoryFileBackend(store, "k", "id", -1, 1, HistoryFileOptions{}); !errors.Is(err, ErrInvalidTimeRange) {
		t.Errorf("expected ErrInvalidTimeRange, got %v", err)
	}
	if _, err := OpenHistoryFileBackend(context.Background(), store, "missing.ht", 1, HistoryFileOptions{}); err == nil {
		t.Error("expected error for missing artifact")
	}
}
