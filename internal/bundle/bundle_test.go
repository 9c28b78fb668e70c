package bundle

import (
	"bytes"
	"context"
	"docpipeline/internal/storage"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/zip"
)

const jobID = "job-1"

func finalKey(rel string) string {
	return storage.Prefix(jobID, storage.AreaFinal) + rel
}

func readZip(t *testing.T, store *storage.Memory, key string) map[string]string {
	t.Helper()
	data, ok := store.Bytes(key)
	if !ok {
		t.Fatalf("bundle %s not written", key)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		body, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = string(body)
	}
	return out
}

func TestAssemble_MirrorsUploadStructure(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory("documents", "")
	store.PutBytes(finalKey("essay.docx"), []byte("one"))
	store.PutBytes(finalKey("week2/notes.docx"), []byte("two"))

	res, err := NewAssembler(store, nil).Assemble(context.Background(), jobID, []string{
		finalKey("week2/notes.docx"),
		finalKey("essay.docx"),
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if res.Key != storage.BundleKey(jobID) {
		t.Errorf("Key = %q", res.Key)
	}

	entries := readZip(t, store, res.Key)
	want := map[string]string{"essay.docx": "one", "week2/notes.docx": "two"}
	if len(entries) != len(want) {
		t.Fatalf("entries = %v, want %v", entries, want)
	}
	for name, body := range want {
		if entries[name] != body {
			t.Errorf("entry %q = %q, want %q", name, entries[name], body)
		}
	}
	if len(res.Entries) != 2 || res.Entries[0] != "essay.docx" {
		t.Errorf("Entries = %v, want sorted archive paths", res.Entries)
	}
}

func TestAssemble_OmitsUnreadable(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory("documents", "")
	store.PutBytes(finalKey("a.docx"), []byte("a"))
	store.PutBytes(finalKey("b.docx"), []byte("b"))
	store.SetFault(func(op, key string) error {
		if op == "get" && key == finalKey("b.docx") {
			return errors.New("connection reset")
		}
		return nil
	})

	res, err := NewAssembler(store, nil).Assemble(context.Background(), jobID, []string{
		finalKey("a.docx"), finalKey("b.docx"), finalKey("missing.docx"),
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(res.Included) != 1 || len(res.Omitted) != 2 {
		t.Errorf("included=%v omitted=%v", res.Included, res.Omitted)
	}
	if entries := readZip(t, store, res.Key); len(entries) != 1 || entries["a.docx"] != "a" {
		t.Errorf("entries = %v", entries)
	}
}

func TestAssemble_EmptyIsFatal(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory("documents", "")

	_, err := NewAssembler(store, nil).Assemble(context.Background(), jobID, []string{finalKey("gone.docx")})
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("Assemble() error = %v, want ErrEmpty", err)
	}
	if _, ok := store.Bytes(storage.BundleKey(jobID)); ok {
		t.Error("no bundle may exist after a failed assembly")
	}
}

func TestAssemble_UploadFailure(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory("documents", "")
	store.PutBytes(finalKey("a.docx"), []byte("a"))
	errDown := errors.New("bucket unreachable")
	store.SetFault(func(op, key string) error {
		if op == "put" {
			return errDown
		}
		return nil
	})

	_, err := NewAssembler(store, nil).Assemble(context.Background(), jobID, []string{finalKey("a.docx")})
	if !errors.Is(err, errDown) {
		t.Fatalf("Assemble() error = %v, want %v", err, errDown)
	}
}

func TestAssemble_DuplicateNames(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory("documents", "")
	keys := []string{
		finalKey("a.docx"),
		storage.Prefix(jobID, storage.AreaRewritten) + "a.docx",
	}
	for _, k := range keys {
		store.PutBytes(k, []byte(k))
	}

	res, err := NewAssembler(store, nil).Assemble(context.Background(), jobID, keys)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	entries := readZip(t, store, res.Key)
	if _, ok := entries["a.docx"]; !ok {
		t.Errorf("missing a.docx in %v", entries)
	}
	if _, ok := entries["a (1).docx"]; !ok {
		t.Errorf("missing a (1).docx in %v", entries)
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory("documents", "")
	keys := []string{finalKey("b.docx"), finalKey("a.docx"), finalKey("c/d.docx")}
	for _, k := range keys {
		store.PutBytes(k, []byte("content of "+k))
	}
	a := NewAssembler(store, nil)

	if _, err := a.Assemble(context.Background(), jobID, keys); err != nil {
		t.Fatal(err)
	}
	first, _ := store.Bytes(storage.BundleKey(jobID))

	reversed := []string{keys[2], keys[1], keys[0]}
	if _, err := a.Assemble(context.Background(), jobID, reversed); err != nil {
		t.Fatal(err)
	}
	second, _ := store.Bytes(storage.BundleKey(jobID))

	if !bytes.Equal(first, second) {
		t.Error("same inputs in a different order must produce an identical archive")
	}
}

func TestUniqueName(t *testing.T) {
	t.Parallel()
	used := make(map[string]bool)
	got := []string{
		uniqueName(used, "a.docx"),
		uniqueName(used, "a.docx"),
		uniqueName(used, "a (1).docx"),
		uniqueName(used, "a.docx"),
		uniqueName(used, "README"),
		uniqueName(used, "README"),
	}
	want := []string{"a.docx", "a (1).docx", "a (1) (1).docx", "a (2).docx", "README", "README (1)"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("uniqueName #%d = %q, want %q", i, got[i], want[i])
		}
	}
}
