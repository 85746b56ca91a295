package partial

import (
	"os"
	"path/filepath"
	"testing"

	perr "adlake/internal/platform/errors"
)

func TestStore_AppendPagesDelete(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := "q1/ad_insights"

	n, err := s.Append(id, []byte("{\n  \"data\": [1, 2]\n}"))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(`{"data":[1,2]}`)+1 {
		t.Fatalf("n=%d", n)
	}
	if _, err := s.Append(id, []byte(`{"data":[3]}`)); err != nil {
		t.Fatal(err)
	}

	pages, err := s.Pages(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 || string(pages[0]) != `{"data":[1,2]}` || string(pages[1]) != `{"data":[3]}` {
		t.Fatalf("pages=%q", pages)
	}
	if s.Size(id) == 0 {
		t.Fatal("size")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "q1%2Fad_insights.part")); err != nil {
		t.Fatalf("file name not sanitized: %v", err)
	}

	if err := s.Delete(id); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatal("second delete should be a no-op")
	}
	pages, err = s.Pages(id)
	if err != nil || pages != nil {
		t.Fatalf("pages after delete=%q err=%v", pages, err)
	}
}

func TestStore_RejectsNonJSON(t *testing.T) {
	s, _ := New(t.TempDir())
	_, err := s.Append("x", []byte("<html>oops"))
	if !perr.IsCode(err, perr.ErrorCodeJSON) {
		t.Fatalf("got %v", err)
	}
	if s.Size("x") != 0 {
		t.Fatal("nothing should be written")
	}
}

func TestNew_RequiresDir(t *testing.T) {
	if _, err := New(""); !perr.IsCode(err, perr.ErrorCodeInvalidArgument) {
		t.Fatalf("got %v", err)
	}
}

func TestStore_DistinctIDsDoNotCollide(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// report a scope 0 against unscoped report a_0
	if _, err := s.Append("item:a:0", []byte(`{"data":[1]}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append("item:a_0", []byte(`{"data":[2]}`)); err != nil {
		t.Fatal(err)
	}
	for id, want := range map[string]string{"item:a:0": `{"data":[1]}`, "item:a_0": `{"data":[2]}`} {
		pages, err := s.Pages(id)
		if err != nil {
			t.Fatal(err)
		}
		if len(pages) != 1 || string(pages[0]) != want {
			t.Fatalf("%s pages=%q", id, pages)
		}
	}
}
