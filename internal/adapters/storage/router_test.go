package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

func TestRouterDispatch(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, "a.parquet")
	local, _ := NewLocalStorage(LocalConfig{Root: root})
	web := NewHTTPStorage(HTTPConfig{})

	router := NewRouter()
	router.Register(local, domain.SchemeFile)
	router.Register(web, domain.SchemeHTTP, domain.SchemeHTTPS)

	if got := router.Schemes(); len(got) != 3 || got[0] != "file" || got[1] != "http" || got[2] != "https" {
		t.Errorf("Schemes() = %v", got)
	}

	loc, err := router.Normalize(mustLocation(t, "*.parquet"))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	objects, err := router.List(context.Background(), loc)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 1 {
		t.Errorf("len(objects) = %d, want 1", len(objects))
	}

	remote := mustLocation(t, "https://example.com/a.parquet")
	if got, err := router.Normalize(remote); err != nil || got != remote {
		t.Errorf("Normalize() = %+v, %v; want unchanged", got, err)
	}
}

func TestRouterUnconfiguredScheme(t *testing.T) {
	router := NewRouter()
	loc := mustLocation(t, "s3://bucket/a.parquet")

	if _, err := router.List(context.Background(), loc); !errors.Is(err, domain.ErrUnsupportedScheme) {
		t.Errorf("List() error = %v, want ErrUnsupportedScheme", err)
	}
	if _, err := router.Normalize(loc); !errors.Is(err, domain.ErrUnsupportedScheme) {
		t.Errorf("Normalize() error = %v, want ErrUnsupportedScheme", err)
	}
}

// countingMetrics records storage operations.
type countingMetrics struct {
	output.NoOpMetrics
	ops map[string][2]int // success, failure
}

func (m *countingMetrics) IncStorageOperations(operation string, success bool) {
	c := m.ops[operation]
	if success {
		c[0]++
	} else {
		c[1]++
	}
	m.ops[operation] = c
}

func TestRouterRecordsMetrics(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, "a.parquet")
	local, _ := NewLocalStorage(LocalConfig{Root: root})

	m := &countingMetrics{ops: make(map[string][2]int)}
	router := NewRouter().WithMetrics(m)
	router.Register(local, domain.SchemeFile)

	loc, err := router.Normalize(mustLocation(t, "*.parquet"))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	objects, err := router.List(context.Background(), loc)
	if err != nil || len(objects) != 1 {
		t.Fatalf("List() = %v, %v", objects, err)
	}
	if _, err := router.Stat(context.Background(), loc, objects[0].Key+".missing"); err == nil {
		t.Fatal("Stat() of missing key succeeded")
	}

	if got := m.ops["file_list"]; got != [2]int{1, 0} {
		t.Errorf("file_list = %v, want one success", got)
	}
	if got := m.ops["file_stat"]; got != [2]int{0, 1} {
		t.Errorf("file_stat = %v, want one failure", got)
	}
}
