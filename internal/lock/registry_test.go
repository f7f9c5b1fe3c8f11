package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/artifact-proxy/internal/cache"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	reg := openTempRegistry(t)
	loc := cache.Locator{Origin: "ubuntu", Path: "/pool/a.deb"}

	first, ok, err := reg.TryAcquire(loc)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}
	if _, ok, err := reg.TryAcquire(loc); err != nil || ok {
		t.Fatalf("second acquire must report contention: ok=%v err=%v", ok, err)
	}
	if !reg.Held(loc) {
		t.Fatalf("locator should be held")
	}

	if _, err := os.Stat(first.file); err != nil {
		t.Fatalf("marker file should exist: %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if reg.Held(loc) {
		t.Fatalf("locator should be free after release")
	}
	if _, err := os.Stat(first.file); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("marker should be removed, got %v", err)
	}

	again, ok, err := reg.TryAcquire(loc)
	if err != nil || !ok {
		t.Fatalf("acquire after release should succeed: ok=%v err=%v", ok, err)
	}
	_ = again.Release()
}

func TestStaleReleaseDoesNotDropNewHolder(t *testing.T) {
	reg := openTempRegistry(t)
	loc := cache.Locator{Origin: "ubuntu", Path: "/x"}

	first, _, _ := reg.TryAcquire(loc)
	_ = first.Release()
	second, ok, _ := reg.TryAcquire(loc)
	if !ok {
		t.Fatalf("second acquire should succeed")
	}
	_ = first.Release()
	if !reg.Held(loc) {
		t.Fatalf("repeated release of an old lock must not free the new holder")
	}
	_ = second.Release()
}

func TestUnrelatedLocatorsDoNotContend(t *testing.T) {
	reg := openTempRegistry(t)
	a, okA, _ := reg.TryAcquire(cache.Locator{Origin: "ubuntu", Path: "/a"})
	b, okB, _ := reg.TryAcquire(cache.Locator{Origin: "ubuntu", Path: "/b"})
	if !okA || !okB {
		t.Fatalf("different locators should both be acquirable")
	}
	_ = a.Release()
	_ = b.Release()
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	reg := openTempRegistry(t)
	loc := cache.Locator{Origin: "steam", Path: "/depot/chunk"}

	var winners atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, ok, err := reg.TryAcquire(loc)
			if ok {
				winners.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if winners.Load() != 1 {
		t.Fatalf("exactly one goroutine should acquire, got %d", winners.Load())
	}
}

func TestOpenRejectsBusyRoot(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := Open(dir); !errors.Is(err, ErrRootBusy) {
		t.Fatalf("expected ErrRootBusy, got %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	_ = second.Close()
}

func TestRecoverReclaimsStaleMarkers(t *testing.T) {
	dir := t.TempDir()
	stale := Marker{
		Origin:     "ubuntu",
		Path:       "/crashed.iso",
		PID:        999999,
		Token:      "old",
		AcquiredAt: time.Now().Add(-time.Hour),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := writeMarker(filepath.Join(dir, "deadbeef"+markerSuffix), stale); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "garbage"+markerSuffix), []byte("{"), 0o644); err != nil {
		t.Fatalf("seed garbage marker: %v", err)
	}

	reg, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reg.Close()

	live, ok, _ := reg.TryAcquire(cache.Locator{Origin: "ubuntu", Path: "/live"})
	if !ok {
		t.Fatalf("acquire live lock failed")
	}
	defer live.Release()

	markers, err := reg.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(markers) != 2 {
		t.Fatalf("expected 2 reclaimed markers, got %+v", markers)
	}
	var found bool
	for _, m := range markers {
		if m.Locator() == stale.Locator() {
			found = true
		}
	}
	if !found {
		t.Fatalf("stale locator not reported: %+v", markers)
	}
	if !reg.Held(cache.Locator{Origin: "ubuntu", Path: "/live"}) {
		t.Fatalf("recover must not reclaim locks held by this registry")
	}
	if _, err := os.Stat(live.file); err != nil {
		t.Fatalf("live marker should remain: %v", err)
	}
}

func TestTryAcquireAfterClose(t *testing.T) {
	reg, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = reg.Close()
	if _, _, err := reg.TryAcquire(cache.Locator{Origin: "ubuntu", Path: "/a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatalf("current process should be alive")
	}
}

func openTempRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "locks"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}
