package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

func newTestStore(backend Backend) *Store {
	return NewStore(backend, logger.NewNop(), nil, 10*time.Minute, 5*time.Second)
}

func TestGetOrComputeStoresAndHits(t *testing.T) {
	store := newTestStore(NewMemoryBackend())
	var computes atomic.Int64
	compute := func(ctx context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte(`{"n":1}`), nil
	}

	for i := 0; i < 3; i++ {
		v, err := store.GetOrCompute(context.Background(), "course:list", EntryOptions{}, compute)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if string(v) != `{"n":1}` {
			t.Fatalf("value = %s", v)
		}
	}
	if computes.Load() != 1 {
		t.Fatalf("compute ran %d times, want 1", computes.Load())
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	store := newTestStore(NewMemoryBackend())
	var computes atomic.Int64
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		computes.Add(1)
		<-release
		return []byte("v"), nil
	}

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.GetOrCompute(context.Background(), "hot", EntryOptions{}, compute)
		}(i)
	}
	// Let the flight collect waiters before the compute finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := computes.Load(); got != 1 {
		t.Fatalf("compute ran %d times under contention, want 1", got)
	}
}

func TestSlowComputeOutlivesGuard(t *testing.T) {
	store := NewStore(NewMemoryBackend(), logger.NewNop(), nil, 10*time.Minute, 25*time.Millisecond)
	var computes atomic.Int64
	compute := func(ctx context.Context) ([]byte, error) {
		computes.Add(1)
		time.Sleep(120 * time.Millisecond)
		return []byte("slow"), nil
	}

	const callers = 4
	var wg sync.WaitGroup
	values := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = store.GetOrCompute(context.Background(), "slow-key", EntryOptions{}, compute)
		}(i)
	}
	wg.Wait()

	// Computations slower than the guard still succeed: each caller that
	// waits out the guard computes on its own instead of failing.
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if string(values[i]) != "slow" {
			t.Fatalf("caller %d got %q", i, values[i])
		}
	}
	if computes.Load() < 2 {
		t.Fatalf("compute ran %d times, want guard-expired callers to compute independently", computes.Load())
	}

	before := computes.Load()
	v, err := store.GetOrCompute(context.Background(), "slow-key", EntryOptions{}, compute)
	if err != nil || string(v) != "slow" {
		t.Fatalf("read after settle: v=%q err=%v", v, err)
	}
	if computes.Load() != before {
		t.Fatalf("value not cached after slow compute settled")
	}
}

func TestInvalidateTagsForcesRecompute(t *testing.T) {
	backend := NewMemoryBackend()
	store := newTestStore(backend)
	var computes atomic.Int64
	compute := func(ctx context.Context) ([]byte, error) {
		return []byte(fmt.Sprintf("v%d", computes.Add(1))), nil
	}
	opts := EntryOptions{Tags: []string{"course:x:materials"}}

	v, err := store.GetOrCompute(context.Background(), "materials:x", opts, compute)
	if err != nil || string(v) != "v1" {
		t.Fatalf("first get: %s %v", v, err)
	}

	n, err := store.InvalidateTags(context.Background(), []string{"course:x:materials"})
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if n != 1 {
		t.Fatalf("invalidated %d keys, want 1", n)
	}

	v, err = store.GetOrCompute(context.Background(), "materials:x", opts, compute)
	if err != nil || string(v) != "v2" {
		t.Fatalf("post-invalidation get: %s %v", v, err)
	}
}

func TestInvalidateOneTagLeavesOthers(t *testing.T) {
	store := newTestStore(NewMemoryBackend())
	put := func(key, tag string) {
		err := store.Warm(context.Background(), key, EntryOptions{Tags: []string{tag}}, func(context.Context) ([]byte, error) {
			return []byte(key), nil
		})
		if err != nil {
			t.Fatalf("warm %s: %v", key, err)
		}
	}
	put("a", "t1")
	put("b", "t2")

	if _, err := store.InvalidateTags(context.Background(), []string{"t1"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	var recomputed bool
	v, err := store.GetOrCompute(context.Background(), "b", EntryOptions{}, func(context.Context) ([]byte, error) {
		recomputed = true
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if recomputed || string(v) != "b" {
		t.Fatalf("untouched tag lost its entry: v=%s recomputed=%v", v, recomputed)
	}
}

type brokenBackend struct{}

func (brokenBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (brokenBackend) Set(context.Context, string, []byte, time.Duration, []string) error {
	return errors.New("connection refused")
}
func (brokenBackend) Delete(context.Context, ...string) error {
	return errors.New("connection refused")
}
func (brokenBackend) InvalidateTags(context.Context, []string) (int, error) {
	return 0, errors.New("connection refused")
}

func TestDegradedBackendFallsThroughToCompute(t *testing.T) {
	store := newTestStore(brokenBackend{})
	var computes atomic.Int64
	for i := 0; i < 2; i++ {
		v, err := store.GetOrCompute(context.Background(), "k", EntryOptions{}, func(context.Context) ([]byte, error) {
			computes.Add(1)
			return []byte("live"), nil
		})
		if err != nil {
			t.Fatalf("degraded get: %v", err)
		}
		if string(v) != "live" {
			t.Fatalf("value = %s", v)
		}
	}
	// No backend means no memoization: every read computes.
	if computes.Load() != 2 {
		t.Fatalf("compute ran %d times, want 2", computes.Load())
	}
}

func TestComputeErrorPropagates(t *testing.T) {
	store := newTestStore(NewMemoryBackend())
	wantErr := errors.New("repo down")
	_, err := store.GetOrCompute(context.Background(), "k", EntryOptions{}, func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	// Failure is not cached.
	v, err := store.GetOrCompute(context.Background(), "k", EntryOptions{}, func(context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil || string(v) != "ok" {
		t.Fatalf("recovery get: %s %v", v, err)
	}
}

func TestMemoryBackendTTL(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	if err := backend.Set(ctx, "k", []byte("v"), 20*time.Millisecond, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := backend.Get(ctx, "k"); !ok {
		t.Fatalf("entry missing before expiry")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := backend.Get(ctx, "k"); ok {
		t.Fatalf("entry survived its TTL")
	}
}

func TestCoordinatorFanOut(t *testing.T) {
	backend := NewMemoryBackend()
	store := newTestStore(backend)
	coord := NewCoordinator(store, logger.NewNop())

	courseID := uuid.New()
	materialID := uuid.New()
	seed := func(key string, tags ...string) {
		err := store.Warm(context.Background(), key, EntryOptions{Tags: tags}, func(context.Context) ([]byte, error) {
			return []byte("x"), nil
		})
		if err != nil {
			t.Fatalf("warm: %v", err)
		}
	}
	seed("mat:detail", TagMaterial(materialID))
	seed("mat:list", TagCourseMaterials(courseID))
	seed("roster", TagCourseRoster(courseID))

	coord.MaterialChanged(context.Background(), materialID, courseID)

	for _, key := range []string{"mat:detail", "mat:list"} {
		if _, ok, _ := backend.Get(context.Background(), key); ok {
			t.Fatalf("%s survived material invalidation", key)
		}
	}
	if _, ok, _ := backend.Get(context.Background(), "roster"); !ok {
		t.Fatalf("roster was invalidated by a material change")
	}
}
