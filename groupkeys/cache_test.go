package groupkeys

import (
	"context"
	"errors"
	"testing"
)

type fakeKeysDAO struct {
	inserts      int
	gets         int
	latestCalls  int
	latest       map[string]uint64
	rows         map[string][2]string // gid/version -> mode,creator (keys fixed below)
}

func newFakeKeysDAO() *fakeKeysDAO {
	return &fakeKeysDAO{latest: make(map[string]uint64), rows: make(map[string][2]string)}
}

func rowKey(gid string, version uint64) string {
	return gid + "/" + string(rune('0'+version))
}

func (f *fakeKeysDAO) Insert(ctx context.Context, gid string, version uint64, mode, creator string, keys []byte) error {
	f.inserts++
	f.rows[rowKey(gid, version)] = [2]string{mode, creator}
	if version > f.latest[gid] {
		f.latest[gid] = version
	}
	return nil
}

func (f *fakeKeysDAO) LatestVersion(ctx context.Context, gid string) (uint64, error) {
	f.latestCalls++
	return f.latest[gid], nil
}

func (f *fakeKeysDAO) Get(ctx context.Context, gid string, version uint64) (string, string, []byte, error) {
	f.gets++
	row, ok := f.rows[rowKey(gid, version)]
	if !ok {
		return "", "", nil, errors.New("not found")
	}
	return row[0], row[1], []byte("keys"), nil
}

func TestCacheGetHitsAfterFirstFetch(t *testing.T) {
	underlying := newFakeKeysDAO()
	_ = underlying.Insert(context.Background(), "g1", 1, "mode", "creator", []byte("keys"))
	c := NewCache(underlying, 8)

	if _, _, _, err := c.Get(context.Background(), "g1", 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if underlying.gets != 1 {
		t.Fatalf("expected 1 underlying fetch, got %d", underlying.gets)
	}
	if _, _, _, err := c.Get(context.Background(), "g1", 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if underlying.gets != 1 {
		t.Fatalf("expected second Get to be a cache hit, underlying fetched %d times", underlying.gets)
	}
}

func TestCacheInsertSeedsCacheWithoutAGet(t *testing.T) {
	underlying := newFakeKeysDAO()
	c := NewCache(underlying, 8)

	if err := c.Insert(context.Background(), "g1", 1, "mode", "creator", []byte("keys")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, _, _, err := c.Get(context.Background(), "g1", 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if underlying.gets != 0 {
		t.Fatalf("expected Insert to seed the cache, but Get still hit the DAO")
	}
}

func TestCacheLatestVersionAlwaysBypassesCache(t *testing.T) {
	underlying := newFakeKeysDAO()
	_ = underlying.Insert(context.Background(), "g1", 1, "m", "c", []byte("k"))
	c := NewCache(underlying, 8)

	if v, err := c.LatestVersion(context.Background(), "g1"); err != nil || v != 1 {
		t.Fatalf("LatestVersion: got %d, %v", v, err)
	}
	_ = underlying.Insert(context.Background(), "g1", 2, "m", "c", []byte("k"))
	if v, err := c.LatestVersion(context.Background(), "g1"); err != nil || v != 2 {
		t.Fatalf("expected LatestVersion to observe the new insert immediately, got %d, %v", v, err)
	}
	if underlying.latestCalls != 2 {
		t.Fatalf("expected every LatestVersion call to reach the DAO, got %d calls", underlying.latestCalls)
	}
}

func TestCacheEvictsLeastRecentlyUsedBeyondLimit(t *testing.T) {
	underlying := newFakeKeysDAO()
	for v := uint64(1); v <= 3; v++ {
		_ = underlying.Insert(context.Background(), "g1", v, "m", "c", []byte("k"))
	}
	c := NewCache(underlying, 2)

	if _, _, _, err := c.Get(context.Background(), "g1", 1); err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	if _, _, _, err := c.Get(context.Background(), "g1", 2); err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	// Touch version 1 again so version 2 becomes the least-recently-used.
	if _, _, _, err := c.Get(context.Background(), "g1", 1); err != nil {
		t.Fatalf("Get 1 again: %v", err)
	}
	if _, _, _, err := c.Get(context.Background(), "g1", 3); err != nil {
		t.Fatalf("Get 3: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache bounded to 2 rows, got %d", c.Len())
	}

	gets := underlying.gets
	if _, _, _, err := c.Get(context.Background(), "g1", 2); err != nil {
		t.Fatalf("Get 2 after eviction: %v", err)
	}
	if underlying.gets != gets+1 {
		t.Fatal("expected version 2 to have been evicted and re-fetched from the DAO")
	}
}

func TestCacheDisabledWhenLimitIsZero(t *testing.T) {
	underlying := newFakeKeysDAO()
	_ = underlying.Insert(context.Background(), "g1", 1, "m", "c", []byte("k"))
	c := NewCache(underlying, 0)

	_, _, _, _ = c.Get(context.Background(), "g1", 1)
	_, _, _, _ = c.Get(context.Background(), "g1", 1)
	if underlying.gets != 2 {
		t.Fatalf("expected every Get to bypass a disabled cache, got %d underlying fetches", underlying.gets)
	}
}
