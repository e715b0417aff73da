package svc

import (
	"context"
	"keydrop/cfg"
	"keydrop/pkg/domain"
	"keydrop/pkg/kms"
	"keydrop/svc/blob"
	"keydrop/svc/db"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

const testKMSKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

type fixture struct {
	svc   *Paste
	store *db.SQLite
	blobs *blob.Bolt
}

func testConfig() *cfg.Cfg {
	return &cfg.Cfg{
		PasteTTL:       domain.DefaultTTL,
		KeyAttempts:    10,
		MaxContentSize: 64 * 1024,
		MaxFileSize:    1024 * 1024,
		MaxFiles:       5,
		SweepBatchSize: 2,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := db.NewSQLite(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	blobs, err := blob.OpenBolt(filepath.Join(dir, "blobs.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })
	adapter, err := kms.NewLocalAdapter(testKMSKey)
	if err != nil {
		t.Fatalf("kms: %v", err)
	}
	keks := kms.NewKEKCache(adapter, time.Minute)
	t.Cleanup(keks.Stop)
	p := NewPaste(store, blobs, kms.NewSealer(adapter, keks), testConfig())
	t.Cleanup(p.Shutdown)
	return &fixture{svc: p, store: store, blobs: blobs}
}

func (f *fixture) advance(d time.Duration) {
	at := time.Now().Add(d)
	f.svc.now = func() time.Time { return at }
}

func twoFiles() []domain.Upload {
	return []domain.Upload{
		{Filename: "a.txt", MimeType: "text/plain", Data: []byte("file A")},
		{Filename: "b.bin", Data: []byte{0, 1, 2, 3}},
	}
}

func TestCreateAndFetchCountsViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, domain.CreateParams{Content: "hello"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !domain.ValidKey(created.Key) {
		t.Fatalf("bad key %q", created.Key)
	}
	if ttl := time.Until(created.ExpiresAt); ttl < 29*24*time.Hour || ttl > 30*24*time.Hour {
		t.Errorf("unexpected ttl %v", ttl)
	}
	for want := int64(1); want <= 2; want++ {
		v, err := f.svc.Fetch(ctx, created.Key)
		if err != nil {
			t.Fatalf("Fetch %d: %v", want, err)
		}
		if v.Content != "hello" || v.Views != want || v.Consumed != domain.ConsumedNone {
			t.Errorf("Fetch %d = %+v", want, v)
		}
	}
	if _, err := f.svc.Fetch(ctx, created.Key); err != nil {
		t.Errorf("paste should still be retrievable: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		params domain.CreateParams
		want   *domain.Err
	}{
		{"empty", domain.CreateParams{Content: "   "}, domain.ErrContentRequired},
		{"too large", domain.CreateParams{Content: string(make([]byte, 64*1024+1))}, domain.ErrPasteTooLarge},
		{"file too large", domain.CreateParams{Files: []domain.Upload{{Filename: "x", Data: make([]byte, 1024*1024+1)}}}, domain.ErrFileTooLarge},
		{"too many files", domain.CreateParams{Files: make([]domain.Upload, 6)}, domain.ErrTooManyFiles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Create(context.Background(), tt.params); errors.Cause(err) != tt.want {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFetchInvalidKey(t *testing.T) {
	f := newFixture(t)
	for _, k := range []string{"", "abc", "abcdefg", "abc-12"} {
		if _, err := f.svc.Fetch(context.Background(), k); err != domain.ErrInvalidKey {
			t.Errorf("Fetch(%q) = %v", k, err)
		}
	}
	if _, err := f.svc.Fetch(context.Background(), "Zz9Zz9"); err != domain.ErrNotFound {
		t.Errorf("absent key: %v", err)
	}
}

func TestDeleteAfterViewWithoutFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, domain.CreateParams{Content: "secret", DeleteAfterView: true})
	if err != nil {
		t.Fatal(err)
	}
	v, err := f.svc.Fetch(ctx, created.Key)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if v.Content != "secret" || v.Consumed != domain.ConsumedPaste || v.Views != 1 {
		t.Errorf("first fetch = %+v", v)
	}
	if _, err := f.svc.Fetch(ctx, created.Key); err != domain.ErrNotFound {
		t.Fatalf("second fetch: %v", err)
	}
}

func TestConcurrentFirstView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, domain.CreateParams{Content: "once", DeleteAfterView: true})
	if err != nil {
		t.Fatal(err)
	}
	var served, consumed int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.svc.Fetch(ctx, created.Key)
			if err != nil {
				if err != domain.ErrNotFound {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			atomic.AddInt32(&served, 1)
			if v.Consumed == domain.ConsumedPaste {
				atomic.AddInt32(&consumed, 1)
			}
		}()
	}
	wg.Wait()
	if served != 1 || consumed != 1 {
		t.Fatalf("served=%d consumed=%d, want 1/1", served, consumed)
	}
	if _, err := f.svc.Fetch(ctx, created.Key); err != domain.ErrNotFound {
		t.Fatalf("third fetch: %v", err)
	}
}

func TestExpiredPasteIsNeverServed(t *testing.T) {
	for _, dav := range []bool{false, true} {
		f := newFixture(t)
		ctx := context.Background()
		created, err := f.svc.Create(ctx, domain.CreateParams{Content: "stale", DeleteAfterView: dav, Files: twoFiles()})
		if err != nil {
			t.Fatal(err)
		}
		if !dav {
			if _, err := f.svc.Fetch(ctx, created.Key); err != nil {
				t.Fatal(err)
			}
		}
		f.advance(31 * 24 * time.Hour)
		if _, err := f.svc.Fetch(ctx, created.Key); err != domain.ErrNotFound {
			t.Fatalf("dav=%v: expired fetch = %v", dav, err)
		}
		if _, err := f.svc.Download(ctx, created.Files[0].ID, created.Key); !domain.IsNotFound(err) {
			t.Fatalf("dav=%v: expired download = %v", dav, err)
		}
		if files, _ := f.store.FilesByKey(ctx, created.Key); len(files) != 0 {
			t.Errorf("dav=%v: opportunistic purge left %d files", dav, len(files))
		}
	}
}

func TestDownloadKeepsFilesWithoutDeleteAfterView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, domain.CreateParams{Content: "with files", Files: twoFiles()})
	if err != nil {
		t.Fatal(err)
	}
	if len(created.Files) != 2 {
		t.Fatalf("files = %v", created.Files)
	}
	for i := 0; i < 2; i++ {
		dl, err := f.svc.Download(ctx, created.Files[0].ID, created.Key)
		if err != nil {
			t.Fatalf("download %d: %v", i, err)
		}
		if string(dl.Data) != "file A" || dl.MimeType != "text/plain" || dl.Filename != "a.txt" || dl.Consumed {
			t.Errorf("download %d = %+v", i, dl)
		}
	}
	dl, err := f.svc.Download(ctx, created.Files[1].ID, created.Key)
	if err != nil || dl.MimeType != "application/octet-stream" {
		t.Fatalf("second file = %+v, %v", dl, err)
	}
}

func TestDownloadConsumesWholePaste(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, domain.CreateParams{Content: "two files", DeleteAfterView: true, Files: twoFiles()})
	if err != nil {
		t.Fatal(err)
	}

	v, err := f.svc.Fetch(ctx, created.Key)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v.Consumed != domain.ConsumedFiles || len(v.Files) != 2 {
		t.Fatalf("fetch = %+v", v)
	}

	a, b := created.Files[0], created.Files[1]
	dl, err := f.svc.Download(ctx, a.ID, created.Key)
	if err != nil || !dl.Consumed || string(dl.Data) != "file A" {
		t.Fatalf("download A = %+v, %v", dl, err)
	}
	if _, err := f.svc.Download(ctx, a.ID, created.Key); err != domain.ErrFileNotFound {
		t.Errorf("second download of A = %v", err)
	}
	if _, err := f.svc.Download(ctx, b.ID, created.Key); err != domain.ErrFileNotFound {
		t.Errorf("download of B = %v", err)
	}
	if _, err := f.svc.Fetch(ctx, created.Key); err != domain.ErrNotFound {
		t.Errorf("paste after file consume = %v", err)
	}

	orphans, err := f.store.OrphanFiles(ctx, 10)
	if err != nil || len(orphans) != 1 || orphans[0].ID != b.ID {
		t.Fatalf("orphans = %+v, %v", orphans, err)
	}
	if _, err := f.svc.CleanupExpired(ctx); err != nil {
		t.Fatal(err)
	}
	if orphans, _ := f.store.OrphanFiles(ctx, 10); len(orphans) != 0 {
		t.Errorf("orphan not reaped: %v", orphans)
	}
	if _, err := f.blobs.Get(ctx, orphans[0].StoragePath); errors.Cause(err) != blob.ErrNotFound {
		t.Errorf("orphan blob survived: %v", err)
	}
}

func TestConcurrentFileClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, domain.CreateParams{DeleteAfterView: true, Files: twoFiles()[:1]})
	if err != nil {
		t.Fatal(err)
	}
	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Download(ctx, created.Files[0].ID, created.Key); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("%d downloads succeeded", ok)
	}
}

func TestDownloadParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Download(ctx, "", "abc123"); err != domain.ErrMissingParams {
		t.Errorf("missing id: %v", err)
	}
	if _, err := f.svc.Download(ctx, "id", ""); err != domain.ErrMissingParams {
		t.Errorf("missing key: %v", err)
	}
	if _, err := f.svc.Download(ctx, "id", "bad"); err != domain.ErrInvalidKey {
		t.Errorf("malformed key: %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, domain.CreateParams{Content: "bye", Files: twoFiles()})
	if err != nil {
		t.Fatal(err)
	}
	files, _ := f.store.FilesByKey(ctx, created.Key)
	removed, err := f.svc.Delete(ctx, created.Key)
	if err != nil || !removed {
		t.Fatalf("Delete = %v, %v", removed, err)
	}
	removed, err = f.svc.Delete(ctx, created.Key)
	if err != nil || removed {
		t.Fatalf("second Delete = %v, %v", removed, err)
	}
	for _, file := range files {
		if _, err := f.blobs.Get(ctx, file.StoragePath); errors.Cause(err) != blob.ErrNotFound {
			t.Errorf("blob %s survived delete", file.StoragePath)
		}
	}
	if orphans, _ := f.store.OrphanFiles(ctx, 10); len(orphans) != 0 {
		t.Errorf("delete left orphans: %v", orphans)
	}
}

func TestCleanupExpiredIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var keys []string
	for i := 0; i < 3; i++ {
		c, err := f.svc.Create(ctx, domain.CreateParams{Content: "sweep me", Files: twoFiles()[:1]})
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, c.Key)
	}
	if n, err := f.svc.CleanupExpired(ctx); err != nil || n != 0 {
		t.Fatalf("sweep before expiry = %d, %v", n, err)
	}
	f.advance(31 * 24 * time.Hour)
	n, err := f.svc.CleanupExpired(ctx)
	if err != nil || n != 3 {
		t.Fatalf("first sweep = %d, %v", n, err)
	}
	n, err = f.svc.CleanupExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v", n, err)
	}
	for _, k := range keys {
		if ok, _ := f.store.KeyExists(ctx, k); ok {
			t.Errorf("%s survived sweep", k)
		}
	}
}

type collidingStore struct {
	Store
	probes int
}

func (c *collidingStore) KeyExists(context.Context, string) (bool, error) {
	c.probes++
	return true, nil
}

func TestCreateKeyExhaustion(t *testing.T) {
	f := newFixture(t)
	stub := &collidingStore{Store: f.store}
	f.svc.store = stub
	_, err := f.svc.Create(context.Background(), domain.CreateParams{Content: "x"})
	if errors.Cause(err) != domain.ErrKeyExhaustion {
		t.Fatalf("got %v, want ErrKeyExhaustion", err)
	}
	if stub.probes != 10 {
		t.Errorf("probes = %d, want 10", stub.probes)
	}
	if domain.Status(err) != 503 {
		t.Errorf("status = %d", domain.Status(err))
	}
}

type racingStore struct {
	Store
}

func (racingStore) KeyExists(context.Context, string) (bool, error) { return false, nil }

func (racingStore) InsertPaste(context.Context, *domain.Paste) error { return db.ErrDuplicateKey }

func TestCreateInsertCollisionIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.svc.store = racingStore{Store: f.store}
	_, err := f.svc.Create(context.Background(), domain.CreateParams{Content: "x"})
	if errors.Cause(err) != domain.ErrKeyExhaustion {
		t.Fatalf("got %v", err)
	}
}

type failingBlobs struct {
	blob.Store
}

func (failingBlobs) Put(context.Context, string, []byte) error { return errors.New("disk full") }

func TestCreateRollsBackOnBlobFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.blobs = failingBlobs{Store: f.blobs}
	_, err := f.svc.Create(context.Background(), domain.CreateParams{Content: "x", Files: twoFiles()})
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.Status(err) != 500 {
		t.Errorf("status = %d", domain.Status(err))
	}
	var count int
	if err := f.store.DB().QueryRow(`SELECT COUNT(*) FROM pastes`).Scan(&count); err != nil || count != 0 {
		t.Fatalf("paste rows after rollback = %d, %v", count, err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	f := newFixture(t)
	f.svc.Shutdown()
	if _, err := f.svc.Fetch(context.Background(), "abc123"); err == nil {
		t.Fatal("expected shutdown error")
	}
}

// flakyBlobs fails the first Get and then behaves like the wrapped store.
type flakyBlobs struct {
	blob.Store
	failed atomic.Bool
}

func (b *flakyBlobs) Get(ctx context.Context, path string) ([]byte, error) {
	if b.failed.CompareAndSwap(false, true) {
		return nil, errors.New("transient io error")
	}
	return b.Store.Get(ctx, path)
}

func TestDownloadReadFailureKeepsFileClaimable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, domain.CreateParams{
		Content:         "one file",
		DeleteAfterView: true,
		Files:           []domain.Upload{{Filename: "a.txt", MimeType: "text/plain", Data: []byte("file A")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.svc.blobs = &flakyBlobs{Store: f.blobs}
	id := created.Files[0].ID

	if _, err := f.svc.Download(ctx, id, created.Key); err == nil || domain.IsNotFound(err) {
		t.Fatalf("first download = %v, want read error", err)
	}
	files, err := f.store.ListFiles(ctx, mustPasteID(t, f, created.Key))
	if err != nil || len(files) != 1 {
		t.Fatalf("file hidden after failed read: %v, %v", files, err)
	}
	dl, err := f.svc.Download(ctx, id, created.Key)
	if err != nil || string(dl.Data) != "file A" || !dl.Consumed {
		t.Fatalf("retry = %+v, %v", dl, err)
	}
	if _, err := f.svc.Download(ctx, id, created.Key); err != domain.ErrFileNotFound {
		t.Fatalf("download after consume = %v", err)
	}
}

func mustPasteID(t *testing.T, f *fixture, key string) string {
	t.Helper()
	var id string
	if err := f.store.DB().QueryRow(`SELECT id FROM pastes WHERE key = ?`, key).Scan(&id); err != nil {
		t.Fatalf("paste id: %v", err)
	}
	return id
}

func TestShutdownWaitsForInFlightWork(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.enter(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		f.svc.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Shutdown returned with an operation in flight")
	case <-time.After(50 * time.Millisecond):
	}
	f.svc.opWg.Done()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	if err := f.svc.enter(); err == nil {
		t.Fatal("enter succeeded after Shutdown")
	}
}

func TestShutdownRacesWithNewWork(t *testing.T) {
	f := newFixture(t)
	var after atomic.Int64
	var stopped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.svc.enter() != nil {
				return
			}
			if stopped.Load() {
				after.Add(1)
			}
			f.svc.opWg.Done()
		}()
	}
	f.svc.Shutdown()
	stopped.Store(true)
	wg.Wait()
	if after.Load() != 0 {
		t.Fatalf("%d operations started after Shutdown returned", after.Load())
	}
}
