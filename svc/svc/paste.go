package svc

import (
	"context"
	"keydrop/cfg"
	"keydrop/metrics"
	"keydrop/pkg/domain"
	"keydrop/pkg/kms"
	"keydrop/svc/blob"
	"keydrop/svc/db"
	"keydrop/svc/util"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Store is the metadata collaborator. The view counter and the file claim
// are the only race-deciding primitives and must each be one atomic step.
type Store interface {
	KeyExists(ctx context.Context, key string) (bool, error)
	InsertPaste(ctx context.Context, p *domain.Paste) error
	InsertFile(ctx context.Context, f *domain.File) error
	IncrementViewsAndFetch(ctx context.Context, key string) (*domain.ViewRecord, error)
	ListFiles(ctx context.Context, pasteID string) ([]domain.File, error)
	ClaimFile(ctx context.Context, fileID, key string, now time.Time) (*domain.FileClaim, error)
	ReleaseFile(ctx context.Context, id string) error
	FilesByKey(ctx context.Context, key string) ([]domain.File, error)
	DeleteFilesByPaste(ctx context.Context, pasteID string) error
	DeleteFile(ctx context.Context, id string) error
	DeleteByKey(ctx context.Context, key string) (bool, error)
	ExpiredPastes(ctx context.Context, now time.Time, limit int) ([]domain.ExpiredPaste, error)
	DeletePastes(ctx context.Context, ids []string, now time.Time) (int, error)
	OrphanFiles(ctx context.Context, limit int) ([]domain.File, error)
}

type Sealer interface {
	Seal(ctx context.Context, plaintext []byte, encContext kms.EncryptionContext) ([]byte, []byte, error)
	Open(ctx context.Context, ciphertext, wrappedDEK []byte, encContext kms.EncryptionContext) ([]byte, error)
}

type Paste struct {
	store    Store
	blobs    blob.Store
	sealer   Sealer
	cfg      *cfg.Cfg
	now      func() time.Time
	gate     sync.Mutex
	closed   bool
	opWg     sync.WaitGroup
}

func NewPaste(store Store, blobs blob.Store, sealer Sealer, c *cfg.Cfg) *Paste {
	if store == nil || blobs == nil || sealer == nil || c == nil {
		panic("paste service: nil dependency (store, blobs, sealer, or cfg)")
	}
	return &Paste{
		store:  store,
		blobs:  blobs,
		sealer: sealer,
		cfg:    c,
		now:    time.Now,
	}
}

// Shutdown rejects new operations and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.gate.Lock()
	p.closed = true
	p.gate.Unlock()
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) enter() error {
	p.gate.Lock()
	defer p.gate.Unlock()
	if p.closed {
		return errors.New("service shutting down")
	}
	p.opWg.Add(1)
	return nil
}

func contentContext(key string) kms.EncryptionContext {
	return kms.EncryptionContext{"paste": key}
}

func blobContext(storagePath string) kms.EncryptionContext {
	return kms.EncryptionContext{"file": storagePath}
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Created, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	content := strings.TrimSpace(params.Content)
	if content == "" && len(params.Files) == 0 {
		return nil, domain.ErrContentRequired
	}
	if int64(len(content)) > p.cfg.MaxContentSize {
		return nil, domain.ErrPasteTooLarge
	}
	if len(params.Files) > p.cfg.MaxFiles {
		return nil, domain.ErrTooManyFiles
	}
	for _, f := range params.Files {
		if int64(len(f.Data)) > p.cfg.MaxFileSize {
			return nil, domain.ErrFileTooLarge
		}
	}

	key, err := util.GenKey(p.cfg.KeyAttempts, func(k string) (bool, error) {
		exists, err := p.store.KeyExists(ctx, k)
		if exists {
			metrics.KeyCollisions.Inc()
		}
		return exists, err
	})
	if err != nil {
		return nil, err
	}

	sealed, dek, err := p.sealer.Seal(ctx, []byte(content), contentContext(key))
	if err != nil {
		return nil, errors.Wrap(err, "seal content")
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()

	now := p.now().UTC()
	ttl := p.cfg.PasteTTL
	if ttl <= 0 {
		ttl = domain.DefaultTTL
	}
	paste := &domain.Paste{
		ID:              uuid.NewString(),
		Key:             key,
		SealedContent:   sealed,
		ContentDEK:      dek,
		Filename:        util.SanitizeFilename(params.Filename),
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		DeleteAfterView: params.DeleteAfterView,
	}
	if err := p.store.InsertPaste(ctx, paste); err != nil {
		if errors.Cause(err) == db.ErrDuplicateKey {
			// lost the probe-then-insert race to a concurrent creator
			metrics.KeyCollisions.Inc()
			return nil, errors.Wrap(domain.ErrKeyExhaustion, "key taken at insert")
		}
		return nil, errors.Wrap(err, "insert paste")
	}

	created := &domain.Created{
		Key:             key,
		ExpiresAt:       paste.ExpiresAt,
		DeleteAfterView: paste.DeleteAfterView,
		Files:           []domain.FileInfo{},
	}
	for _, up := range params.Files {
		f, err := p.storeFile(ctx, paste, up, now)
		if err != nil {
			util.Ctx(ctx).Error().Err(err).Str("key", util.RedactKey(key)).Msg("file upload failed, rolling back paste")
			p.cascade(context.WithoutCancel(ctx), key)
			return nil, err
		}
		created.Files = append(created.Files, f.Info())
		metrics.FilesStored.Inc()
	}

	metrics.PasteCreated.Inc()
	util.Ctx(ctx).Info().
		Str("key", util.RedactKey(key)).
		Int("files", len(created.Files)).
		Bool("delete_after_view", paste.DeleteAfterView).
		Msg("paste created")
	return created, nil
}

func (p *Paste) storeFile(ctx context.Context, paste *domain.Paste, up domain.Upload, now time.Time) (*domain.File, error) {
	name := util.SanitizeFilename(up.Filename)
	if name == "" {
		name = "file"
	}
	mimeType := up.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	storagePath := blob.NewPath(paste.Key, name)
	sealed, dek, err := p.sealer.Seal(ctx, up.Data, blobContext(storagePath))
	if err != nil {
		return nil, errors.Wrap(err, "seal file")
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()
	if err := p.blobs.Put(ctx, storagePath, sealed); err != nil {
		return nil, errors.Wrap(err, "upload blob")
	}
	f := &domain.File{
		ID:          uuid.NewString(),
		PasteID:     paste.ID,
		Filename:    name,
		MimeType:    mimeType,
		SizeBytes:   int64(len(up.Data)),
		StoragePath: storagePath,
		BlobDEK:     dek,
		CreatedAt:   now,
	}
	if err := p.store.InsertFile(ctx, f); err != nil {
		if rmErr := p.blobs.Remove(context.WithoutCancel(ctx), storagePath); rmErr != nil {
			util.Ctx(ctx).Warn().Err(rmErr).Msg("failed to remove blob of unrecorded file")
		}
		return nil, errors.Wrap(err, "insert file")
	}
	return f, nil
}

// Fetch registers a view and returns the paste. A delete-after-view paste is
// served exactly once: the caller that moves the counter from 0 to 1 gets the
// content and triggers the teardown, every other caller sees ErrNotFound
// once it is gone.
func (p *Paste) Fetch(ctx context.Context, key string) (*domain.View, error) {
	if !domain.ValidKey(key) {
		return nil, domain.ErrInvalidKey
	}
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	rec, err := p.store.IncrementViewsAndFetch(ctx, key)
	if err != nil {
		if domain.IsNotFound(err) {
			metrics.NotFound.WithLabelValues("paste").Inc()
		}
		return nil, err
	}
	if rec.Expired(p.now()) {
		metrics.NotFound.WithLabelValues("paste").Inc()
		p.cascade(context.WithoutCancel(ctx), key)
		return nil, domain.ErrNotFound
	}

	files, err := p.store.ListFiles(ctx, rec.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list files")
	}
	if rec.DeleteAfterView && rec.PreviousViews > 0 && len(files) == 0 {
		// lost the first-view race; the winner is deleting the record
		metrics.NotFound.WithLabelValues("paste").Inc()
		return nil, domain.ErrNotFound
	}
	plain, err := p.sealer.Open(ctx, rec.SealedContent, rec.ContentDEK, contentContext(key))
	if err != nil {
		return nil, errors.Wrap(err, "open content")
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	view := &domain.View{
		Key:             rec.Key,
		Content:         string(plain),
		Filename:        rec.Filename,
		Views:           rec.PreviousViews + 1,
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       rec.ExpiresAt,
		DeleteAfterView: rec.DeleteAfterView,
		Files:           make([]domain.FileInfo, 0, len(files)),
	}
	util.Wipe(plain)
	for i := range files {
		view.Files = append(view.Files, files[i].Info())
	}

	if rec.DeleteAfterView && rec.PreviousViews == 0 {
		if len(files) == 0 {
			if _, err := p.store.DeleteByKey(context.WithoutCancel(ctx), key); err != nil {
				metrics.CascadeFailures.WithLabelValues("paste").Inc()
				util.Ctx(ctx).Error().Err(err).Str("key", util.RedactKey(key)).Msg("failed to delete consumed paste")
			}
			view.Consumed = domain.ConsumedPaste
		} else {
			view.Consumed = domain.ConsumedFiles
		}
		metrics.Consumed.WithLabelValues(string(view.Consumed)).Inc()
	}
	metrics.PasteViewed.Inc()
	return view, nil
}

// Download returns the decrypted bytes of one attached file. When the parent
// paste is delete-after-view the claim hands the file to exactly one caller,
// and that caller tears down the blob, the file row and the parent paste.
func (p *Paste) Download(ctx context.Context, fileID, key string) (*domain.Download, error) {
	if fileID == "" || key == "" {
		return nil, domain.ErrMissingParams
	}
	if !domain.ValidKey(key) {
		return nil, domain.ErrInvalidKey
	}
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	claim, err := p.store.ClaimFile(ctx, fileID, key, p.now())
	if err != nil {
		if domain.IsNotFound(err) {
			metrics.NotFound.WithLabelValues("file").Inc()
		}
		return nil, err
	}
	data, err := p.readFile(ctx, &claim.File)
	if err != nil {
		if claim.ShouldDelete && !domain.IsNotFound(err) {
			p.releaseClaim(context.WithoutCancel(ctx), claim)
		}
		return nil, err
	}
	dl := &domain.Download{
		Filename: claim.Filename,
		MimeType: claim.MimeType,
		Data:     data,
		Consumed: claim.ShouldDelete,
	}
	if claim.ShouldDelete {
		p.consumeFile(context.WithoutCancel(ctx), claim, key)
		metrics.Consumed.WithLabelValues("file").Inc()
	}
	metrics.FileDownloaded.Inc()
	return dl, nil
}

// releaseClaim undoes ClaimFile after a failed read so the single consume
// is not spent on a download nobody received.
func (p *Paste) releaseClaim(ctx context.Context, claim *domain.FileClaim) {
	if err := p.store.ReleaseFile(ctx, claim.ID); err != nil {
		metrics.CascadeFailures.WithLabelValues("release").Inc()
		util.Ctx(ctx).Error().Err(err).Str("file_id", claim.ID).Msg("failed to release file claim")
	}
}

func (p *Paste) readFile(ctx context.Context, f *domain.File) ([]byte, error) {
	sealed, err := p.blobs.Get(ctx, f.StoragePath)
	if err != nil {
		if errors.Cause(err) == blob.ErrNotFound {
			metrics.NotFound.WithLabelValues("blob").Inc()
			return nil, domain.ErrFileNotFound
		}
		return nil, errors.Wrap(err, "download blob")
	}
	data, err := p.sealer.Open(ctx, sealed, f.BlobDEK, blobContext(f.StoragePath))
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	return data, nil
}

// consumeFile runs the ordered teardown after a consume-once download. Every
// step is attempted even when an earlier one failed.
func (p *Paste) consumeFile(ctx context.Context, claim *domain.FileClaim, key string) {
	log := util.Ctx(ctx)
	if err := p.blobs.Remove(ctx, claim.StoragePath); err != nil {
		metrics.CascadeFailures.WithLabelValues("blob").Inc()
		log.Error().Err(err).Str("file_id", claim.ID).Msg("failed to remove consumed blob")
	}
	if err := p.store.DeleteFile(ctx, claim.ID); err != nil {
		metrics.CascadeFailures.WithLabelValues("file").Inc()
		log.Error().Err(err).Str("file_id", claim.ID).Msg("failed to delete consumed file row")
	}
	if _, err := p.store.DeleteByKey(ctx, key); err != nil {
		metrics.CascadeFailures.WithLabelValues("paste").Inc()
		log.Error().Err(err).Str("key", util.RedactKey(key)).Msg("failed to delete parent paste")
	}
}

// Delete removes a paste and everything it owns. Deleting an absent key
// reports false and no error.
func (p *Paste) Delete(ctx context.Context, key string) (bool, error) {
	if !domain.ValidKey(key) {
		return false, domain.ErrInvalidKey
	}
	if err := p.enter(); err != nil {
		return false, err
	}
	defer p.opWg.Done()

	files, err := p.store.FilesByKey(ctx, key)
	if err != nil {
		return false, errors.Wrap(err, "list files")
	}
	for _, f := range files {
		if err := p.blobs.Remove(ctx, f.StoragePath); err != nil {
			return false, errors.Wrap(err, "remove blob")
		}
	}
	if len(files) > 0 {
		if err := p.store.DeleteFilesByPaste(ctx, files[0].PasteID); err != nil {
			return false, errors.Wrap(err, "delete file rows")
		}
	}
	removed, err := p.store.DeleteByKey(ctx, key)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	if removed {
		metrics.ManualDeletes.Inc()
		util.Ctx(ctx).Info().Str("key", util.RedactKey(key)).Int("files", len(files)).Msg("paste deleted")
	}
	return removed, nil
}

// cascade is the best-effort variant of Delete used on paths that already
// decided the paste must go.
func (p *Paste) cascade(ctx context.Context, key string) {
	log := util.Ctx(ctx)
	files, err := p.store.FilesByKey(ctx, key)
	if err != nil {
		metrics.CascadeFailures.WithLabelValues("file").Inc()
		log.Warn().Err(err).Str("key", util.RedactKey(key)).Msg("cascade: list files failed")
	}
	for _, f := range files {
		if err := p.blobs.Remove(ctx, f.StoragePath); err != nil {
			metrics.CascadeFailures.WithLabelValues("blob").Inc()
			log.Warn().Err(err).Str("file_id", f.ID).Msg("cascade: remove blob failed")
		}
		if err := p.store.DeleteFile(ctx, f.ID); err != nil {
			metrics.CascadeFailures.WithLabelValues("file").Inc()
			log.Warn().Err(err).Str("file_id", f.ID).Msg("cascade: delete file row failed")
		}
	}
	if _, err := p.store.DeleteByKey(ctx, key); err != nil {
		metrics.CascadeFailures.WithLabelValues("paste").Inc()
		log.Warn().Err(err).Str("key", util.RedactKey(key)).Msg("cascade: delete paste failed")
	}
}
