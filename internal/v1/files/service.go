// Package files stores encrypted file blobs for DM and group attachments.
// Ciphertext streams to disk; only metadata (IV, wrapped keys, hash) lives
// in the database. Blobs are reference-counted by message pointers and
// garbage-collected when the last reference disappears.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

const (
	ScopeDM    = "dm"
	ScopeGroup = "group"
)

// MaxBlobSize caps a single upload at 256 MiB of ciphertext.
const MaxBlobSize = 256 << 20

// Service owns the upload directory and the blob metadata lifecycle.
type Service struct {
	store *store.Store
	dir   string
}

func NewService(st *store.Store, dir string) (*Service, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &Service{store: st, dir: dir}, nil
}

// Meta is the client-visible blob descriptor.
type Meta struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	Scope       string          `json:"scope"`
	IV          string          `json:"iv"`
	WrappedKeys json.RawMessage `json:"wrapped_keys"`
	SHA256      string          `json:"sha256"`
	Size        int64           `json:"size"`
	Mime        string          `json:"mime"`
	CreatedAt   time.Time       `json:"created_at"`
}

// UploadParams carries the envelope metadata accompanying the ciphertext.
type UploadParams struct {
	Owner       types.UserID
	Scope       string
	IV          string
	WrappedKeys json.RawMessage // username -> wrapped key, opaque
	Mime        string
	DeclaredSHA string // client-computed plaintext hash, stored verbatim
}

// Upload streams ciphertext to disk and records the blob. The ciphertext is
// hashed while streaming; the plaintext hash is whatever the client declared
// since the server cannot decrypt to verify it.
func (s *Service) Upload(ctx context.Context, p UploadParams, body io.Reader) (*Meta, error) {
	if p.Scope != ScopeDM && p.Scope != ScopeGroup {
		return nil, errs.E(errs.KindBadInput, "scope must be dm or group")
	}
	if len(p.WrappedKeys) == 0 {
		return nil, errs.E(errs.KindBadInput, "wrapped_keys is required")
	}
	var keys map[string]string
	if err := json.Unmarshal(p.WrappedKeys, &keys); err != nil || len(keys) == 0 {
		return nil, errs.E(errs.KindBadInput, "wrapped_keys must map recipients to keys")
	}

	id := uuid.NewString()
	path := s.blobPath(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "creating blob file", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(body, MaxBlobSize+1))
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, errs.Wrap(errs.KindInternal, "writing blob", err)
	}
	if size > MaxBlobSize {
		_ = os.Remove(path)
		return nil, errs.E(errs.KindBadInput, "file too large")
	}
	if size == 0 {
		_ = os.Remove(path)
		return nil, errs.E(errs.KindBadInput, "empty upload")
	}

	declared := p.DeclaredSHA
	if declared == "" {
		declared = hex.EncodeToString(hasher.Sum(nil))
	}
	blob := &store.FileBlob{
		ID:          id,
		Owner:       string(p.Owner),
		Scope:       p.Scope,
		IV:          p.IV,
		WrappedKeys: string(p.WrappedKeys),
		SHA256:      declared,
		Size:        size,
		Mime:        p.Mime,
		Path:        path,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateFileBlob(ctx, blob); err != nil {
		_ = os.Remove(path)
		return nil, errs.Storage(err)
	}

	metrics.OfflineSpoolOps.WithLabelValues("blob_upload").Inc()
	return metaOf(blob), nil
}

// GetMeta returns blob metadata to the owner or a wrapped-key recipient.
func (s *Service) GetMeta(ctx context.Context, viewer types.UserID, id string) (*Meta, error) {
	blob, err := s.authorized(ctx, viewer, id)
	if err != nil {
		return nil, err
	}
	return metaOf(blob), nil
}

// OpenBlob returns a reader over the ciphertext for an authorized viewer.
// The caller closes the reader.
func (s *Service) OpenBlob(ctx context.Context, viewer types.UserID, id string) (io.ReadCloser, *Meta, error) {
	blob, err := s.authorized(ctx, viewer, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(blob.Path)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindInternal, "opening blob file", err)
	}
	return f, metaOf(blob), nil
}

// Reference pins a blob to a message so the GC keeps it alive.
func (s *Service) Reference(ctx context.Context, fileID, messageRef string) error {
	if err := s.store.AddFileRef(ctx, fileID, messageRef); err != nil {
		return errs.Storage(err)
	}
	return nil
}

// Dereference unpins a blob; the GC reclaims it once no refs remain.
func (s *Service) Dereference(ctx context.Context, fileID, messageRef string) error {
	if err := s.store.RemoveFileRef(ctx, fileID, messageRef); err != nil {
		return errs.Storage(err)
	}
	return nil
}

// CollectGarbage deletes blobs with no remaining message references, bytes
// first and then metadata. Idempotent: a missing file is not an error.
func (s *Service) CollectGarbage(ctx context.Context) (int, error) {
	blobs, err := s.store.UnreferencedBlobs(ctx)
	if err != nil {
		return 0, errs.Storage(err)
	}
	removed := 0
	for _, b := range blobs {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warn(ctx, "blob GC could not remove file",
				zap.String("fileId", b.ID), zap.Error(err))
			continue
		}
		if err := s.store.DeleteFileBlob(ctx, b.ID); err != nil {
			// a new ref may have appeared between the scan and the delete
			logging.Warn(ctx, "blob GC skipped re-referenced blob",
				zap.String("fileId", b.ID), zap.Error(err))
			continue
		}
		removed++
		metrics.OfflineSpoolOps.WithLabelValues("blob_gc").Inc()
	}
	return removed, nil
}

// RunGC sweeps on an interval until the context is cancelled.
func (s *Service) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.CollectGarbage(ctx); err != nil {
				logging.Warn(ctx, "blob GC sweep failed", zap.Error(err))
			} else if n > 0 {
				logging.Info(ctx, "blob GC sweep", zap.Int("removed", n))
			}
		}
	}
}

// authorized loads a blob when the viewer is its owner or holds a wrapped key.
func (s *Service) authorized(ctx context.Context, viewer types.UserID, id string) (*store.FileBlob, error) {
	blob, err := s.store.GetFileBlob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.E(errs.KindNotFound, "no such file")
		}
		return nil, errs.Storage(err)
	}
	if blob.Owner == string(viewer) {
		return blob, nil
	}
	var keys map[string]string
	if err := json.Unmarshal([]byte(blob.WrappedKeys), &keys); err == nil {
		if _, ok := keys[string(viewer)]; ok {
			return blob, nil
		}
	}
	return nil, errs.E(errs.KindForbidden, "not a recipient of this file")
}

func metaOf(b *store.FileBlob) *Meta {
	return &Meta{
		ID:          b.ID,
		Owner:       b.Owner,
		Scope:       b.Scope,
		IV:          b.IV,
		WrappedKeys: json.RawMessage(b.WrappedKeys),
		SHA256:      b.SHA256,
		Size:        b.Size,
		Mime:        b.Mime,
		CreatedAt:   b.CreatedAt,
	}
}

func (s *Service) blobPath(id string) string {
	return filepath.Join(s.dir, id+".bin")
}
