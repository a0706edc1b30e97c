package store

import (
	"context"

	"gorm.io/gorm"
)

// CreateFileBlob records metadata for an uploaded encrypted file.
func (s *Store) CreateFileBlob(ctx context.Context, b *FileBlob) error {
	return translate(s.db.WithContext(ctx).Create(b).Error)
}

// GetFileBlob fetches blob metadata by id.
func (s *Store) GetFileBlob(ctx context.Context, id string) (*FileBlob, error) {
	var b FileBlob
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

// AddFileRef pins a blob from a message reference.
func (s *Store) AddFileRef(ctx context.Context, fileID, messageRef string) error {
	err := translate(s.db.WithContext(ctx).Create(&FileRef{FileID: fileID, MessageRef: messageRef}).Error)
	if err == ErrDuplicate {
		return nil
	}
	return err
}

// RemoveFileRef unpins a blob from a message reference.
func (s *Store) RemoveFileRef(ctx context.Context, fileID, messageRef string) error {
	return s.db.WithContext(ctx).
		Where("file_id = ? AND message_ref = ?", fileID, messageRef).
		Delete(&FileRef{}).Error
}

// UnreferencedBlobs returns blobs with no remaining refs, for the GC job to
// delete along with their on-disk ciphertext.
func (s *Store) UnreferencedBlobs(ctx context.Context) ([]FileBlob, error) {
	var out []FileBlob
	err := s.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM file_refs WHERE file_refs.file_id = file_blobs.id)").
		Find(&out).Error
	return out, err
}

// DeleteFileBlob removes blob metadata after the GC job deleted the bytes.
// Refuses to delete while refs remain.
func (s *Store) DeleteFileBlob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&FileRef{}).Where("file_id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
		return tx.Where("id = ?", id).Delete(&FileBlob{}).Error
	})
}
