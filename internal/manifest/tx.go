package manifest

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/vaultback/vaultback/internal/vaulterr"
)

// Tx is one manifest write transaction, spanning every row mutation a
// snapshot run performs before it is collapsed into a single patchset:
// new archives and block locations, new/updated file
// versions, and their version_blocks. Every write inside a Tx is captured
// by the sessionRecorder reachable from its context.
type Tx struct {
	db  *gorm.DB
	rec *sessionRecorder
}

// Begin starts a new manifest transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	gtx := s.db.WithContext(ctx).Begin()
	if gtx.Error != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.Begin", gtx.Error)
	}
	sess, rec := withRecorder(gtx)
	return &Tx{db: sess, rec: rec}, nil
}

// Rollback discards every change the transaction made.
func (tx *Tx) Rollback() error {
	return tx.db.Rollback().Error
}

// Changes returns the rows recorded so far, for serialization into a
// patchset object before the transaction commits.
func (tx *Tx) Changes() []change {
	return tx.rec.changes
}

// InsertArchive records a newly sealed archive and raises the meta row's
// archive-id high-water mark alongside it.
func (tx *Tx) InsertArchive(a *Archive) error {
	if err := tx.db.Create(a).Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.InsertArchive", err)
	}
	err := tx.db.Model(&Meta{}).Where("id = ? AND max_archive_id < ?", 1, a.ID).
		Update("max_archive_id", a.ID).Error
	if err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.InsertArchive", err)
	}
	return nil
}

// InsertBlockLocation records hash's location inside an archive. Fails if
// hash is already known (invariant 5: exactly one location per hash).
func (tx *Tx) InsertBlockLocation(b *Block) error {
	if err := tx.db.Create(b).Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.InsertBlockLocation", err)
	}
	return nil
}

// RepointBlock updates hash's location, used by the compactor when it
// rewrites an archive and the block survives into the new one. It loads
// and saves the full row rather than patching columns so the AfterUpdate
// hook records a complete, correctly-keyed change.
func (tx *Tx) RepointBlock(b *Block) error {
	if err := tx.db.Save(b).Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.RepointBlock", err)
	}
	return nil
}

// DeleteBlock removes a block's location row, used by the compactor when
// rewriting drops a dead block. The AfterDelete hook records the change.
func (tx *Tx) DeleteBlock(hash string) error {
	if err := tx.db.Delete(&Block{Hash: hash}).Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.DeleteBlock", err)
	}
	return nil
}

// DeleteArchive removes an archive row entirely, used once the compactor
// has fully drained an archive of live blocks.
func (tx *Tx) DeleteArchive(id uint64) error {
	a := &Archive{ID: id}
	if err := tx.db.Delete(a).Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.DeleteArchive", err)
	}
	return recordFromTx(tx.db, opDelete, "archives", a)
}

// EnsureFile returns the File row for path, creating it if unseen.
func (tx *Tx) EnsureFile(path string) (*File, error) {
	var f File
	err := tx.db.Where("path = ?", path).First(&f).Error
	if err == nil {
		return &f, nil
	}
	if !isNotFound(err) {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.EnsureFile", err)
	}

	f = File{Path: path}
	if err := tx.db.Create(&f).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.EnsureFile", err)
	}
	return &f, nil
}

// OpenNewVersion appends a new version for fileID at versionIx.
func (tx *Tx) OpenNewVersion(fileID uint64, versionIx uint32, mtime int64, size uint64, mode uint32) (*FileVersion, error) {
	v := &FileVersion{
		FileID:    fileID,
		VersionIx: versionIx,
		MTime:     mtime,
		Size:      size,
		Mode:      mode,
		Closed:    false,
	}
	if err := tx.db.Create(v).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.OpenNewVersion", err)
	}
	return v, nil
}

// CloseVersion marks a version as closed: superseded by a newer version,
// or tombstoned because the source file disappeared. It loads the full row
// and updates its closed column through that row, so the AfterUpdate hook
// records a complete change.
func (tx *Tx) CloseVersion(fileID uint64, versionIx uint32) error {
	var v FileVersion
	err := tx.db.Where("file_id = ? AND version_ix = ?", fileID, versionIx).First(&v).Error
	if err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.CloseVersion", err)
	}
	v.Closed = true
	err = tx.db.Model(&v).Where("file_id = ? AND version_ix = ?", fileID, versionIx).
		Update("closed", true).Error
	if err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.CloseVersion", err)
	}
	return nil
}

// InsertVersionBlock appends one block to a version's ordered block list.
func (tx *Tx) InsertVersionBlock(vb *VersionBlock) error {
	if err := tx.db.Create(vb).Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.InsertVersionBlock", err)
	}
	return nil
}

// SetCompactionMarker records the remote archive object names a rewrite
// sweep is about to supersede, replacing any marker already present. It
// must be called within the same Tx the sweep later commits, so the
// marker only becomes durable alongside the cutover it describes; a
// crash before Commit leaves no marker at all. Passing an empty
// objectNames just clears any stale marker without writing a new one.
func (tx *Tx) SetCompactionMarker(objectNames []string) error {
	if err := tx.db.Where("1 = 1").Delete(&CompactionMarker{}).Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.SetCompactionMarker", err)
	}
	if len(objectNames) == 0 {
		return nil
	}
	m := &CompactionMarker{ID: 1, ObjectNames: strings.Join(objectNames, ",")}
	if err := tx.db.Create(m).Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.SetCompactionMarker", err)
	}
	return nil
}

// Commit records the patchset row then commits the transaction. It does not
// serialize the changes itself; that is SerializePatchset's job. Callers must have already uploaded the sealed patchset
// object named objectName before calling Commit, so the local database
// never reflects an archive or patchset the remote store doesn't have.
func (tx *Tx) Commit(patchsetID uint64, objectName string, byteSize uint64) error {
	p := &Patchset{
		ID:         patchsetID,
		ObjectName: objectName,
		ByteSize:   byteSize,
		Rows:       len(tx.rec.changes),
	}
	if err := tx.db.Create(p).Error; err != nil {
		tx.db.Rollback()
		return vaulterr.New(vaulterr.KindIO, "manifest.Commit", err)
	}
	if err := tx.db.Commit().Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.Commit", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
