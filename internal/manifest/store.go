package manifest

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vaultback/vaultback/internal/vaulterr"
)

// DatabaseType selects the GORM dialector. SQLite is the default, local,
// cgo-free manifest backend; Postgres is kept pluggable for deployments
// that want the manifest on a shared database server.
type DatabaseType string

const (
	DatabaseSQLite   DatabaseType = "sqlite"
	DatabasePostgres DatabaseType = "postgres"
)

// Config configures the manifest database connection.
type Config struct {
	Type DatabaseType
	// Path is the SQLite database file path.
	Path string
	// DSN is the Postgres connection string, used only when Type is
	// DatabasePostgres.
	DSN string
}

func (c Config) dialector() (gorm.Dialector, error) {
	switch c.Type {
	case "", DatabaseSQLite:
		if c.Path == "" {
			return nil, fmt.Errorf("sqlite manifest requires a Path")
		}
		return sqlite.Open(c.Path), nil
	case DatabasePostgres:
		if c.DSN == "" {
			return nil, fmt.Errorf("postgres manifest requires a DSN")
		}
		return postgres.Open(c.DSN), nil
	default:
		return nil, fmt.Errorf("unknown manifest database type %q", c.Type)
	}
}

// Store is the local manifest database, reached exclusively through this
// package.
type Store struct {
	db *gorm.DB
}

// Open connects to the manifest database and migrates its schema.
func Open(cfg Config) (*Store, error) {
	dialector, err := cfg.dialector()
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindConfig, "manifest.Open", err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.Open", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, vaulterr.New(vaulterr.KindCorruption, "manifest.Open", err)
	}

	var count int64
	if err := db.Model(&Meta{}).Count(&count).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindCorruption, "manifest.Open", err)
	}
	if count == 0 {
		if err := db.Create(&Meta{ID: 1, BasePatchsetID: 0, SchemaVersion: SchemaVersion}).Error; err != nil {
			return nil, vaulterr.New(vaulterr.KindCorruption, "manifest.Open", err)
		}
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HaveBlock reports whether hash already has a recorded location.
func (s *Store) HaveBlock(ctx context.Context, hash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Block{}).Where("hash = ?", hash).Count(&count).Error
	if err != nil {
		return false, vaulterr.New(vaulterr.KindIO, "manifest.HaveBlock", err)
	}
	return count > 0, nil
}

// BlockLocation returns the archive location for hash.
func (s *Store) BlockLocation(ctx context.Context, hash string) (*Block, error) {
	var b Block
	err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, vaulterr.ErrBlockNotFound
	}
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.BlockLocation", err)
	}
	return &b, nil
}

// Archive returns the archive row for id.
func (s *Store) Archive(ctx context.Context, id uint64) (*Archive, error) {
	var a Archive
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, vaulterr.ErrArchiveNotFound
	}
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.Archive", err)
	}
	return &a, nil
}

// AllArchives returns every archive row, for the compactor's live-ratio
// sweep.
func (s *Store) AllArchives(ctx context.Context) ([]Archive, error) {
	var archives []Archive
	if err := s.db.WithContext(ctx).Order("id asc").Find(&archives).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.AllArchives", err)
	}
	return archives, nil
}

// LiveBytesByArchive sums the length of blocks referenced by any
// non-closed file version, grouped by archive id: the numerator of the
// compactor's live-ratio computation.
func (s *Store) LiveBytesByArchive(ctx context.Context) (map[uint64]uint64, error) {
	type row struct {
		ArchiveID uint64
		Total     uint64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Table("blocks").
		Select("blocks.archive_id as archive_id, SUM(blocks.length) as total").
		Joins("JOIN version_blocks ON version_blocks.block_hash = blocks.hash").
		Joins("JOIN file_versions ON file_versions.file_id = version_blocks.file_id AND file_versions.version_ix = version_blocks.version_ix").
		Where("file_versions.closed = ?", false).
		Group("blocks.archive_id").
		Scan(&rows).Error
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.LiveBytesByArchive", err)
	}

	out := make(map[uint64]uint64, len(rows))
	for _, r := range rows {
		out[r.ArchiveID] = r.Total
	}
	return out, nil
}

// LiveBlocksInArchive returns the block rows in archiveID still referenced
// by a non-closed version, for compaction rewrite.
func (s *Store) LiveBlocksInArchive(ctx context.Context, archiveID uint64) ([]Block, error) {
	var blocks []Block
	err := s.db.WithContext(ctx).
		Distinct("blocks.*").
		Joins("JOIN version_blocks ON version_blocks.block_hash = blocks.hash").
		Joins("JOIN file_versions ON file_versions.file_id = version_blocks.file_id AND file_versions.version_ix = version_blocks.version_ix").
		Where("blocks.archive_id = ? AND file_versions.closed = ?", archiveID, false).
		Find(&blocks).Error
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.LiveBlocksInArchive", err)
	}
	return blocks, nil
}

// BlocksInArchive returns every block row currently pointing at archiveID,
// live or dead, used by the compactor to find and drop dead block rows
// once an archive's live blocks have been repointed elsewhere.
func (s *Store) BlocksInArchive(ctx context.Context, archiveID uint64) ([]Block, error) {
	var blocks []Block
	if err := s.db.WithContext(ctx).Where("archive_id = ?", archiveID).Find(&blocks).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.BlocksInArchive", err)
	}
	return blocks, nil
}

// OpenVersion returns the current (highest, non-closed) version of path,
// or ok=false if the file is unknown or its latest version is closed.
func (s *Store) OpenVersion(ctx context.Context, path string) (file *File, version *FileVersion, ok bool, err error) {
	var f File
	if err := s.db.WithContext(ctx).Where("path = ?", path).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, false, nil
		}
		return nil, nil, false, vaulterr.New(vaulterr.KindIO, "manifest.OpenVersion", err)
	}

	var v FileVersion
	err = s.db.WithContext(ctx).
		Where("file_id = ?", f.ID).
		Order("version_ix desc").
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &f, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, vaulterr.New(vaulterr.KindIO, "manifest.OpenVersion", err)
	}
	if v.Closed {
		return &f, &v, false, nil
	}
	return &f, &v, true, nil
}

// NewestNonTombstoneVersion returns the newest version of path that is not
// itself a tombstone (size 0, mode 0, no blocks), the version the restore
// engine resolves a selector to. A file whose only version is a tombstone
// yields ok=false.
func (s *Store) NewestNonTombstoneVersion(ctx context.Context, path string) (file *File, version *FileVersion, ok bool, err error) {
	var f File
	if err := s.db.WithContext(ctx).Where("path = ?", path).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, false, nil
		}
		return nil, nil, false, vaulterr.New(vaulterr.KindIO, "manifest.NewestNonTombstoneVersion", err)
	}

	var versions []FileVersion
	err = s.db.WithContext(ctx).
		Where("file_id = ?", f.ID).
		Order("version_ix desc").
		Find(&versions).Error
	if err != nil {
		return nil, nil, false, vaulterr.New(vaulterr.KindIO, "manifest.NewestNonTombstoneVersion", err)
	}

	for i := range versions {
		v := versions[i]
		if v.Size == 0 && v.Mode == 0 {
			var count int64
			if err := s.db.WithContext(ctx).Model(&VersionBlock{}).
				Where("file_id = ? AND version_ix = ?", f.ID, v.VersionIx).
				Count(&count).Error; err != nil {
				return nil, nil, false, vaulterr.New(vaulterr.KindIO, "manifest.NewestNonTombstoneVersion", err)
			}
			if count == 0 {
				continue // tombstone
			}
		}
		return &f, &v, true, nil
	}

	return &f, nil, false, nil
}

// VersionBlocks returns the ordered block hashes composing a version.
func (s *Store) VersionBlocks(ctx context.Context, fileID uint64, versionIx uint32) ([]VersionBlock, error) {
	var vbs []VersionBlock
	err := s.db.WithContext(ctx).
		Where("file_id = ? AND version_ix = ?", fileID, versionIx).
		Order("position asc").
		Find(&vbs).Error
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.VersionBlocks", err)
	}
	return vbs, nil
}

// LiveFiles returns every file whose latest version is not closed, for
// snapshot's tombstone-detection pass.
func (s *Store) LiveFiles(ctx context.Context) (map[string]uint64, error) {
	type row struct {
		Path string
		ID   uint64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Table("files").
		Select("files.path, files.id").
		Joins(`JOIN file_versions fv ON fv.file_id = files.id AND fv.version_ix = (
			SELECT MAX(version_ix) FROM file_versions WHERE file_id = files.id
		)`).
		Where("fv.closed = ?", false).
		Scan(&rows).Error
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.LiveFiles", err)
	}

	out := make(map[string]uint64, len(rows))
	for _, r := range rows {
		out[r.Path] = r.ID
	}
	return out, nil
}

// AllFiles returns every file the manifest has ever tracked, live or
// tombstoned, for selector matching in restore and list.
func (s *Store) AllFiles(ctx context.Context) ([]File, error) {
	var files []File
	if err := s.db.WithContext(ctx).Order("path asc").Find(&files).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.AllFiles", err)
	}
	return files, nil
}

// NextArchiveID returns the id that would be assigned to the next archive,
// without reserving it. The id is consumed only once the upload that names
// an object after it succeeds. The meta row's high-water mark keeps ids
// strictly increasing even after compaction has deleted the highest-id
// archive rows.
func (s *Store) NextArchiveID(ctx context.Context) (uint64, error) {
	var max uint64
	err := s.db.WithContext(ctx).Model(&Archive{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	if err != nil {
		return 0, vaulterr.New(vaulterr.KindIO, "manifest.NextArchiveID", err)
	}
	var m Meta
	if err := s.db.WithContext(ctx).First(&m, 1).Error; err != nil {
		return 0, vaulterr.New(vaulterr.KindCorruption, "manifest.NextArchiveID", err)
	}
	if m.MaxArchiveID > max {
		max = m.MaxArchiveID
	}
	return max + 1, nil
}

// NextPatchsetID returns the id that would be assigned to the next
// patchset. BasePatchsetID acts as the floor: collapsing the patchset
// chain deletes every patchset row at or below the new base, and the next
// id must keep climbing past them.
func (s *Store) NextPatchsetID(ctx context.Context) (uint64, error) {
	var max uint64
	err := s.db.WithContext(ctx).Model(&Patchset{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	if err != nil {
		return 0, vaulterr.New(vaulterr.KindIO, "manifest.NextPatchsetID", err)
	}
	base, err := s.BasePatchsetID(ctx)
	if err != nil {
		return 0, err
	}
	if base > max {
		max = base
	}
	return max + 1, nil
}

// BasePatchsetID returns the patchset id the current base snapshot covers.
func (s *Store) BasePatchsetID(ctx context.Context) (uint64, error) {
	var m Meta
	if err := s.db.WithContext(ctx).First(&m, 1).Error; err != nil {
		return 0, vaulterr.New(vaulterr.KindCorruption, "manifest.BasePatchsetID", err)
	}
	return m.BasePatchsetID, nil
}

// PatchsetCount returns how many patchset rows exist above the base.
func (s *Store) PatchsetCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Patchset{}).Count(&count).Error
	if err != nil {
		return 0, vaulterr.New(vaulterr.KindIO, "manifest.PatchsetCount", err)
	}
	return count, nil
}

// AllPatchsets returns every patchset row in id order.
func (s *Store) AllPatchsets(ctx context.Context) ([]Patchset, error) {
	var patchsets []Patchset
	if err := s.db.WithContext(ctx).Order("id asc").Find(&patchsets).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.AllPatchsets", err)
	}
	return patchsets, nil
}

// PendingCompactionMarker returns the compaction marker left by a rewrite
// sweep that committed but crashed before deleting its superseded archive
// objects remotely, or nil if no sweep is in progress.
func (s *Store) PendingCompactionMarker(ctx context.Context) (*CompactionMarker, error) {
	var m CompactionMarker
	err := s.db.WithContext(ctx).First(&m, 1).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.PendingCompactionMarker", err)
	}
	return &m, nil
}

// ClearCompactionMarker removes the compaction marker row, called once the
// archive objects it named have been deleted remotely.
func (s *Store) ClearCompactionMarker(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&CompactionMarker{}).Error; err != nil {
		return vaulterr.New(vaulterr.KindIO, "manifest.ClearCompactionMarker", err)
	}
	return nil
}

// gobEncode serializes v with encoding/gob, the natural fit for an opaque,
// immediately-encrypted blob (see DESIGN.md).
func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}
