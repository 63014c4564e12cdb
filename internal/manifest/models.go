// Package manifest implements the local SQL manifest database: archives,
// blocks, files, file_versions, version_blocks, patchsets, and meta,
// session-style change tracking over GORM, and patchset/base-snapshot
// serialization.
package manifest

import (
	"time"

	"gorm.io/gorm"
)

// Archive is a remote object bundling compressed, encrypted block bytes.
// Archive ids are monotonic and never reused.
type Archive struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement:false"`
	ObjectName      string `gorm:"uniqueIndex;not null"`
	UncompressedLen uint64 `gorm:"not null"`
	CreatedAt       time.Time
}

// AfterCreate records this row in the active sessionRecorder, if any.
func (a *Archive) AfterCreate(tx *gorm.DB) error { return recordFromTx(tx, opInsert, "archives", a) }

// Block maps a content hash to its location inside an archive. Exactly one
// location exists per hash at any moment.
type Block struct {
	Hash      string `gorm:"primaryKey;size:64"` // hex-encoded BLAKE3 hash
	ArchiveID uint64 `gorm:"not null;index"`
	Offset    uint64 `gorm:"not null"`
	Length    uint32 `gorm:"not null"`

	Archive Archive `gorm:"foreignKey:ArchiveID;references:ID"`
}

func (b *Block) AfterCreate(tx *gorm.DB) error { return recordFromTx(tx, opInsert, "blocks", b) }
func (b *Block) AfterUpdate(tx *gorm.DB) error { return recordFromTx(tx, opUpdate, "blocks", b) }
func (b *Block) AfterDelete(tx *gorm.DB) error { return recordFromTx(tx, opDelete, "blocks", b) }

// File is a logical path in the backup set, identified by its canonical
// absolute path.
type File struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Path string `gorm:"uniqueIndex;not null"`
}

func (f *File) AfterCreate(tx *gorm.DB) error { return recordFromTx(tx, opInsert, "files", f) }

// FileVersion is one version of a File. The highest version with
// Closed=false is the current one.
type FileVersion struct {
	FileID    uint64 `gorm:"primaryKey;autoIncrement:false"`
	VersionIx uint32 `gorm:"primaryKey;autoIncrement:false"`
	MTime     int64  `gorm:"not null"`
	Size      uint64 `gorm:"not null"`
	Mode      uint32 `gorm:"not null"`
	Closed    bool   `gorm:"not null;index"`

	File File `gorm:"foreignKey:FileID;references:ID"`
}

func (v *FileVersion) AfterCreate(tx *gorm.DB) error {
	return recordFromTx(tx, opInsert, "file_versions", v)
}
func (v *FileVersion) AfterUpdate(tx *gorm.DB) error {
	return recordFromTx(tx, opUpdate, "file_versions", v)
}

// VersionBlock orders the blocks composing one FileVersion.
type VersionBlock struct {
	FileID    uint64 `gorm:"primaryKey;autoIncrement:false"`
	VersionIx uint32 `gorm:"primaryKey;autoIncrement:false"`
	Position  uint32 `gorm:"primaryKey;autoIncrement:false"`
	BlockHash string `gorm:"size:64;not null;index"`

	Block Block `gorm:"foreignKey:BlockHash;references:Hash"`
}

func (vb *VersionBlock) AfterCreate(tx *gorm.DB) error {
	return recordFromTx(tx, opInsert, "version_blocks", vb)
}

// Patchset is a remote object holding an encrypted change-set against the
// base manifest.
type Patchset struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement:false"`
	ObjectName string `gorm:"uniqueIndex;not null"`
	ByteSize   uint64 `gorm:"not null"`
	Rows       int    `gorm:"not null"`
}

// Meta is a singleton row tracking the current base snapshot, the schema
// version, and the highest archive id ever assigned. MaxArchiveID survives
// the compactor deleting archive rows, so archive ids never regress.
type Meta struct {
	ID             uint   `gorm:"primaryKey;autoIncrement:false"`
	BasePatchsetID uint64 `gorm:"not null"`
	SchemaVersion  int    `gorm:"not null"`
	MaxArchiveID   uint64 `gorm:"not null;default:0"`
}

// SchemaVersion is the current manifest schema version, stored in Meta.
const SchemaVersion = 1

// CompactionMarker is a singleton row recording which remote archive
// objects an in-progress rewrite sweep is about to supersede. It is
// written in the same transaction as the sweep's Archive/
// Block/Patchset changes, so it only ever becomes durable alongside the
// cutover it describes, and cleared once those objects are deleted
// remotely; see compactor.Engine.completePendingCompaction for the
// startup side of this.
type CompactionMarker struct {
	ID          uint   `gorm:"primaryKey;autoIncrement:false"`
	ObjectNames string `gorm:"not null"` // comma-separated superseded archive object names
	CreatedAt   time.Time
}

// AllModels returns every model for gorm.AutoMigrate.
func AllModels() []any {
	return []any{
		&Archive{},
		&Block{},
		&File{},
		&FileVersion{},
		&VersionBlock{},
		&Patchset{},
		&Meta{},
		&CompactionMarker{},
	}
}
