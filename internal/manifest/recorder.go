package manifest

import (
	"context"
	"encoding/gob"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// changeOp classifies a single row mutation captured by the recorder.
type changeOp int

const (
	opInsert changeOp = iota
	opUpdate
	opDelete
)

// change is one recorded row mutation. Exactly one of the typed fields is
// non-nil, matching the table named in Table.
type change struct {
	Table string
	Op    changeOp

	Archive      *Archive
	Block        *Block
	File         *File
	FileVersion  *FileVersion
	VersionBlock *VersionBlock
}

func init() {
	gob.Register(&Archive{})
	gob.Register(&Block{})
	gob.Register(&File{})
	gob.Register(&FileVersion{})
	gob.Register(&VersionBlock{})
}

// sessionRecorder accumulates changes for a single manifest transaction.
// It substitutes for SQLite's native session extension, which requires
// cgo bindings unavailable through the pure-Go glebarez/sqlite driver this
// store uses (see DESIGN.md). Model hooks (AfterCreate/AfterUpdate/
// AfterDelete) call recordFromTx, which looks up the active recorder from
// the transaction's context and appends to it, mirroring how a native
// session extension observes every write inside a transaction, just
// implemented at the ORM layer instead of in the SQLite C library.
type sessionRecorder struct {
	changes []change
}

type recorderContextKey struct{}

// withRecorder returns a derived *gorm.DB session whose context carries a
// fresh sessionRecorder, and the recorder itself so the caller can read
// back the accumulated changes after the transaction completes.
func withRecorder(tx *gorm.DB) (*gorm.DB, *sessionRecorder) {
	rec := &sessionRecorder{}
	ctx := context.WithValue(tx.Statement.Context, recorderContextKey{}, rec)
	return tx.Session(&gorm.Session{Context: ctx}), rec
}

func recorderFromContext(ctx context.Context) *sessionRecorder {
	rec, _ := ctx.Value(recorderContextKey{}).(*sessionRecorder)
	return rec
}

// recordFromTx is called from model AfterCreate/AfterUpdate/AfterDelete
// hooks. It is a no-op if tx carries no active recorder (e.g. migrations,
// or reads outside a recorded transaction).
func recordFromTx(tx *gorm.DB, op changeOp, table string, row any) error {
	rec := recorderFromContext(tx.Statement.Context)
	if rec == nil {
		return nil
	}

	c := change{Table: table, Op: op}
	switch v := row.(type) {
	case *Archive:
		c.Archive = v
	case *Block:
		c.Block = v
	case *File:
		c.File = v
	case *FileVersion:
		c.FileVersion = v
	case *VersionBlock:
		c.VersionBlock = v
	}
	rec.changes = append(rec.changes, c)
	return nil
}

// apply replays changes against db, used when reconstructing the manifest
// from a base snapshot plus an ordered sequence of patchsets.
func apply(db *gorm.DB, changes []change) error {
	for _, c := range changes {
		var row any
		switch {
		case c.Archive != nil:
			row = c.Archive
		case c.Block != nil:
			row = c.Block
		case c.File != nil:
			row = c.File
		case c.FileVersion != nil:
			row = c.FileVersion
		case c.VersionBlock != nil:
			row = c.VersionBlock
		default:
			continue
		}

		// Applying changes during reconstruction must not re-enter the
		// recorder: this is replay, not a new recorded transaction.
		var err error
		switch c.Op {
		case opInsert:
			err = db.Session(&gorm.Session{}).Create(row).Error
		case opUpdate:
			// An upsert on the primary key rather than Save: Save inserts
			// when any key field is zero, such as version_ix 0.
			err = db.Session(&gorm.Session{}).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
		case opDelete:
			err = db.Session(&gorm.Session{}).Delete(row).Error
		}
		if err != nil {
			return err
		}
	}
	return nil
}
