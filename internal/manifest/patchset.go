package manifest

import (
	"context"
	"sort"

	"gorm.io/gorm"

	"github.com/vaultback/vaultback/internal/crypto"
	"github.com/vaultback/vaultback/internal/remote"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

// SerializePatchset gob-encodes a transaction's recorded changes, ready
// for encryption under crypto.DomainPatchset and upload.
func SerializePatchset(tx *Tx) ([]byte, error) {
	data, err := gobEncode(tx.Changes())
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindCorruption, "manifest.SerializePatchset", err)
	}
	return data, nil
}

// SealPatchset encrypts a serialized patchset under subkey, associated
// with objectName.
func SealPatchset(subkey [crypto.KeySize]byte, objectName string, plaintext []byte) ([]byte, error) {
	return crypto.Seal(subkey, []byte(objectName), plaintext)
}

// OpenPatchset decrypts and decodes a patchset object back into its
// recorded changes.
func OpenPatchset(subkey [crypto.KeySize]byte, objectName string, envelope []byte) ([]change, error) {
	plaintext, err := crypto.Open(subkey, []byte(objectName), envelope)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIntegrity, "manifest.OpenPatchset", err)
	}
	var changes []change
	if err := gobDecode(plaintext, &changes); err != nil {
		return nil, vaulterr.New(vaulterr.KindCorruption, "manifest.OpenPatchset", err)
	}
	return changes, nil
}

// BaseSnapshot is the full content of the manifest database at the
// moment it is collapsed into a single base object: every row, rather
// than a change-set.
type BaseSnapshot struct {
	Archives      []Archive
	Blocks        []Block
	Files         []File
	FileVersions  []FileVersion
	VersionBlocks []VersionBlock
	Meta          Meta
}

// SerializeBase dumps the entire manifest database into a BaseSnapshot
// and gob-encodes it.
func SerializeBase(ctx context.Context, s *Store) ([]byte, error) {
	var snap BaseSnapshot

	if err := s.db.WithContext(ctx).Order("id asc").Find(&snap.Archives).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.SerializeBase", err)
	}
	if err := s.db.WithContext(ctx).Find(&snap.Blocks).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.SerializeBase", err)
	}
	if err := s.db.WithContext(ctx).Order("id asc").Find(&snap.Files).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.SerializeBase", err)
	}
	if err := s.db.WithContext(ctx).Find(&snap.FileVersions).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.SerializeBase", err)
	}
	if err := s.db.WithContext(ctx).Find(&snap.VersionBlocks).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.SerializeBase", err)
	}
	if err := s.db.WithContext(ctx).First(&snap.Meta, 1).Error; err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "manifest.SerializeBase", err)
	}

	data, err := gobEncode(&snap)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindCorruption, "manifest.SerializeBase", err)
	}
	return data, nil
}

// SealBase encrypts a serialized base snapshot under subkey.
func SealBase(subkey [crypto.KeySize]byte, objectName string, plaintext []byte) ([]byte, error) {
	return crypto.Seal(subkey, []byte(objectName), plaintext)
}

// LoadFromBase truncates s's tables and repopulates them from a decrypted
// base snapshot, used when the local manifest database is absent or
// stale and must be rebuilt from the remote store.
// basePatchsetID is the id encoded in the base object's own name rather
// than snap.Meta.BasePatchsetID: SerializeBase captures Meta before the
// compactor's CollapseToBase advances it, so the object name is the only
// authoritative record of which patchset id this snapshot covers.
func LoadFromBase(ctx context.Context, s *Store, snap *BaseSnapshot, basePatchsetID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range AllModels() {
			if err := tx.Session(&gorm.Session{}).Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}

		for i := range snap.Archives {
			if err := tx.Session(&gorm.Session{}).Create(&snap.Archives[i]).Error; err != nil {
				return err
			}
		}
		for i := range snap.Files {
			if err := tx.Session(&gorm.Session{}).Create(&snap.Files[i]).Error; err != nil {
				return err
			}
		}
		for i := range snap.Blocks {
			if err := tx.Session(&gorm.Session{}).Create(&snap.Blocks[i]).Error; err != nil {
				return err
			}
		}
		for i := range snap.FileVersions {
			if err := tx.Session(&gorm.Session{}).Create(&snap.FileVersions[i]).Error; err != nil {
				return err
			}
		}
		for i := range snap.VersionBlocks {
			if err := tx.Session(&gorm.Session{}).Create(&snap.VersionBlocks[i]).Error; err != nil {
				return err
			}
		}

		schemaVersion := snap.Meta.SchemaVersion
		if schemaVersion == 0 {
			schemaVersion = SchemaVersion
		}
		maxArchive := snap.Meta.MaxArchiveID
		for i := range snap.Archives {
			if snap.Archives[i].ID > maxArchive {
				maxArchive = snap.Archives[i].ID
			}
		}
		meta := Meta{ID: 1, BasePatchsetID: basePatchsetID, SchemaVersion: schemaVersion, MaxArchiveID: maxArchive}
		return tx.Session(&gorm.Session{}).Save(&meta).Error
	})
}

// ReplayPatchset applies a decoded patchset's changes and records p itself
// as an already-applied patchset row, used when reconstructing a manifest
// from a base snapshot plus the ordered sequence of patchsets above it.
// Recording p here, rather than only updating Meta, keeps
// NextPatchsetID/PatchsetCount/AllPatchsets accurate afterward exactly as
// if this patchset had been committed locally in the ordinary way.
func ReplayPatchset(ctx context.Context, s *Store, p Patchset, changes []change) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := apply(tx, changes); err != nil {
			return err
		}
		return tx.Session(&gorm.Session{}).Create(&p).Error
	})
}

// CollapseToBase records that the manifest's base snapshot now covers
// everything up to basePatchsetID and removes the superseded patchset rows
// in one transaction, used by the compactor's patchset-collapse sweep.
// The caller must have already uploaded the new base object before
// calling this.
func CollapseToBase(ctx context.Context, s *Store, basePatchsetID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Meta{}).Where("id = ?", 1).Update("base_patchset_id", basePatchsetID).Error; err != nil {
			return err
		}
		return tx.Where("id <= ?", basePatchsetID).Delete(&Patchset{}).Error
	})
}

// FetchAndLoadBase is a convenience wrapper fetching the base object named
// by objectName from store, decrypting it, and loading it into s.
func FetchAndLoadBase(ctx context.Context, s *Store, store remote.Store, objectName string, subkey [crypto.KeySize]byte) error {
	basePatchsetID, err := remote.ParseID(remote.PrefixBase, objectName)
	if err != nil {
		return vaulterr.New(vaulterr.KindCorruption, "manifest.FetchAndLoadBase", err)
	}

	envelope, err := store.Get(ctx, objectName)
	if err != nil {
		return vaulterr.New(vaulterr.KindRemote, "manifest.FetchAndLoadBase", err)
	}
	plaintext, err := crypto.Open(subkey, []byte(objectName), envelope)
	if err != nil {
		return vaulterr.New(vaulterr.KindIntegrity, "manifest.FetchAndLoadBase", err)
	}
	var snap BaseSnapshot
	if err := gobDecode(plaintext, &snap); err != nil {
		return vaulterr.New(vaulterr.KindCorruption, "manifest.FetchAndLoadBase", err)
	}
	return LoadFromBase(ctx, s, &snap, basePatchsetID)
}

// Reconstruct catches a missing or stale local manifest up to the remote:
// if store holds a base snapshot newer than the one s already reflects, s
// is rebuilt from it; any patchset objects above whichever base s now
// reflects are then replayed in id order, so a missing or stale local
// manifest database catches itself up before any command runs against it.
//
// Ids at or above s's pre-existing NextPatchsetID are deliberately left
// alone when no base reload happens: under this single-writer model the
// only way such an id can exist remotely without reload being warranted is
// a prior crash between that patchset's upload and its local commit, which
// is exactly the orphan snapshot.Engine.Run's own reconciliation step
// discards; replaying it here would resurrect a change-set that was
// never actually committed.
func Reconstruct(ctx context.Context, s *Store, store remote.Store, master crypto.MasterKey) error {
	localBaseID, err := s.BasePatchsetID(ctx)
	if err != nil {
		return err
	}

	reloaded := false
	baseNames, err := store.List(ctx, remote.PrefixBase)
	if err != nil {
		return vaulterr.New(vaulterr.KindRemote, "manifest.Reconstruct", err)
	}
	if len(baseNames) > 0 {
		sort.Strings(baseNames)
		latest := baseNames[len(baseNames)-1]
		remoteBaseID, err := remote.ParseID(remote.PrefixBase, latest)
		if err != nil {
			return vaulterr.New(vaulterr.KindCorruption, "manifest.Reconstruct", err)
		}
		if remoteBaseID > localBaseID {
			baseKey := crypto.DeriveSubkey(master, crypto.DomainBase)
			if err := FetchAndLoadBase(ctx, s, store, latest, baseKey); err != nil {
				return err
			}
			reloaded = true
		}
	}

	baseID, err := s.BasePatchsetID(ctx)
	if err != nil {
		return err
	}
	frontier, err := s.NextPatchsetID(ctx)
	if err != nil {
		return err
	}

	applied := make(map[uint64]struct{})
	if !reloaded {
		existing, err := s.AllPatchsets(ctx)
		if err != nil {
			return err
		}
		for _, p := range existing {
			applied[p.ID] = struct{}{}
		}
	}

	patchsetNames, err := store.List(ctx, remote.PrefixPatchset)
	if err != nil {
		return vaulterr.New(vaulterr.KindRemote, "manifest.Reconstruct", err)
	}
	sort.Strings(patchsetNames)

	patchsetKey := crypto.DeriveSubkey(master, crypto.DomainPatchset)
	for _, name := range patchsetNames {
		id, err := remote.ParseID(remote.PrefixPatchset, name)
		if err != nil {
			return vaulterr.New(vaulterr.KindCorruption, "manifest.Reconstruct", err)
		}
		if id <= baseID {
			continue
		}
		if _, ok := applied[id]; ok {
			continue
		}
		if !reloaded && id >= frontier {
			continue
		}

		envelope, err := store.Get(ctx, name)
		if err != nil {
			return vaulterr.New(vaulterr.KindRemote, "manifest.Reconstruct", err)
		}
		changes, err := OpenPatchset(patchsetKey, name, envelope)
		if err != nil {
			return err
		}
		p := Patchset{ID: id, ObjectName: name, ByteSize: uint64(len(envelope)), Rows: len(changes)}
		if err := ReplayPatchset(ctx, s, p, changes); err != nil {
			return vaulterr.New(vaulterr.KindCorruption, "manifest.Reconstruct", err)
		}
	}
	return nil
}
