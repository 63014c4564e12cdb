package remote

import "fmt"

// Object name prefixes for the three remote object kinds.
const (
	PrefixArchive  = "archive/"
	PrefixPatchset = "patchset/"
	PrefixBase     = "base/"
)

// ArchiveName returns the fixed-width, zero-padded object name for an
// archive id, e.g. "archive/0000000000000000042".
func ArchiveName(id uint64) string { return fmt.Sprintf("%s%019d", PrefixArchive, id) }

// PatchsetName returns the fixed-width object name for a patchset id.
func PatchsetName(id uint64) string { return fmt.Sprintf("%s%019d", PrefixPatchset, id) }

// BaseName returns the fixed-width object name for a base snapshot at the
// given patchset id.
func BaseName(id uint64) string { return fmt.Sprintf("%s%019d", PrefixBase, id) }

// ParseID extracts the numeric id encoded in name, which must have been
// produced by ArchiveName/PatchsetName/BaseName under prefix. Object names
// sort lexicographically in id order by construction, so callers that need
// the newest object under a prefix can sort names and parse only the last.
func ParseID(prefix, name string) (uint64, error) {
	var id uint64
	if _, err := fmt.Sscanf(name, prefix+"%019d", &id); err != nil {
		return 0, fmt.Errorf("remote: malformed object name %q: %w", name, err)
	}
	return id, nil
}
