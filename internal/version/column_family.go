// column_family.go implements ColumnFamily, the owner of one column
// family's independent version chain.
//
// Reference: RocksDB v10.7.5
//   - db/column_family.h (ColumnFamilyData)
//   - db/column_family.cc
package version

import (
	"fmt"

	"github.com/ridgekv/ridgekv/internal/manifest"
)

// ColumnFamily owns a chain of versions, identified by id and name. The
// default column family (ID 0) reuses the VersionSet's own chain
// (vs.current/vs.dummyVersions) so every existing single-CF caller
// (Current, NumLevelFiles, NumLevelBytes, ...) keeps working unmodified;
// every other column family owns an independent chain here, matching the
// source's per-CF version list rather than a single shared one.
//
// vset is a weak back-reference: the VersionSet owns the ColumnFamily
// strongly (via vs.cfs), never the other way around.
type ColumnFamily struct {
	ID   uint32
	Name string
	vset *VersionSet

	// Independent version chain, used only when ID != 0. Guarded by
	// vset.mu for current and vset.listMu for the linked-list pointers,
	// mirroring how Version.Unref() already serializes list mutation
	// through vset.listMu regardless of which chain a version belongs to.
	dummyVersions Version
	current       *Version
}

// newColumnFamily allocates a ColumnFamily and, for non-default ids,
// initializes its empty circular version chain.
func newColumnFamily(vset *VersionSet, id uint32, name string) *ColumnFamily {
	cf := &ColumnFamily{ID: id, Name: name, vset: vset}
	if id != 0 {
		cf.dummyVersions.prev = &cf.dummyVersions
		cf.dummyVersions.next = &cf.dummyVersions
	}
	return cf
}

// View returns the column family's current version. Callers must not
// mutate the returned Version's file lists.
func (cf *ColumnFamily) View() *Version {
	if cf.ID == 0 {
		return cf.vset.Current()
	}
	cf.vset.mu.Lock()
	defer cf.vset.mu.Unlock()
	return cf.current
}

// publish installs v as this column family's new current version,
// linking it into the chain and unref'ing the version it replaces. The
// caller must hold vset.mu.
func (cf *ColumnFamily) publish(v *Version) {
	if cf.ID == 0 {
		cf.vset.appendVersion(v)
		v.Ref()
		if cf.vset.current != nil {
			cf.vset.current.Unref()
		}
		cf.vset.current = v
		return
	}

	cf.vset.listMu.Lock()
	v.prev = cf.dummyVersions.prev
	v.next = &cf.dummyVersions
	v.prev.next = v
	v.next.prev = v
	cf.vset.listMu.Unlock()

	v.Ref()
	old := cf.current
	cf.current = v
	if old != nil {
		old.Unref()
	}
}

// ColumnFamilyView returns the current version scoped to the given
// column family ID, or nil if that column family is unknown.
func (vs *VersionSet) ColumnFamilyView(id uint32) *Version {
	vs.mu.Lock()
	cf, ok := vs.cfs[id]
	vs.mu.Unlock()
	if !ok {
		return nil
	}
	return cf.View()
}

// ColumnFamilies returns every column family known to the VersionSet,
// including the default column family (ID 0).
func (vs *VersionSet) ColumnFamilies() []*ColumnFamily {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	out := make([]*ColumnFamily, 0, len(vs.cfs))
	for _, cf := range vs.cfs {
		out = append(out, cf)
	}
	return out
}

// CreateColumnFamily allocates a new column family ID, records its name
// and an empty initial version in the MANIFEST via LogAndApply, and
// returns the assigned ID.
func (vs *VersionSet) CreateColumnFamily(name string) (uint32, error) {
	vs.mu.Lock()
	vs.maxColumnFamily++
	id := vs.maxColumnFamily
	vs.mu.Unlock()

	edit := manifest.NewVersionEdit()
	edit.SetColumnFamily(id)
	edit.AddColumnFamily(name)
	edit.SetMaxColumnFamily(id)

	if err := vs.LogAndApply(edit); err != nil {
		return 0, err
	}
	return id, nil
}

// DropColumnFamily records the drop of a column family in the MANIFEST.
// Existing files belonging to the column family are not deleted here;
// they remain until a subsequent compaction or explicit cleanup removes
// them, matching how a dropped table's SST files outlive the drop record
// until compaction reclaims them.
func (vs *VersionSet) DropColumnFamily(id uint32) error {
	if id == 0 {
		return fmt.Errorf("version: cannot drop the default column family")
	}
	edit := manifest.NewVersionEdit()
	edit.SetColumnFamily(id)
	edit.DropColumnFamily()
	return vs.LogAndApply(edit)
}
