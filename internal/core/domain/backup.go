package domain

// BackupVersion is the manifest format version written by the backup engine.
const BackupVersion = "0.6.2"

// BackupInfo is the persisted manifest describing every backup run for a
// workspace. Snapshots are append-only; compaction replaces the list
// wholesale.
type BackupInfo struct {
	Workspace string `json:"workspace"`
	Version   string `json:"version"`

	Snapshots []*BackupSnapshot `json:"snapshots"`

	// SnapshotsIndex is a monotonically increasing counter naming the
	// directory of the next snapshot's files.
	SnapshotsIndex int `json:"snapshotsIndex"`

	// LastTxID is the id of the newest transaction seen by the previous
	// run; when unchanged a new backup run is a no-op.
	LastTxID ID `json:"lastTxId,omitempty"`
}

// BackupSnapshot is one sealed backup run.
type BackupSnapshot struct {
	Date    int64                  `json:"date"`
	Index   int                    `json:"index"`
	Domains map[Domain]*DomainData `json:"domains"`
}

// DomainData references a snapshot's per-domain digest changeset and storage
// archives. Older manifests carry the digest inline (Added/Updated/Removed)
// or in a single Snapshot file; both must remain loadable.
type DomainData struct {
	// Snapshot is the legacy single digest file reference.
	Snapshot string `json:"snapshot,omitempty"`
	// Snapshots lists line-oriented digest changeset files.
	Snapshots []string `json:"snapshots,omitempty"`
	// Storage lists the chunked tar.gz archive files.
	Storage []string `json:"storage,omitempty"`

	// Legacy inline digest changeset.
	Added   map[ID]string `json:"added,omitempty"`
	Updated map[ID]string `json:"updated,omitempty"`
	Removed []ID          `json:"removed,omitempty"`
}

// Digest is the cumulative id to content-hash map for one domain, produced
// by replaying snapshot changesets in order.
type Digest map[ID]string

// Apply folds one changeset into the digest.
func (d Digest) Apply(added, updated map[ID]string, removed []ID) {
	for id, hash := range added {
		d[id] = hash
	}
	for id, hash := range updated {
		d[id] = hash
	}
	for _, id := range removed {
		delete(d, id)
	}
}
