package backup

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// changeset is one snapshot's per-domain digest delta.
type changeset struct {
	Added   map[domain.ID]string `json:"added"`
	Updated map[domain.ID]string `json:"updated"`
	Removed []domain.ID          `json:"removed"`
}

// loadDigest replays every snapshot's changesets for one domain, oldest
// first, into a cumulative id to hash map. A non-zero date stops the replay
// after the snapshot sealed at exactly that date.
func loadDigest(storage driven.BackupStorage, info *domain.BackupInfo, dom domain.Domain, date int64) (domain.Digest, error) {
	digest := domain.Digest{}
	for _, snapshot := range info.Snapshots {
		if date != 0 && snapshot.Date > date {
			break
		}
		data, ok := snapshot.Domains[dom]
		if !ok {
			continue
		}
		if err := applyDomainData(storage, digest, data); err != nil {
			return nil, err
		}
		if date != 0 && snapshot.Date == date {
			break
		}
	}
	return digest, nil
}

func applyDomainData(storage driven.BackupStorage, digest domain.Digest, data *domain.DomainData) error {
	// Oldest manifests carry the changeset inline.
	if len(data.Added) > 0 || len(data.Updated) > 0 || len(data.Removed) > 0 {
		digest.Apply(data.Added, data.Updated, data.Removed)
	}
	if data.Snapshot != "" {
		cs, err := readLegacySnapshot(storage, data.Snapshot)
		if err != nil {
			return err
		}
		digest.Apply(cs.Added, cs.Updated, cs.Removed)
	}
	for _, name := range data.Snapshots {
		cs, err := readChangeset(storage, name)
		if err != nil {
			return err
		}
		digest.Apply(cs.Added, cs.Updated, cs.Removed)
	}
	return nil
}

// readLegacySnapshot reads the whole-JSON digest format older backups used.
func readLegacySnapshot(storage driven.BackupStorage, name string) (*changeset, error) {
	r, err := storage.Load(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	var cs changeset
	if err := json.NewDecoder(gz).Decode(&cs); err != nil {
		return nil, fmt.Errorf("legacy snapshot %s: %w", name, err)
	}
	return &cs, nil
}

// writeLegacySnapshot writes the whole-JSON digest format. Only migration
// tooling and tests produce it; new backups always use the line format.
func writeLegacySnapshot(storage driven.BackupStorage, name string, cs *changeset) error {
	w, err := storage.Write(name)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(cs); err != nil {
		w.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// readChangeset reads the line-oriented digest format: a count line then
// that many "id;hash" lines, for added, then updated, then bare id lines
// for removed.
func readChangeset(storage driven.BackupStorage, name string) (*changeset, error) {
	r, err := storage.Load(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	cs := &changeset{Added: map[domain.ID]string{}, Updated: map[domain.ID]string{}}
	readHashed := func(into map[domain.ID]string) error {
		count, err := readCount(scanner, name)
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			if !scanner.Scan() {
				return fmt.Errorf("changeset %s: truncated after %d entries", name, i)
			}
			id, hash, ok := strings.Cut(scanner.Text(), ";")
			if !ok {
				return fmt.Errorf("changeset %s: malformed line %q", name, scanner.Text())
			}
			into[domain.ID(id)] = hash
		}
		return nil
	}
	if err := readHashed(cs.Added); err != nil {
		return nil, err
	}
	if err := readHashed(cs.Updated); err != nil {
		return nil, err
	}
	count, err := readCount(scanner, name)
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("changeset %s: truncated removed list", name)
		}
		cs.Removed = append(cs.Removed, domain.ID(scanner.Text()))
	}
	return cs, scanner.Err()
}

func readCount(scanner *bufio.Scanner, name string) (int, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("changeset %s: missing count line", name)
	}
	count, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return 0, fmt.Errorf("changeset %s: bad count %q", name, scanner.Text())
	}
	return count, nil
}

// writeChangeset persists one changeset in the line-oriented format.
func writeChangeset(storage driven.BackupStorage, name string, cs *changeset) error {
	w, err := storage.Write(name)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(w)
	bw := bufio.NewWriter(gz)

	writeHashed := func(m map[domain.ID]string) {
		fmt.Fprintf(bw, "%d\n", len(m))
		for id, hash := range m {
			fmt.Fprintf(bw, "%s;%s\n", id, hash)
		}
	}
	writeHashed(cs.Added)
	writeHashed(cs.Updated)
	fmt.Fprintf(bw, "%d\n", len(cs.Removed))
	for _, id := range cs.Removed {
		fmt.Fprintf(bw, "%s\n", id)
	}

	if err := bw.Flush(); err != nil {
		w.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
