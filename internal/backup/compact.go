package backup

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

// minCompactSnapshots is the snapshot count below which compaction is a
// no-op unless forced.
const minCompactSnapshots = 3

// Compact folds every snapshot into a single fresh one and deletes the
// superseded digest and storage files. Returns false when the guard
// skipped the run.
func (s *Service) Compact(ctx context.Context, force bool) (bool, error) {
	ok, err := s.storage.Exists(manifestName)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, domain.ErrManifestMissing
	}
	info, err := s.LoadInfo()
	if err != nil {
		return false, err
	}
	if len(info.Snapshots) < minCompactSnapshots && !force {
		s.logger.Info("compaction skipped",
			"snapshots", len(info.Snapshots), "required", minCompactSnapshots)
		return false, nil
	}

	compacted := &domain.BackupSnapshot{
		Date:    time.Now().UnixMilli(),
		Index:   info.SnapshotsIndex,
		Domains: map[domain.Domain]*domain.DomainData{},
	}
	for _, dom := range s.domains {
		data, err := s.compactDomain(ctx, info, compacted, dom)
		if err != nil {
			return false, fmt.Errorf("compact domain %s: %w", dom, err)
		}
		if data != nil {
			compacted.Domains[dom] = data
		}
	}

	old := info.Snapshots
	info.Snapshots = []*domain.BackupSnapshot{compacted}
	info.SnapshotsIndex++
	if err := s.saveInfo(info); err != nil {
		return false, err
	}

	// The new manifest is durable; superseded files can go.
	for _, snapshot := range old {
		for _, data := range snapshot.Domains {
			for _, name := range append(append([]string{}, data.Snapshots...), data.Storage...) {
				if err := s.storage.Delete(name); err != nil {
					s.logger.Warn("deleting superseded backup file", "file", name, "error", err)
				}
			}
			if data.Snapshot != "" {
				if err := s.storage.Delete(data.Snapshot); err != nil {
					s.logger.Warn("deleting superseded backup file", "file", data.Snapshot, "error", err)
				}
			}
		}
	}
	return true, nil
}

// compactDomain rewrites the domain's cumulative state as one changeset of
// adds plus a fresh archive chain, copying entries straight across without
// decoding bodies.
func (s *Service) compactDomain(ctx context.Context, info *domain.BackupInfo, compacted *domain.BackupSnapshot, dom domain.Domain) (*domain.DomainData, error) {
	digest, err := loadDigest(s.storage, info, dom, 0)
	if err != nil {
		return nil, err
	}
	if len(digest) == 0 {
		return nil, nil
	}

	data := &domain.DomainData{}
	writer := newArchiveWriter(s.storage,
		func(n int) string {
			return fmt.Sprintf("%d/%s-data-%d-%d.tar.gz", compacted.Index, dom, compacted.Date, n)
		},
		s.rollSize, nil)

	required := make(map[domain.ID]bool, len(digest))
	for id := range digest {
		required[id] = true
	}
	copyEntry := func(e *archiveEntry) error {
		if len(required) == 0 {
			return io.EOF
		}
		name, isJSON := strings.CutSuffix(e.Name, ".json")
		id := domain.ID(name)
		if !required[id] {
			return nil
		}
		if isJSON {
			delete(required, id)
		}
		return writer.Append(*e)
	}

	for i := len(info.Snapshots) - 1; i >= 0 && len(required) > 0; i-- {
		snapData, ok := info.Snapshots[i].Domains[dom]
		if !ok {
			continue
		}
		for j := len(snapData.Storage) - 1; j >= 0 && len(required) > 0; j-- {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := walkArchive(s.storage, snapData.Storage[j], copyEntry); err != nil {
				return nil, err
			}
		}
	}

	files, err := writer.Close()
	if err != nil {
		return nil, err
	}
	data.Storage = files

	cs := &changeset{Added: map[domain.ID]string{}, Updated: map[domain.ID]string{}}
	for id, hash := range digest {
		cs.Added[id] = hash
	}
	csName := fmt.Sprintf("%d/%s-%d-%d.snp.gz", compacted.Index, dom, compacted.Date, 0)
	if err := writeChangeset(s.storage, csName, cs); err != nil {
		return nil, err
	}
	data.Snapshots = []string{csName}
	return data, nil
}
