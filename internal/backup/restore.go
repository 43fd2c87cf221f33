package backup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

const (
	maxRestoreRetries = 5
	restoreCooldown   = 2 * time.Second
)

// RestoreOptions controls a restore run.
type RestoreOptions struct {
	// Date restores the workspace as of the snapshot sealed at this time;
	// zero restores the newest state.
	Date int64
	// Merge keeps documents the backup does not know about instead of
	// cleaning them.
	Merge bool
	// Domains restricts the run; empty restores every configured domain.
	Domains []domain.Domain
}

// Restore replays archived snapshots into the server. Each domain is
// retried independently with a linearly increasing cooldown.
func (s *Service) Restore(ctx context.Context, opts RestoreOptions) error {
	ok, err := s.storage.Exists(manifestName)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrManifestMissing
	}
	info, err := s.LoadInfo()
	if err != nil {
		return err
	}

	domains := opts.Domains
	if len(domains) == 0 {
		domains = s.domains
	}
	for _, dom := range domains {
		var lastErr error
		for attempt := 1; attempt <= maxRestoreRetries; attempt++ {
			lastErr = s.restoreDomain(ctx, info, dom, opts)
			if lastErr == nil {
				break
			}
			if ctx.Err() != nil {
				return lastErr
			}
			s.logger.Warn("domain restore failed",
				"domain", dom, "attempt", attempt, "error", lastErr)
			if attempt < maxRestoreRetries {
				select {
				case <-time.After(time.Duration(attempt) * restoreCooldown):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if lastErr != nil {
			return fmt.Errorf("restore domain %s: %w", dom, lastErr)
		}
	}
	return nil
}

func (s *Service) restoreDomain(ctx context.Context, info *domain.BackupInfo, dom domain.Domain, opts RestoreOptions) error {
	digest, err := loadDigest(s.storage, info, dom, opts.Date)
	if err != nil {
		return err
	}

	// required starts as the full target state and shrinks as live
	// documents already match and as archive entries are replayed.
	required := make(map[domain.ID]bool, len(digest))
	for id := range digest {
		required[id] = true
	}

	live, err := s.walkLive(ctx, dom)
	if err != nil {
		return err
	}
	var toRemove []domain.ID
	for _, docInfo := range live {
		hash, ok := digest[docInfo.ID]
		if !ok {
			toRemove = append(toRemove, docInfo.ID)
			continue
		}
		if hash == docInfo.Hash {
			delete(required, docInfo.ID)
		}
	}

	if len(required) > 0 {
		if err := s.replay(ctx, info, dom, opts.Date, required); err != nil {
			return err
		}
	}
	if len(required) > 0 {
		s.logger.Warn("restore finished with unresolved documents",
			"domain", dom, "missing", len(required))
	}

	if !opts.Merge && len(toRemove) > 0 {
		if err := s.server.Clean(ctx, dom, toRemove); err != nil {
			return err
		}
	}
	return nil
}

// replay walks archives newest-first, uploading still-required entries in
// byte-capped batches until the required set drains.
func (s *Service) replay(ctx context.Context, info *domain.BackupInfo, dom domain.Domain, date int64, required map[domain.ID]bool) error {
	var batch []*domain.Doc
	var batchBytes int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.server.Upload(ctx, dom, batch); err != nil {
			return err
		}
		batch, batchBytes = nil, 0
		return nil
	}

	// Blob payload entries may be read before or after their JSON entry.
	blobs := map[domain.ID][]byte{}
	pendingBlobDocs := map[domain.ID]*domain.Doc{}

	take := func(doc *domain.Doc, size int64) error {
		batch = append(batch, doc)
		batchBytes += size
		if batchBytes >= s.batchSize {
			return flush()
		}
		return nil
	}

	handle := func(e *archiveEntry) error {
		if len(required) == 0 {
			return io.EOF
		}
		name, isJSON := strings.CutSuffix(e.Name, ".json")
		id := domain.ID(name)
		if !required[id] {
			return nil
		}
		if !isJSON {
			if doc, ok := pendingBlobDocs[id]; ok {
				delete(pendingBlobDocs, id)
				doc.Attributes[blobDataAttr] = base64.StdEncoding.EncodeToString(e.Payload)
				delete(required, id)
				return take(doc, int64(len(e.Payload)))
			}
			blobs[id] = e.Payload
			return nil
		}
		var doc domain.Doc
		if err := json.Unmarshal(e.Payload, &doc); err != nil {
			// One broken entry must not sink the whole archive.
			s.logger.Error("skipping unreadable archive entry", "entry", e.Name, "error", err)
			return nil
		}
		if doc.Class == domain.ClassBlob {
			payload, ok := blobs[id]
			if !ok {
				if doc.Attributes == nil {
					doc.Attributes = map[string]any{}
				}
				pendingBlobDocs[id] = &doc
				return nil
			}
			delete(blobs, id)
			if doc.Attributes == nil {
				doc.Attributes = map[string]any{}
			}
			doc.Attributes[blobDataAttr] = base64.StdEncoding.EncodeToString(payload)
		}
		delete(required, id)
		return take(&doc, int64(len(e.Payload)))
	}

	for i := len(info.Snapshots) - 1; i >= 0 && len(required) > 0; i-- {
		snapshot := info.Snapshots[i]
		if date != 0 && snapshot.Date > date {
			continue
		}
		data, ok := snapshot.Domains[dom]
		if !ok {
			continue
		}
		for j := len(data.Storage) - 1; j >= 0 && len(required) > 0; j-- {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := walkArchive(s.storage, data.Storage[j], handle); err != nil {
				return err
			}
		}
	}

	// A blob entry still waiting here has no binary companion in any
	// archive: the snapshot was taken before the payload arrived. The
	// JSON side alone is a complete document, so upload it as is.
	for id, doc := range pendingBlobDocs {
		delete(required, id)
		if err := take(doc, 0); err != nil {
			return err
		}
	}
	return flush()
}
