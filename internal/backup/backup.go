package backup

import (
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

const (
	manifestName = "backup.json.gz"

	// defaultBatchSize caps the summed document size of one retrieval or
	// upload batch.
	defaultBatchSize = 2 * 1024 * 1024

	// blobDataAttr holds a blob document's base64 payload; it is stripped
	// from the JSON archive entry and stored as a separate binary entry.
	blobDataAttr = "data"

	maxChunkRetries = 5
)

// Config holds backup engine dependencies.
type Config struct {
	Workspace string
	Storage   driven.BackupStorage
	Server    driven.ChunkedServer
	// Domains to include, in processing order.
	Domains []domain.Domain
	// LastTx reports the workspace's newest transaction id; an unchanged
	// value makes a backup run a no-op.
	LastTx    func(ctx context.Context) (domain.ID, error)
	BatchSize int64
	RollSize  int64
	Logger    *slog.Logger
}

// Service runs backup, restore and compaction for one workspace.
type Service struct {
	workspace string
	storage   driven.BackupStorage
	server    driven.ChunkedServer
	domains   []domain.Domain
	lastTx    func(ctx context.Context) (domain.ID, error)
	batchSize int64
	rollSize  int64
	logger    *slog.Logger
}

// New creates a backup service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Service{
		workspace: cfg.Workspace,
		storage:   cfg.Storage,
		server:    cfg.Server,
		domains:   cfg.Domains,
		lastTx:    cfg.LastTx,
		batchSize: batch,
		rollSize:  cfg.RollSize,
		logger:    logger,
	}
}

// LoadInfo reads the manifest, or returns a fresh one when none exists.
func (s *Service) LoadInfo() (*domain.BackupInfo, error) {
	ok, err := s.storage.Exists(manifestName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &domain.BackupInfo{Workspace: s.workspace, Version: domain.BackupVersion}, nil
	}
	r, err := s.storage.Load(manifestName)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	var info domain.BackupInfo
	if err := json.NewDecoder(gz).Decode(&info); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &info, nil
}

func (s *Service) saveInfo(info *domain.BackupInfo) error {
	w, err := s.storage.Write(manifestName)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(info); err != nil {
		w.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Backup runs one incremental backup. It returns (info, false, nil) without
// writing anything when no transaction has been applied since the previous
// run.
func (s *Service) Backup(ctx context.Context) (*domain.BackupInfo, bool, error) {
	info, err := s.LoadInfo()
	if err != nil {
		return nil, false, err
	}

	if s.lastTx != nil {
		last, err := s.lastTx(ctx)
		if err != nil {
			return nil, false, err
		}
		if last != "" && last == info.LastTxID {
			s.logger.Info("backup skipped, no new transactions", "workspace", s.workspace)
			return info, false, nil
		}
		info.LastTxID = last
	}

	date := time.Now().UnixMilli()
	snapshot := &domain.BackupSnapshot{
		Date:    date,
		Index:   info.SnapshotsIndex,
		Domains: map[domain.Domain]*domain.DomainData{},
	}
	info.Snapshots = append(info.Snapshots, snapshot)
	info.SnapshotsIndex++

	changed := false
	for _, dom := range s.domains {
		domChanged, err := s.backupDomain(ctx, info, snapshot, dom)
		if err != nil {
			return nil, false, fmt.Errorf("backup domain %s: %w", dom, err)
		}
		changed = changed || domChanged
	}

	if !changed {
		// Nothing moved in any domain; drop the empty snapshot.
		info.Snapshots = info.Snapshots[:len(info.Snapshots)-1]
		info.SnapshotsIndex = snapshot.Index
	}
	if err := s.saveInfo(info); err != nil {
		return nil, false, err
	}
	return info, changed, nil
}

func (s *Service) backupDomain(ctx context.Context, info *domain.BackupInfo, snapshot *domain.BackupSnapshot, dom domain.Domain) (bool, error) {
	digest, err := loadDigest(s.storage, info, dom, 0)
	if err != nil {
		return false, err
	}
	live, err := s.walkLive(ctx, dom)
	if err != nil {
		return false, err
	}

	cs := &changeset{Added: map[domain.ID]string{}, Updated: map[domain.ID]string{}}
	var batches [][]domain.ID
	var batch []domain.ID
	var batchBytes int64
	seen := map[domain.ID]bool{}
	for _, docInfo := range live {
		seen[docInfo.ID] = true
		prev, ok := digest[docInfo.ID]
		switch {
		case !ok:
			cs.Added[docInfo.ID] = docInfo.Hash
		case prev != docInfo.Hash:
			cs.Updated[docInfo.ID] = docInfo.Hash
		default:
			continue
		}
		batch = append(batch, docInfo.ID)
		batchBytes += docInfo.Size
		if batchBytes >= s.batchSize {
			batches = append(batches, batch)
			batch, batchBytes = nil, 0
		}
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	for id := range digest {
		if !seen[id] {
			cs.Removed = append(cs.Removed, id)
		}
	}
	if len(cs.Added) == 0 && len(cs.Updated) == 0 && len(cs.Removed) == 0 {
		return false, nil
	}

	data := &domain.DomainData{}
	snapshot.Domains[dom] = data

	writer := newArchiveWriter(s.storage,
		func(n int) string {
			return fmt.Sprintf("%d/%s-data-%d-%d.tar.gz", snapshot.Index, dom, snapshot.Date, n)
		},
		s.rollSize,
		func(files []string) error {
			// Persist the manifest after every rolled chunk so a crash
			// loses at most the in-progress file.
			data.Storage = append([]string(nil), files...)
			return s.saveInfo(info)
		})

	for _, ids := range batches {
		docs, err := s.server.LoadDocs(ctx, dom, ids)
		if err != nil {
			return false, err
		}
		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				if _, sealErr := writer.Close(); sealErr != nil {
					s.logger.Error("sealing archive after cancel", "error", sealErr)
				}
				return false, domain.ErrBackupCancelled
			}
			if err := s.appendDoc(writer, doc); err != nil {
				return false, err
			}
		}
	}

	files, err := writer.Close()
	if err != nil {
		return false, err
	}
	data.Storage = files

	csName := fmt.Sprintf("%d/%s-%d-%d.snp.gz", snapshot.Index, dom, snapshot.Date, 0)
	if err := writeChangeset(s.storage, csName, cs); err != nil {
		return false, err
	}
	data.Snapshots = []string{csName}
	return true, nil
}

// appendDoc writes one document to the archive. Blob payloads are stored as
// a separate binary entry so the JSON entry stays small.
func (s *Service) appendDoc(writer *archiveWriter, doc *domain.Doc) error {
	out := doc
	var entries []archiveEntry
	if doc.Class == domain.ClassBlob {
		if encoded, ok := doc.Attributes[blobDataAttr].(string); ok {
			payload, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("blob %s: %w", doc.ID, err)
			}
			out = doc.Clone()
			delete(out.Attributes, blobDataAttr)
			entries = append(entries, archiveEntry{Name: string(doc.ID), Payload: payload})
		}
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return err
	}
	entries = append(entries, archiveEntry{Name: string(doc.ID) + ".json", Payload: encoded})
	return writer.Append(entries...)
}

// walkLive streams the full id/hash listing of a domain, restarting from a
// fresh cursor on failure up to the retry bound.
func (s *Service) walkLive(ctx context.Context, dom domain.Domain) ([]driven.DocInfo, error) {
	var lastErr error
	for attempt := 0; attempt < maxChunkRetries; attempt++ {
		infos, err := s.walkOnce(ctx, dom)
		if err == nil {
			return infos, nil
		}
		if ctx.Err() != nil {
			return nil, domain.ErrBackupCancelled
		}
		lastErr = err
		s.logger.Warn("chunk walk failed, restarting cursor", "domain", dom, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("domain %s: %w", dom, lastErr)
}

func (s *Service) walkOnce(ctx context.Context, dom domain.Domain) ([]driven.DocInfo, error) {
	var infos []driven.DocInfo
	idx := 0
	for {
		chunk, err := s.server.LoadChunk(ctx, dom, idx)
		if err != nil {
			if idx != 0 {
				_ = s.server.CloseChunk(ctx, idx)
			}
			return nil, err
		}
		infos = append(infos, chunk.Docs...)
		idx = chunk.Idx
		if chunk.Finished {
			return infos, s.server.CloseChunk(ctx, idx)
		}
	}
}
