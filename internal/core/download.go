package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultDownloadConcurrency is clamped to [1, 8] like every concurrency setting.
const DefaultDownloadConcurrency = 4

// ReadBufferSize is the chunk size the streaming reader polls the
// cancellation flag at.
const ReadBufferSize = 64 * 1024

// DownloadManager is the download-side queue engine: active/completed/
// failed sequences behind one mutex, a persistent store, a worker-per-task
// pool gated by a semaphore, a cancellation registry, and a progress bus.
type DownloadManager struct {
	logger *slog.Logger
	store  DownloadStore
	bus    *ProgressBus
	cancel *CancelRegistry
	sem    *Semaphore
	thr    *writeThrottle

	adapter ProtocolAdapter
	creds   CredentialProvider
	stats   StatsRecorder

	mu        sync.Mutex
	active    []*DownloadRecord
	completed []*DownloadRecord
	failed    []*DownloadRecord
}

// NewDownloadManager constructs a manager, recovering startup state:
// any persisted InProgress download row is unconditionally interrupted
// (downloads have no resumable session concept) before the queue becomes
// observable.
func NewDownloadManager(logger *slog.Logger, store DownloadStore, adapter ProtocolAdapter, creds CredentialProvider, concurrency int) (*DownloadManager, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > MaxPermitCap {
		concurrency = MaxPermitCap
	}

	m := &DownloadManager{
		logger:  logger,
		store:   store,
		bus:     NewProgressBus(false),
		cancel:  NewCancelRegistry(),
		sem:     NewSemaphore(concurrency),
		thr:     newWriteThrottle(),
		adapter: adapter,
		creds:   creds,
	}

	records, err := store.LoadAllDownloads()
	if err != nil {
		return nil, fmt.Errorf("core: loading download tasks: %w", err)
	}

	for i := range records {
		r := records[i]
		switch r.Status {
		case StatusInProgress:
			now := time.Now()
			r.Status = StatusFailed
			r.ErrorMessage = InterruptedMessage
			r.CompletedAt = &now
			if err := store.SaveDownload(r); err != nil {
				logger.Error("failed to persist interrupted download", "item_id", r.ItemID, "error", err)
			}
			m.failed = append(m.failed, &r)
		case StatusCompleted:
			m.completed = append(m.completed, &r)
		default:
			m.failed = append(m.failed, &r)
		}
	}

	sort.SliceStable(m.failed, func(i, j int) bool { return completedAtOf(m.failed[i]) > completedAtOf(m.failed[j]) })
	sort.SliceStable(m.completed, func(i, j int) bool { return completedAtOf(m.completed[i]) > completedAtOf(m.completed[j]) })

	return m, nil
}

func completedAtOf(r *DownloadRecord) int64 {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.UnixNano()
}

// Snapshot returns a deep copy of all three sequences.
func (m *DownloadManager) Snapshot() DownloadQueueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return DownloadQueueState{
		Active:    cloneDownloads(m.active),
		Completed: cloneDownloads(m.completed),
		Failed:    cloneDownloads(m.failed),
	}
}

func cloneDownloads(in []*DownloadRecord) []DownloadRecord {
	out := make([]DownloadRecord, len(in))
	for i, r := range in {
		out[i] = *r.clone()
	}
	return out
}

// Enqueue validates, dedupes, inserts an active task, persists it,
// registers a cancellation flag, and spawns its worker.
func (m *DownloadManager) Enqueue(itemID, itemName, sourceURL, targetDir string, size *int64, isFolder bool, childCount *int, mimeType string, lastModified time.Time, thumbnailURL string, overwrite bool) (DownloadQueueState, error) {
	itemID = strings.TrimSpace(itemID)
	targetDir = strings.TrimSpace(targetDir)
	if itemID == "" {
		return m.Snapshot(), NewError(KindValidation, "item id must not be empty")
	}
	if targetDir == "" {
		return m.Snapshot(), NewError(KindValidation, "target directory must not be empty")
	}

	if size != nil {
		if err := CheckDiskSpace(targetDir, *size); err != nil {
			return m.Snapshot(), err
		}
	}

	m.mu.Lock()
	for _, r := range m.active {
		if r.ItemID == itemID {
			m.mu.Unlock()
			return m.Snapshot(), NewError(KindValidation, "item already in queue")
		}
	}
	m.removeFromHistoryLocked(itemID)

	rec := &DownloadRecord{
		ItemID:       itemID,
		ItemName:     itemName,
		Size:         size,
		IsFolder:     isFolder,
		ChildCount:   childCount,
		MimeType:     mimeType,
		LastModified: lastModified,
		ThumbnailURL: thumbnailURL,
		Status:       StatusInProgress,
		StartedAt:    time.Now(),
		SourceURL:    sourceURL,
	}
	m.active = append(m.active, rec)
	m.mu.Unlock()

	if err := m.store.SaveDownload(*rec); err != nil {
		m.logger.Error("failed to persist new download", "item_id", itemID, "error", err)
	}

	flag := m.cancel.Register(itemID)
	destPath := FindAvailablePath(targetDir + "/" + sanitizeName(itemName))
	if overwrite {
		destPath = targetDir + "/" + sanitizeName(itemName)
	}

	go m.runWorker(rec, destPath, flag)

	return m.Snapshot(), nil
}

func sanitizeName(name string) string {
	if name == "" {
		return "download"
	}
	return name
}

// removeFromHistoryLocked deletes any completed/failed entry sharing
// itemID, so a retried enqueue clears stale history. Caller holds m.mu.
func (m *DownloadManager) removeFromHistoryLocked(itemID string) {
	m.completed = removeDownloadByID(m.completed, itemID)
	m.failed = removeDownloadByID(m.failed, itemID)
}

func removeDownloadByID(list []*DownloadRecord, id string) []*DownloadRecord {
	out := list[:0:0]
	for _, r := range list {
		if r.ItemID != id {
			out = append(out, r)
		}
	}
	return out
}

// Remove signals cancellation if still active, then deletes the task from
// every sequence and the store.
func (m *DownloadManager) Remove(itemID string) (DownloadQueueState, error) {
	m.cancel.Cancel(itemID)

	m.mu.Lock()
	m.active = removeDownloadByID(m.active, itemID)
	m.completed = removeDownloadByID(m.completed, itemID)
	m.failed = removeDownloadByID(m.failed, itemID)
	m.mu.Unlock()

	m.cancel.Remove(itemID)
	m.bus.Drop(itemID)
	m.thr.clear(itemID)
	if err := m.store.DeleteDownload(itemID); err != nil {
		m.logger.Error("failed to delete download row", "item_id", itemID, "error", err)
	}
	return m.Snapshot(), nil
}

// Cancel flips the cancellation flag for itemID; the worker performs the
// terminal transition once it observes the flag.
func (m *DownloadManager) Cancel(itemID string) (DownloadQueueState, error) {
	if !m.cancel.Cancel(itemID) {
		return m.Snapshot(), NewError(KindNotFound, "no active task with that id")
	}
	return m.Snapshot(), nil
}

// ClearHistory empties completed and failed, retaining active.
func (m *DownloadManager) ClearHistory() (DownloadQueueState, error) {
	m.mu.Lock()
	m.completed = nil
	m.failed = nil
	m.mu.Unlock()
	if err := m.store.DeleteDownloadsWithStatus(StatusCompleted, StatusFailed); err != nil {
		m.logger.Error("failed to clear download history", "error", err)
	}
	return m.Snapshot(), nil
}

// ClearFailed removes only the failed sequence.
func (m *DownloadManager) ClearFailed() (DownloadQueueState, error) {
	m.mu.Lock()
	m.failed = nil
	m.mu.Unlock()
	if err := m.store.DeleteDownloadsWithStatus(StatusFailed); err != nil {
		m.logger.Error("failed to clear failed downloads", "error", err)
	}
	return m.Snapshot(), nil
}

// Subscribe registers a progress subscriber, immediately emitting one
// snapshot tick per active task.
func (m *DownloadManager) Subscribe() (int, <-chan ProgressUpdate) {
	m.mu.Lock()
	snap := make([]ProgressUpdate, 0, len(m.active))
	now := time.Now()
	for _, r := range m.active {
		snap = append(snap, ProgressUpdate{
			ID:               r.ItemID,
			BytesTransferred: r.BytesTransferred,
			ExpectedSize:     r.Size,
			TimestampMillis:  now.UnixMilli(),
		})
	}
	m.mu.Unlock()
	return m.bus.Subscribe(snap)
}

func (m *DownloadManager) Unsubscribe(id int) { m.bus.Unsubscribe(id) }

// SetConcurrency resizes the semaphore; lowering it never revokes an
// already-held permit.
func (m *DownloadManager) SetConcurrency(oldLimit, newLimit int) {
	if newLimit < 1 {
		newLimit = 1
	}
	if newLimit > MaxPermitCap {
		newLimit = MaxPermitCap
	}
	m.sem.SetLimit(oldLimit, newLimit)
}

// Shutdown best-effort cancels every active download so workers can exit
// promptly; it does not block for their terminal transitions.
func (m *DownloadManager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, len(m.active))
	for i, r := range m.active {
		ids[i] = r.ItemID
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.cancel.Cancel(id)
	}
}

// onProgress is invoked by the adapter on every buffer boundary.
func (m *DownloadManager) onProgress(rec *DownloadRecord, bytesTransferred int64) {
	m.mu.Lock()
	rec.BytesTransferred = bytesTransferred
	m.mu.Unlock()

	now := time.Now()
	m.bus.Publish(rec.ItemID, bytesTransferred, rec.Size, now)

	if m.thr.shouldWrite(rec.ItemID, bytesTransferred, now) {
		snap := *rec.clone()
		if err := m.store.SaveDownload(snap); err != nil {
			m.logger.Error("failed to persist download progress", "item_id", rec.ItemID, "error", err)
		}
	}
}

// markSuccess performs the terminal success transition.
func (m *DownloadManager) markSuccess(rec *DownloadRecord, savedPath string, bytesTransferred int64) {
	now := time.Now()
	m.mu.Lock()
	m.active = removeDownloadByID(m.active, rec.ItemID)
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	rec.SavedPath = savedPath
	rec.BytesTransferred = bytesTransferred
	rec.ErrorMessage = ""
	m.completed = append([]*DownloadRecord{rec}, m.completed...)
	m.mu.Unlock()

	m.finishTask(rec)
}

// markFailure performs the terminal failure transition.
func (m *DownloadManager) markFailure(rec *DownloadRecord, msg string) {
	now := time.Now()
	m.mu.Lock()
	m.active = removeDownloadByID(m.active, rec.ItemID)
	rec.Status = StatusFailed
	rec.CompletedAt = &now
	rec.ErrorMessage = msg
	m.failed = append([]*DownloadRecord{rec}, m.failed...)
	m.mu.Unlock()

	m.finishTask(rec)
}

func (m *DownloadManager) finishTask(rec *DownloadRecord) {
	if err := m.store.SaveDownload(*rec.clone()); err != nil {
		m.logger.Error("failed to persist terminal download state", "item_id", rec.ItemID, "error", err)
	}
	if rec.Status == StatusCompleted && m.stats != nil {
		if err := m.stats.RecordCompleted(rec.BytesTransferred); err != nil {
			m.logger.Warn("failed to record transfer stats", "item_id", rec.ItemID, "error", err)
		}
	}
	now := time.Now()
	m.bus.Publish(rec.ItemID, rec.BytesTransferred, rec.Size, now)
	m.bus.Drop(rec.ItemID)
	m.cancel.Remove(rec.ItemID)
	m.thr.clear(rec.ItemID)
}

// runWorker is the per-task goroutine: acquire a permit, stream the
// object, perform the terminal transition. It never holds m.mu across the
// adapter call.
func (m *DownloadManager) runWorker(rec *DownloadRecord, destPath string, flag *CancelFlag) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 600*time.Second)
	defer cancelCtx()

	if err := m.sem.Acquire(ctx); err != nil {
		m.markFailure(rec, "could not acquire a transfer slot: "+err.Error())
		return
	}
	defer m.sem.Release()

	bearer := ""
	if m.creds != nil {
		tok, err := m.creds.BearerToken(ctx)
		if err != nil {
			m.markFailure(rec, "credential rejected: "+err.Error())
			return
		}
		bearer = tok
	}

	progress := func(bytesTransferred int64) { m.onProgress(rec, bytesTransferred) }

	written, err := m.adapter.StreamGet(ctx, rec.SourceURL, bearer, destPath, progress, flag)
	if err != nil {
		if flag.IsSet() || KindOf(err) == KindCancelled {
			m.markFailure(rec, CancelledDownloadMessage)
			return
		}
		m.markFailure(rec, err.Error())
		return
	}

	m.markSuccess(rec, destPath, written)
}
