package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SingleShotMaxSize is the configured single-request upload upper bound;
// payloads over this must go through EnqueueLarge.
const SingleShotMaxSize = 250 * 1024 * 1024

// ChunkSize and ChunkAlignment bound the large-file upload loop
// (chunked upload alignment boundary).
const (
	ChunkSize      = 10 * 1024 * 1024
	ChunkAlignment = 320 * 1024
)

// ChunkRetryBaseDelay and ChunkRetryMaxAttempts drive the exponential
// backoff on transient chunk errors.
const (
	ChunkRetryBaseDelay   = 400 * time.Millisecond
	ChunkRetryMaxAttempts = 4
)

// UploadManager is the upload-side symmetric twin of DownloadManager, with
// the added resumable-session chunk loop and a Cancelled terminal status.
type UploadManager struct {
	logger *slog.Logger
	store  UploadStore
	bus    *ProgressBus
	cancel *CancelRegistry
	sem    *Semaphore
	thr    *writeThrottle

	adapter ProtocolAdapter
	creds   CredentialProvider
	stats   StatsRecorder

	mu        sync.Mutex
	active    []*UploadRecord
	completed []*UploadRecord
	failed    []*UploadRecord // cancelled tasks are merged in
}

// NewUploadManager constructs a manager, recovering startup state:
// InProgress rows with a session_url and known size are resumed by
// spawning their workers; everything else InProgress is failed
// unconditionally, matching what the original client does on restart.
func NewUploadManager(logger *slog.Logger, store UploadStore, adapter ProtocolAdapter, creds CredentialProvider, concurrency int) (*UploadManager, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > MaxPermitCap {
		concurrency = MaxPermitCap
	}

	m := &UploadManager{
		logger:  logger,
		store:   store,
		bus:     NewProgressBus(true),
		cancel:  NewCancelRegistry(),
		sem:     NewSemaphore(concurrency),
		thr:     newWriteThrottle(),
		adapter: adapter,
		creds:   creds,
	}

	records, err := store.LoadAllUploads()
	if err != nil {
		return nil, fmt.Errorf("core: loading upload tasks: %w", err)
	}

	var toResume []*UploadRecord
	for i := range records {
		r := records[i]
		switch r.Status {
		case StatusInProgress:
			if r.SessionURL != "" && r.Size != nil {
				rec := &r
				m.active = append(m.active, rec)
				toResume = append(toResume, rec)
				continue
			}
			now := time.Now()
			r.Status = StatusFailed
			r.ErrorMessage = InterruptedMessage
			r.CompletedAt = &now
			if err := store.SaveUpload(r); err != nil {
				logger.Error("failed to persist interrupted upload", "task_id", r.TaskID, "error", err)
			}
			m.failed = append(m.failed, &r)
		case StatusCompleted:
			m.completed = append(m.completed, &r)
		default:
			m.failed = append(m.failed, &r)
		}
	}

	sort.SliceStable(m.failed, func(i, j int) bool { return uploadCompletedAt(m.failed[i]) > uploadCompletedAt(m.failed[j]) })
	sort.SliceStable(m.completed, func(i, j int) bool { return uploadCompletedAt(m.completed[i]) > uploadCompletedAt(m.completed[j]) })
	sort.SliceStable(m.active, func(i, j int) bool { return m.active[i].StartedAt.Before(m.active[j].StartedAt) })

	for _, rec := range toResume {
		flag := m.cancel.Register(rec.TaskID)
		go m.resumeLargeUpload(rec, flag)
	}

	return m, nil
}

func uploadCompletedAt(r *UploadRecord) int64 {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.UnixNano()
}

func (m *UploadManager) Snapshot() UploadQueueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return UploadQueueState{
		Active:    cloneUploads(m.active),
		Completed: cloneUploads(m.completed),
		Failed:    cloneUploads(m.failed),
	}
}

func cloneUploads(in []*UploadRecord) []UploadRecord {
	out := make([]UploadRecord, len(in))
	for i, r := range in {
		out[i] = *r.clone()
	}
	return out
}

func removeUploadByID(list []*UploadRecord, id string) []*UploadRecord {
	out := list[:0:0]
	for _, r := range list {
		if r.TaskID != id {
			out = append(out, r)
		}
	}
	return out
}

// dedupeKey is (file name, parent folder id); upload ids are opaque, so
// active-set collisions are detected on the name/parent pair instead.
func dedupeKey(name, parentID string) string { return parentID + "\x00" + name }

// Enqueue is the small-file upload path: validates, dedupes on
// (name, parent), rejects oversized payloads, inserts, persists, spawns
// the single-request worker.
func (m *UploadManager) Enqueue(fileName, localPath, parentID, mimeType string, size int64, overwrite bool) (UploadQueueState, error) {
	return m.enqueue(fileName, localPath, parentID, mimeType, size, overwrite, false)
}

// EnqueueLarge is the chunked resumable-session path, required for
// payloads over SingleShotMaxSize but usable for any size.
func (m *UploadManager) EnqueueLarge(fileName, localPath, parentID, mimeType string, size int64, overwrite bool) (UploadQueueState, error) {
	return m.enqueue(fileName, localPath, parentID, mimeType, size, overwrite, true)
}

func (m *UploadManager) enqueue(fileName, localPath, parentID, mimeType string, size int64, overwrite, large bool) (UploadQueueState, error) {
	fileName = strings.TrimSpace(fileName)
	localPath = strings.TrimSpace(localPath)
	if fileName == "" {
		return m.Snapshot(), NewError(KindValidation, "file name must not be empty")
	}
	if localPath == "" {
		return m.Snapshot(), NewError(KindValidation, "local path must not be empty")
	}
	if !large && size > SingleShotMaxSize {
		return m.Snapshot(), NewError(KindValidation, fmt.Sprintf(
			"payload of %d bytes exceeds the %d byte single-shot limit; use the large-file upload path", size, SingleShotMaxSize))
	}

	key := dedupeKey(fileName, parentID)
	m.mu.Lock()
	for _, r := range m.active {
		if dedupeKey(r.FileName, r.ParentID) == key {
			m.mu.Unlock()
			return m.Snapshot(), NewError(KindValidation, "file already in queue")
		}
	}
	m.completed = removeUploadsMatching(m.completed, key)
	m.failed = removeUploadsMatching(m.failed, key)

	id := uuid.NewString()
	sizePtr := new(int64)
	*sizePtr = size
	rec := &UploadRecord{
		TaskID:    id,
		FileName:  fileName,
		LocalPath: localPath,
		Size:      sizePtr,
		MimeType:  mimeType,
		ParentID:  parentID,
		Status:    StatusInProgress,
		StartedAt: time.Now(),
	}
	m.active = append(m.active, rec)
	m.mu.Unlock()

	if err := m.store.SaveUpload(*rec); err != nil {
		m.logger.Error("failed to persist new upload", "task_id", id, "error", err)
	}

	flag := m.cancel.Register(id)
	if large {
		go m.runLargeWorker(rec, overwrite, flag)
	} else {
		go m.runSmallWorker(rec, overwrite, flag)
	}

	return m.Snapshot(), nil
}

func removeUploadsMatching(list []*UploadRecord, key string) []*UploadRecord {
	out := list[:0:0]
	for _, r := range list {
		if dedupeKey(r.FileName, r.ParentID) != key {
			out = append(out, r)
		}
	}
	return out
}

func (m *UploadManager) Remove(taskID string) (UploadQueueState, error) {
	m.cancel.Cancel(taskID)

	m.mu.Lock()
	m.active = removeUploadByID(m.active, taskID)
	m.completed = removeUploadByID(m.completed, taskID)
	m.failed = removeUploadByID(m.failed, taskID)
	m.mu.Unlock()

	m.cancel.Remove(taskID)
	m.bus.Drop(taskID)
	m.thr.clear(taskID)
	if err := m.store.DeleteUpload(taskID); err != nil {
		m.logger.Error("failed to delete upload row", "task_id", taskID, "error", err)
	}
	return m.Snapshot(), nil
}

func (m *UploadManager) Cancel(taskID string) (UploadQueueState, error) {
	if !m.cancel.Cancel(taskID) {
		return m.Snapshot(), NewError(KindNotFound, "no active task with that id")
	}
	return m.Snapshot(), nil
}

func (m *UploadManager) ClearHistory() (UploadQueueState, error) {
	m.mu.Lock()
	m.completed = nil
	m.failed = nil
	m.mu.Unlock()
	if err := m.store.DeleteUploadsWithStatus(StatusCompleted, StatusFailed, StatusCancelled); err != nil {
		m.logger.Error("failed to clear upload history", "error", err)
	}
	return m.Snapshot(), nil
}

func (m *UploadManager) ClearFailed() (UploadQueueState, error) {
	m.mu.Lock()
	m.failed = nil
	m.mu.Unlock()
	if err := m.store.DeleteUploadsWithStatus(StatusFailed, StatusCancelled); err != nil {
		m.logger.Error("failed to clear failed uploads", "error", err)
	}
	return m.Snapshot(), nil
}

func (m *UploadManager) Subscribe() (int, <-chan ProgressUpdate) {
	m.mu.Lock()
	snap := make([]ProgressUpdate, 0, len(m.active))
	now := time.Now()
	for _, r := range m.active {
		snap = append(snap, ProgressUpdate{
			ID:               r.TaskID,
			BytesTransferred: r.BytesTransferred,
			ExpectedSize:     r.Size,
			TimestampMillis:  now.UnixMilli(),
		})
	}
	m.mu.Unlock()
	return m.bus.Subscribe(snap)
}

func (m *UploadManager) Unsubscribe(id int) { m.bus.Unsubscribe(id) }

func (m *UploadManager) SetConcurrency(oldLimit, newLimit int) {
	if newLimit < 1 {
		newLimit = 1
	}
	if newLimit > MaxPermitCap {
		newLimit = MaxPermitCap
	}
	m.sem.SetLimit(oldLimit, newLimit)
}

// Shutdown best-effort cancels every active upload so workers can exit
// promptly; it does not block for their terminal transitions.
func (m *UploadManager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, len(m.active))
	for i, r := range m.active {
		ids[i] = r.TaskID
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.cancel.Cancel(id)
	}
}

func (m *UploadManager) onProgress(rec *UploadRecord, bytesTransferred int64) {
	m.mu.Lock()
	rec.BytesTransferred = bytesTransferred
	m.mu.Unlock()

	now := time.Now()
	m.bus.Publish(rec.TaskID, bytesTransferred, rec.Size, now)

	if m.thr.shouldWrite(rec.TaskID, bytesTransferred, now) {
		snap := *rec.clone()
		if err := m.store.SaveUpload(snap); err != nil {
			m.logger.Error("failed to persist upload progress", "task_id", rec.TaskID, "error", err)
		}
	}
}

// persistSession always bypasses the throttle.
func (m *UploadManager) persistSession(rec *UploadRecord, sessionURL string) {
	m.mu.Lock()
	rec.SessionURL = sessionURL
	snap := *rec.clone()
	m.mu.Unlock()
	if err := m.store.SaveUpload(snap); err != nil {
		m.logger.Error("failed to persist upload session url", "task_id", rec.TaskID, "error", err)
	}
}

func (m *UploadManager) markSuccess(rec *UploadRecord, remoteID string, bytesTransferred int64) {
	now := time.Now()
	m.mu.Lock()
	m.active = removeUploadByID(m.active, rec.TaskID)
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	rec.RemoteID = remoteID
	rec.BytesTransferred = bytesTransferred
	rec.ErrorMessage = ""
	m.completed = append([]*UploadRecord{rec}, m.completed...)
	m.mu.Unlock()
	m.finishTask(rec)
}

func (m *UploadManager) markFailure(rec *UploadRecord, msg string) {
	now := time.Now()
	m.mu.Lock()
	m.active = removeUploadByID(m.active, rec.TaskID)
	rec.Status = StatusFailed
	rec.CompletedAt = &now
	rec.ErrorMessage = msg
	m.failed = append([]*UploadRecord{rec}, m.failed...)
	m.mu.Unlock()
	m.finishTask(rec)
}

func (m *UploadManager) markCancelled(rec *UploadRecord) {
	now := time.Now()
	m.mu.Lock()
	m.active = removeUploadByID(m.active, rec.TaskID)
	rec.Status = StatusCancelled
	rec.CompletedAt = &now
	rec.ErrorMessage = CancelledUploadMessage
	m.failed = append([]*UploadRecord{rec}, m.failed...)
	m.mu.Unlock()
	m.finishTask(rec)
}

func (m *UploadManager) finishTask(rec *UploadRecord) {
	if err := m.store.SaveUpload(*rec.clone()); err != nil {
		m.logger.Error("failed to persist terminal upload state", "task_id", rec.TaskID, "error", err)
	}
	if rec.Status == StatusCompleted && m.stats != nil {
		if err := m.stats.RecordCompleted(rec.BytesTransferred); err != nil {
			m.logger.Warn("failed to record transfer stats", "task_id", rec.TaskID, "error", err)
		}
	}
	now := time.Now()
	m.bus.Publish(rec.TaskID, rec.BytesTransferred, rec.Size, now)
	m.bus.Drop(rec.TaskID)
	m.cancel.Remove(rec.TaskID)
	m.thr.clear(rec.TaskID)
}

func (m *UploadManager) bearer(ctx context.Context) (string, error) {
	if m.creds == nil {
		return "", nil
	}
	return m.creds.BearerToken(ctx)
}

// runSmallWorker is the single-request PutSmall path.
func (m *UploadManager) runSmallWorker(rec *UploadRecord, overwrite bool, flag *CancelFlag) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 600*time.Second)
	defer cancelCtx()

	if err := m.sem.Acquire(ctx); err != nil {
		m.markFailure(rec, "could not acquire a transfer slot: "+err.Error())
		return
	}
	defer m.sem.Release()

	f, err := os.Open(rec.LocalPath)
	if err != nil {
		m.markFailure(rec, "opening local file: "+err.Error())
		return
	}
	defer f.Close()

	bearer, err := m.bearer(ctx)
	if err != nil {
		m.markFailure(rec, "credential rejected: "+err.Error())
		return
	}

	progress := func(bytesTransferred int64) { m.onProgress(rec, bytesTransferred) }
	size := int64(0)
	if rec.Size != nil {
		size = *rec.Size
	}

	summary, err := m.adapter.PutSmall(ctx, rec.ParentID+"/"+rec.FileName, bearer, f, size, progress, flag)
	if err != nil {
		if flag.IsSet() || KindOf(err) == KindCancelled {
			m.markCancelled(rec)
			return
		}
		m.markFailure(rec, err.Error())
		return
	}
	m.markSuccess(rec, summary.RemoteID, size)
}

// runLargeWorker runs session creation then the chunk loop for a freshly
// enqueued large upload (no prior session_url).
func (m *UploadManager) runLargeWorker(rec *UploadRecord, overwrite bool, flag *CancelFlag) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 120*time.Second)
	bearer, err := m.bearer(ctx)
	cancelCtx()
	if err != nil {
		m.markFailure(rec, "credential rejected: "+err.Error())
		return
	}

	sessionCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	info, err := m.adapter.CreateSession(sessionCtx, rec.ParentID+"/"+rec.FileName, bearer, overwrite)
	cancel()
	if err != nil {
		m.markFailure(rec, "creating upload session: "+err.Error())
		return
	}
	m.persistSession(rec, info.UploadURL)
	m.chunkLoop(rec, info.UploadURL, 0, flag)
}

// resumeLargeUpload is the restart-recovery path: query the session
// before resuming the chunk loop.
func (m *UploadManager) resumeLargeUpload(rec *UploadRecord, flag *CancelFlag) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	bearer, err := m.bearer(ctx)
	if err != nil {
		cancel()
		m.markFailure(rec, "credential rejected: "+err.Error())
		return
	}

	result, err := m.adapter.QuerySession(ctx, rec.SessionURL, bearer)
	cancel()
	if err != nil {
		m.markFailure(rec, "session expired, please retry: "+err.Error())
		return
	}
	if result.FinalItem != nil {
		size := int64(0)
		if rec.Size != nil {
			size = *rec.Size
		}
		m.markSuccess(rec, result.FinalItem.RemoteID, size)
		return
	}

	offset := nextOffsetFromRanges(result.NextExpectedRanges)
	if err := m.sem.Acquire(context.Background()); err != nil {
		m.markFailure(rec, "could not acquire a transfer slot: "+err.Error())
		return
	}
	m.sem.Release() // re-acquired inside chunkLoop; this just validates availability promptly
	m.chunkLoop(rec, rec.SessionURL, offset, flag)
}

// nextOffsetFromRanges parses the first "start-end"/"start-" range
// advertised by the server into a starting byte offset.
func nextOffsetFromRanges(ranges []string) int64 {
	if len(ranges) == 0 {
		return 0
	}
	var start int64
	_, err := fmt.Sscanf(ranges[0], "%d-", &start)
	if err != nil {
		return 0
	}
	return start
}

// chunkLoop runs the 10 MiB / 320 KiB-aligned chunk loop, with
// exponential-backoff retry on transient errors and range-mismatch resume.
func (m *UploadManager) chunkLoop(rec *UploadRecord, uploadURL string, startOffset int64, flag *CancelFlag) {
	if err := m.sem.Acquire(context.Background()); err != nil {
		m.markFailure(rec, "could not acquire a transfer slot: "+err.Error())
		return
	}
	defer m.sem.Release()

	f, err := os.Open(rec.LocalPath)
	if err != nil {
		m.markFailure(rec, "opening local file: "+err.Error())
		return
	}
	defer f.Close()

	total := int64(0)
	if rec.Size != nil {
		total = *rec.Size
	}

	offset := startOffset
	for offset < total {
		if flag.IsSet() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			bearer, _ := m.bearer(ctx)
			if err := m.adapter.CancelSession(ctx, uploadURL, bearer); err != nil {
				m.logger.Warn("failed to cancel upload session", "task_id", rec.TaskID, "error", err)
			}
			cancel()
			m.markCancelled(rec)
			return
		}

		end := offset + ChunkSize
		if end > total {
			end = total
		}

		chunk := &fileSectionReader{f: f, base: offset}

		var result *ChunkResult
		var chunkErr error
		for attempt := 0; attempt < ChunkRetryMaxAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
			bearer, bErr := m.bearer(ctx)
			if bErr != nil {
				cancel()
				m.markFailure(rec, "credential rejected: "+bErr.Error())
				return
			}
			result, chunkErr = m.adapter.UploadChunk(ctx, uploadURL, bearer, offset, end-1, total, chunk)
			cancel()
			if chunkErr == nil {
				break
			}
			if KindOf(chunkErr) != KindTransient {
				break
			}
			time.Sleep(ChunkRetryBaseDelay * time.Duration(1<<uint(attempt)))
		}

		if chunkErr != nil {
			m.markFailure(rec, chunkErr.Error())
			return
		}

		switch result.Outcome {
		case ChunkContinue:
			offset = result.NextOffset
			m.onProgress(rec, offset)
		case ChunkCompleted:
			m.onProgress(rec, total)
			m.markSuccess(rec, result.Item.RemoteID, total)
			return
		case ChunkRangeMismatch:
			offset = result.ServerNext
			m.onProgress(rec, offset)
		case ChunkSessionExpired:
			m.markFailure(rec, "upload session expired, please retry")
			return
		}
	}

	// total == 0 (empty file) or loop exited exactly at total without a
	// terminal server response; treat as success at full size.
	m.onProgress(rec, total)
	m.markSuccess(rec, rec.RemoteID, total)
}

// fileSectionReader is a minimal io.ReaderAt over a fixed offset window of
// an open *os.File, re-readable across retries so a chunk upload retry can
// re-issue the same byte range from the same reader.
type fileSectionReader struct {
	f    *os.File
	base int64
}

func (s *fileSectionReader) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, s.base+off)
}
