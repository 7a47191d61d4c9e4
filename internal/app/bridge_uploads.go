package app

import (
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/core"
)

// QueueUpload is the small-file upload path; payloads over
// core.SingleShotMaxSize are rejected with ValidationError (use
// QueueLargeUpload instead).
func (a *App) QueueUpload(fileName, localPath, parentID, mimeType string, size int64, overwrite bool) core.UploadQueueState {
	a.logger.Info("frontend_request", "method", "QueueUpload", "file_name", fileName)
	state, err := a.uploads.Enqueue(fileName, localPath, parentID, mimeType, size, overwrite)
	if err != nil {
		a.logger.Error("enqueue upload failed", "file_name", fileName, "error", err)
	}
	return state
}

// QueueLargeUpload is the chunked resumable-session path.
func (a *App) QueueLargeUpload(fileName, localPath, parentID, mimeType string, size int64, overwrite bool) core.UploadQueueState {
	a.logger.Info("frontend_request", "method", "QueueLargeUpload", "file_name", fileName)
	state, err := a.uploads.EnqueueLarge(fileName, localPath, parentID, mimeType, size, overwrite)
	if err != nil {
		a.logger.Error("enqueue large upload failed", "file_name", fileName, "error", err)
	}
	return state
}

func (a *App) RemoveUpload(taskID string) core.UploadQueueState {
	state, err := a.uploads.Remove(taskID)
	if err != nil {
		a.logger.Error("remove upload failed", "task_id", taskID, "error", err)
	}
	return state
}

func (a *App) CancelUpload(taskID string) core.UploadQueueState {
	state, err := a.uploads.Cancel(taskID)
	if err != nil {
		a.logger.Error("cancel upload failed", "task_id", taskID, "error", err)
	}
	return state
}

func (a *App) ClearUploadHistory() core.UploadQueueState {
	state, _ := a.uploads.ClearHistory()
	return state
}

func (a *App) ClearFailedUploads() core.UploadQueueState {
	state, _ := a.uploads.ClearFailed()
	return state
}

func (a *App) UploadQueueState() core.UploadQueueState {
	return a.uploads.Snapshot()
}

// ReorderUpload moves an active upload within the queue; direction is one
// of "first", "prev", "next", "last".
func (a *App) ReorderUpload(taskID, direction string) core.UploadQueueState {
	state, err := a.uploads.Reorder(taskID, core.ReorderDirection(direction))
	if err != nil {
		a.logger.Error("reorder upload failed", "task_id", taskID, "error", err)
	}
	return state
}

func (a *App) SetUploadConcurrency(n int) {
	old := a.cfg.GetUploadMaxConcurrency()
	if err := a.cfg.SetUploadMaxConcurrency(n); err != nil {
		a.logger.Error("persisting upload concurrency", "error", err)
		return
	}
	a.uploads.SetConcurrency(old, a.cfg.GetUploadMaxConcurrency())
}
