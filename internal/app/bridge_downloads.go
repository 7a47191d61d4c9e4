package app

import (
	"time"

	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/core"
)

// QueueDownload is exposed to the frontend: enqueues a download for a
// remote item, using the configured default download directory unless
// targetDir is supplied.
func (a *App) QueueDownload(itemID, itemName, sourceURL, targetDir string, size int64, hasSize bool, isFolder bool, mimeType string, overwrite bool) core.DownloadQueueState {
	a.logger.Info("frontend_request", "method", "QueueDownload", "item_id", itemID)

	if targetDir == "" {
		dir, err := a.cfg.GetDownloadDirectory()
		if err != nil {
			a.logger.Error("resolving default download directory", "error", err)
		}
		targetDir = dir
	}

	var sizePtr *int64
	if hasSize {
		sizePtr = &size
	}

	state, err := a.downloads.Enqueue(itemID, itemName, sourceURL, targetDir, sizePtr, isFolder, nil, mimeType, time.Time{}, "", overwrite)
	if err != nil {
		a.logger.Error("enqueue download failed", "item_id", itemID, "error", err)
	}
	return state
}

func (a *App) RemoveDownload(itemID string) core.DownloadQueueState {
	state, err := a.downloads.Remove(itemID)
	if err != nil {
		a.logger.Error("remove download failed", "item_id", itemID, "error", err)
	}
	return state
}

func (a *App) CancelDownload(itemID string) core.DownloadQueueState {
	state, err := a.downloads.Cancel(itemID)
	if err != nil {
		a.logger.Error("cancel download failed", "item_id", itemID, "error", err)
	}
	return state
}

func (a *App) ClearDownloadHistory() core.DownloadQueueState {
	state, _ := a.downloads.ClearHistory()
	return state
}

func (a *App) ClearFailedDownloads() core.DownloadQueueState {
	state, _ := a.downloads.ClearFailed()
	return state
}

func (a *App) DownloadQueueState() core.DownloadQueueState {
	return a.downloads.Snapshot()
}

// ReorderDownload moves an active download within the queue; direction is
// one of "first", "prev", "next", "last".
func (a *App) ReorderDownload(itemID, direction string) core.DownloadQueueState {
	state, err := a.downloads.Reorder(itemID, core.ReorderDirection(direction))
	if err != nil {
		a.logger.Error("reorder download failed", "item_id", itemID, "error", err)
	}
	return state
}

// PauseAllDownloads cancels every active download. Tasks land in the
// failed sequence with the cancel message, from where ResumeAllDownloads
// can re-enqueue them.
func (a *App) PauseAllDownloads() core.DownloadQueueState {
	for _, rec := range a.downloads.Snapshot().Active {
		if _, err := a.downloads.Cancel(rec.ItemID); err != nil {
			a.logger.Warn("pause-all: cancel failed", "item_id", rec.ItemID, "error", err)
		}
	}
	return a.downloads.Snapshot()
}

// ResumeAllDownloads re-enqueues every failed download that stopped
// because of a cancel or an interrupted restart, leaving genuinely failed
// transfers alone.
func (a *App) ResumeAllDownloads() core.DownloadQueueState {
	dir, err := a.cfg.GetDownloadDirectory()
	if err != nil {
		a.logger.Error("resume-all: resolving download directory", "error", err)
		return a.downloads.Snapshot()
	}
	for _, rec := range a.downloads.Snapshot().Failed {
		if rec.ErrorMessage != core.CancelledDownloadMessage && rec.ErrorMessage != core.InterruptedMessage {
			continue
		}
		_, err := a.downloads.Enqueue(rec.ItemID, rec.ItemName, rec.SourceURL, dir,
			rec.Size, rec.IsFolder, rec.ChildCount, rec.MimeType, rec.LastModified, rec.ThumbnailURL, false)
		if err != nil {
			a.logger.Warn("resume-all: enqueue failed", "item_id", rec.ItemID, "error", err)
		}
	}
	return a.downloads.Snapshot()
}

// OpenDownloadedFile opens a completed download with the OS default
// application.
func (a *App) OpenDownloadedFile(path string) string {
	if err := core.OpenFile(path); err != nil {
		a.logger.Error("opening file", "path", path, "error", err)
		return err.Error()
	}
	return ""
}

// ShowDownloadInFolder reveals a completed download in the system file
// browser.
func (a *App) ShowDownloadInFolder(path string) string {
	if err := core.OpenFolder(path); err != nil {
		a.logger.Error("opening folder", "path", path, "error", err)
		return err.Error()
	}
	return ""
}

// SetDownloadConcurrency adjusts the download concurrency limit, clamped
// to [1, 8].
func (a *App) SetDownloadConcurrency(n int) {
	old := a.cfg.GetDownloadMaxConcurrency()
	if err := a.cfg.SetDownloadMaxConcurrency(n); err != nil {
		a.logger.Error("persisting download concurrency", "error", err)
		return
	}
	a.downloads.SetConcurrency(old, a.cfg.GetDownloadMaxConcurrency())
}
