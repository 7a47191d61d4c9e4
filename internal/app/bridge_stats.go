package app

import (
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/storage"
)

// TransferStats is the payload behind the frontend's history view: a
// daily breakdown plus lifetime totals.
type TransferStats struct {
	Daily         []storage.DailyStat
	LifetimeBytes int64
	LifetimeFiles int64
}

// GetTransferStats returns the last `days` days of transfer statistics.
func (a *App) GetTransferStats(days int) TransferStats {
	if days <= 0 {
		days = 30
	}
	daily, err := a.store.GetDailyHistory(days)
	if err != nil {
		a.logger.Error("loading daily stats", "error", err)
	}
	bytes, err := a.store.GetTotalLifetime()
	if err != nil {
		a.logger.Error("loading lifetime bytes", "error", err)
	}
	files, err := a.store.GetTotalFiles()
	if err != nil {
		a.logger.Error("loading lifetime files", "error", err)
	}
	return TransferStats{Daily: daily, LifetimeBytes: bytes, LifetimeFiles: files}
}

// AddDownloadLocation remembers a destination directory under a nickname.
func (a *App) AddDownloadLocation(path, nickname string) string {
	if err := a.store.AddLocation(path, nickname); err != nil {
		a.logger.Error("saving download location", "path", path, "error", err)
		return err.Error()
	}
	return ""
}

// GetDownloadLocations lists the remembered destination directories.
func (a *App) GetDownloadLocations() []storage.Location {
	locs, err := a.store.GetLocations()
	if err != nil {
		a.logger.Error("loading download locations", "error", err)
		return nil
	}
	return locs
}
