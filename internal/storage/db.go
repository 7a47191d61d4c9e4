package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/core"
)

// Storage is the gorm-backed implementation of core.DownloadStore,
// core.UploadStore, and core.SettingsStore, plus a handful of convenience
// tables (saved locations, daily stats, speed-test history).
type Storage struct {
	DB *gorm.DB
}

// Open creates or opens a sqlite-backed store at path (":memory:" for an
// ephemeral test database) and runs migrations.
func Open(path string) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")

	s := &Storage{DB: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrate issues an idempotent, additive schema evolution: CREATE TABLE
// IF NOT EXISTS via AutoMigrate, then a manual ALTER TABLE ADD COLUMN
// fallback pass for columns AutoMigrate's dialect support might miss,
// treating "duplicate column" errors as success.
func (s *Storage) migrate() error {
	if err := s.DB.AutoMigrate(
		&downloadTaskRow{},
		&uploadTaskRow{},
		&settingRow{},
		&downloadLocationRow{},
		&dailyStatRow{},
		&speedTestRow{},
	); err != nil {
		return fmt.Errorf("storage: migrating schema: %w", err)
	}

	additive := []struct {
		table, column, ddlType string
	}{
		{"download_tasks", "source_url", "TEXT"},
		{"upload_tasks", "session_url", "TEXT"},
	}
	for _, a := range additive {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", a.table, a.column, a.ddlType)
		if err := s.DB.Exec(stmt).Error; err != nil && !isDuplicateColumnErr(err) {
			return fmt.Errorf("storage: additive migration %s.%s: %w", a.table, a.column, err)
		}
	}
	return nil
}

func isDuplicateColumnErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// Checkpoint forces a WAL checkpoint on shutdown.
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- core.DownloadStore ---

func (s *Storage) SaveDownload(rec core.DownloadRecord) error {
	row := downloadRowFromRecord(rec)
	row.UpdatedAtMillis = time.Now().UnixMilli()
	return s.DB.Save(&row).Error
}

func (s *Storage) DeleteDownload(itemID string) error {
	return s.DB.Unscoped().Where("item_id = ?", itemID).Delete(&downloadTaskRow{}).Error
}

func (s *Storage) LoadAllDownloads() ([]core.DownloadRecord, error) {
	var rows []downloadTaskRow
	if err := s.DB.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]core.DownloadRecord, len(rows))
	for i, r := range rows {
		out[i] = downloadRecordFromRow(r)
	}
	return out, nil
}

func (s *Storage) DeleteDownloadsWithStatus(statuses ...core.Status) error {
	ints := make([]int, len(statuses))
	for i, st := range statuses {
		ints[i] = int(st)
	}
	return s.DB.Unscoped().Where("status IN ?", ints).Delete(&downloadTaskRow{}).Error
}

func downloadRowFromRecord(rec core.DownloadRecord) downloadTaskRow {
	row := downloadTaskRow{
		ItemID:          rec.ItemID,
		ItemName:        rec.ItemName,
		Size:            -1,
		IsFolder:        rec.IsFolder,
		ChildCount:      -1,
		MimeType:        rec.MimeType,
		ThumbnailURL:    rec.ThumbnailURL,
		Status:          int(rec.Status),
		StartedAt:       rec.StartedAt.UnixMilli(),
		SavedPath:       rec.SavedPath,
		BytesDownloaded: rec.BytesTransferred,
		ErrorMessage:    rec.ErrorMessage,
		SourceURL:       rec.SourceURL,
	}
	if rec.Size != nil {
		row.Size = *rec.Size
		row.SizeLabel = humanize.IBytes(uint64(*rec.Size))
	}
	if rec.ChildCount != nil {
		row.ChildCount = int64(*rec.ChildCount)
	}
	if !rec.LastModified.IsZero() {
		row.LastModified = rec.LastModified.UnixMilli()
	}
	if rec.CompletedAt != nil {
		row.CompletedAt = rec.CompletedAt.UnixMilli()
	}
	return row
}

func downloadRecordFromRow(row downloadTaskRow) core.DownloadRecord {
	rec := core.DownloadRecord{
		ItemID:           row.ItemID,
		ItemName:         row.ItemName,
		IsFolder:         row.IsFolder,
		MimeType:         row.MimeType,
		ThumbnailURL:     row.ThumbnailURL,
		Status:           core.Status(row.Status),
		StartedAt:        time.UnixMilli(row.StartedAt),
		SavedPath:        row.SavedPath,
		BytesTransferred: row.BytesDownloaded,
		ErrorMessage:     row.ErrorMessage,
		SourceURL:        row.SourceURL,
	}
	if row.Size >= 0 {
		size := row.Size
		rec.Size = &size
	}
	if row.ChildCount >= 0 {
		cc := int(row.ChildCount)
		rec.ChildCount = &cc
	}
	if row.LastModified > 0 {
		rec.LastModified = time.UnixMilli(row.LastModified)
	}
	if row.CompletedAt > 0 {
		t := time.UnixMilli(row.CompletedAt)
		rec.CompletedAt = &t
	}
	return rec
}

// --- core.UploadStore ---

func (s *Storage) SaveUpload(rec core.UploadRecord) error {
	row := uploadRowFromRecord(rec)
	row.UpdatedAtMillis = time.Now().UnixMilli()
	return s.DB.Save(&row).Error
}

func (s *Storage) DeleteUpload(taskID string) error {
	return s.DB.Unscoped().Where("task_id = ?", taskID).Delete(&uploadTaskRow{}).Error
}

func (s *Storage) LoadAllUploads() ([]core.UploadRecord, error) {
	var rows []uploadTaskRow
	if err := s.DB.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]core.UploadRecord, len(rows))
	for i, r := range rows {
		out[i] = uploadRecordFromRow(r)
	}
	return out, nil
}

func (s *Storage) DeleteUploadsWithStatus(statuses ...core.Status) error {
	ints := make([]int, len(statuses))
	for i, st := range statuses {
		ints[i] = int(st)
	}
	return s.DB.Unscoped().Where("status IN ?", ints).Delete(&uploadTaskRow{}).Error
}

func uploadRowFromRecord(rec core.UploadRecord) uploadTaskRow {
	row := uploadTaskRow{
		TaskID:        rec.TaskID,
		FileName:      rec.FileName,
		LocalPath:     rec.LocalPath,
		Size:          -1,
		MimeType:      rec.MimeType,
		ParentID:      rec.ParentID,
		RemoteID:      rec.RemoteID,
		Status:        int(rec.Status),
		StartedAt:     rec.StartedAt.UnixMilli(),
		BytesUploaded: rec.BytesTransferred,
		ErrorMessage:  rec.ErrorMessage,
		SessionURL:    rec.SessionURL,
	}
	if rec.Size != nil {
		row.Size = *rec.Size
	}
	if rec.CompletedAt != nil {
		row.CompletedAt = rec.CompletedAt.UnixMilli()
	}
	return row
}

func uploadRecordFromRow(row uploadTaskRow) core.UploadRecord {
	rec := core.UploadRecord{
		TaskID:           row.TaskID,
		FileName:         row.FileName,
		LocalPath:        row.LocalPath,
		MimeType:         row.MimeType,
		ParentID:         row.ParentID,
		RemoteID:         row.RemoteID,
		Status:           core.Status(row.Status),
		StartedAt:        time.UnixMilli(row.StartedAt),
		BytesTransferred: row.BytesUploaded,
		ErrorMessage:     row.ErrorMessage,
		SessionURL:       row.SessionURL,
	}
	if row.Size >= 0 {
		size := row.Size
		rec.Size = &size
	}
	if row.CompletedAt > 0 {
		t := time.UnixMilli(row.CompletedAt)
		rec.CompletedAt = &t
	}
	return rec
}

// --- core.SettingsStore ---

func (s *Storage) GetSetting(key string) (string, bool, error) {
	var row settingRow
	err := s.DB.Where("key = ?", key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Storage) SetSetting(key, value string) error {
	row := settingRow{Key: key, Value: value, UpdatedAtMillis: time.Now().UnixMilli()}
	return s.DB.Save(&row).Error
}

// --- saved download locations ---

type Location struct {
	Path     string
	Nickname string
}

func (s *Storage) AddLocation(path, nickname string) error {
	row := downloadLocationRow{Path: path, Nickname: nickname}
	return s.DB.Save(&row).Error
}

func (s *Storage) GetLocations() ([]Location, error) {
	var rows []downloadLocationRow
	if err := s.DB.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Location, len(rows))
	for i, r := range rows {
		out[i] = Location{Path: r.Path, Nickname: r.Nickname}
	}
	return out, nil
}

// --- daily transfer statistics ---

// RecordCompleted implements core.StatsRecorder: one completed transfer
// adds its byte count and bumps the file counter for today.
func (s *Storage) RecordCompleted(bytes int64) error {
	if err := s.IncrementDailyBytes(bytes); err != nil {
		return err
	}
	return s.IncrementDailyFiles()
}

func (s *Storage) IncrementDailyBytes(delta int64) error {
	return s.incrementDaily("bytes", delta)
}

func (s *Storage) IncrementDailyFiles() error {
	return s.incrementDaily("files", 1)
}

func (s *Storage) incrementDaily(column string, delta int64) error {
	today := time.Now().Format("2006-01-02")
	var row dailyStatRow
	err := s.DB.Where("date = ?", today).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		row = dailyStatRow{Date: today}
	} else if err != nil {
		return err
	}
	if column == "bytes" {
		row.Bytes += delta
	} else {
		row.Files += delta
	}
	return s.DB.Save(&row).Error
}

func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.DB.Model(&dailyStatRow{}).Select("COALESCE(SUM(bytes), 0)").Scan(&total).Error
	return total, err
}

func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&dailyStatRow{}).Select("COALESCE(SUM(files), 0)").Scan(&total).Error
	return total, err
}

type DailyStat struct {
	Date  string
	Bytes int64
	Files int64
}

func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	var rows []dailyStatRow
	if err := s.DB.Where("date >= ?", cutoff).Order("date ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]DailyStat, len(rows))
	for i, r := range rows {
		out[i] = DailyStat{Date: r.Date, Bytes: r.Bytes, Files: r.Files}
	}
	return out, nil
}

// --- speed-test history ---

type SpeedTestResult struct {
	DownloadMbps   float64
	UploadMbps     float64
	PingMs         int64
	JitterMs       int64
	ISP            string
	ServerName     string
	ServerLocation string
}

func (s *Storage) SaveSpeedTest(r SpeedTestResult) error {
	row := speedTestRow{
		DownloadMbps:    r.DownloadMbps,
		UploadMbps:      r.UploadMbps,
		PingMs:          r.PingMs,
		JitterMs:        r.JitterMs,
		ISP:             r.ISP,
		ServerName:      r.ServerName,
		ServerLocation:  r.ServerLocation,
		TimestampMillis: time.Now().UnixMilli(),
	}
	return s.DB.Create(&row).Error
}
