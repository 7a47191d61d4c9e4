package storage

// downloadTaskRow mirrors the download_tasks table. Signed columns
// hold -1 for an absent optional value (size, child_count); reads clamp
// negative back to absent.
type downloadTaskRow struct {
	ItemID          string `gorm:"column:item_id;primaryKey"`
	ItemName        string `gorm:"column:item_name"`
	Size            int64  `gorm:"column:size"`
	IsFolder        bool   `gorm:"column:is_folder"`
	ChildCount      int64  `gorm:"column:child_count"`
	MimeType        string `gorm:"column:mime_type"`
	LastModified    int64  `gorm:"column:last_modified"` // unix millis, 0 = unknown
	ThumbnailURL    string `gorm:"column:thumbnail_url"`
	Status          int    `gorm:"column:status;index"`
	StartedAt       int64  `gorm:"column:started_at"`
	CompletedAt     int64  `gorm:"column:completed_at"` // 0 = absent
	SavedPath       string `gorm:"column:saved_path"`
	SizeLabel       string `gorm:"column:size_label"`
	BytesDownloaded int64  `gorm:"column:bytes_downloaded"`
	ErrorMessage    string `gorm:"column:error_message"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_millis"`
	SourceURL       string `gorm:"column:source_url"`
}

func (downloadTaskRow) TableName() string { return "download_tasks" }

// uploadTaskRow mirrors the upload_tasks table.
type uploadTaskRow struct {
	TaskID          string `gorm:"column:task_id;primaryKey"`
	FileName        string `gorm:"column:file_name"`
	LocalPath       string `gorm:"column:local_path"`
	Size            int64  `gorm:"column:size"`
	MimeType        string `gorm:"column:mime_type"`
	ParentID        string `gorm:"column:parent_id"`
	RemoteID        string `gorm:"column:remote_id"`
	Status          int    `gorm:"column:status;index"`
	StartedAt       int64  `gorm:"column:started_at"`
	CompletedAt     int64  `gorm:"column:completed_at"`
	BytesUploaded   int64  `gorm:"column:bytes_uploaded"`
	ErrorMessage    string `gorm:"column:error_message"`
	SessionURL      string `gorm:"column:session_url"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_millis"`
}

func (uploadTaskRow) TableName() string { return "upload_tasks" }

// settingRow mirrors the settings key-value table.
type settingRow struct {
	Key             string `gorm:"column:key;primaryKey"`
	Value           string `gorm:"column:value"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_millis"`
}

func (settingRow) TableName() string { return "settings" }

// downloadLocationRow backs the saved download-destination shortcuts a
// user can pick from instead of typing a path each time.
type downloadLocationRow struct {
	Path     string `gorm:"column:path;primaryKey"`
	Nickname string `gorm:"column:nickname"`
}

func (downloadLocationRow) TableName() string { return "download_locations" }

// dailyStatRow backs the daily transfer statistics feature.
type dailyStatRow struct {
	Date  string `gorm:"column:date;primaryKey"`
	Bytes int64  `gorm:"column:bytes"`
	Files int64  `gorm:"column:files"`
}

func (dailyStatRow) TableName() string { return "daily_stats" }

// speedTestRow backs the network speed probe history.
type speedTestRow struct {
	ID             uint    `gorm:"column:id;primaryKey;autoIncrement"`
	DownloadMbps   float64 `gorm:"column:download_mbps"`
	UploadMbps     float64 `gorm:"column:upload_mbps"`
	PingMs         int64   `gorm:"column:ping_ms"`
	JitterMs       int64   `gorm:"column:jitter_ms"`
	ISP            string  `gorm:"column:isp"`
	ServerName     string  `gorm:"column:server_name"`
	ServerLocation string  `gorm:"column:server_location"`
	TimestampMillis int64  `gorm:"column:timestamp_millis"`
}

func (speedTestRow) TableName() string { return "speed_test_history" }
