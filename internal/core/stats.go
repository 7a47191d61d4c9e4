package core

// StatsRecorder accumulates transfer statistics. It is optional: a nil
// recorder disables stats entirely, and recording failures are logged,
// never surfaced into task state.
type StatsRecorder interface {
	// RecordCompleted is invoked once per successfully completed
	// transfer with the final byte count.
	RecordCompleted(bytes int64) error
}

// SetStatsRecorder attaches a stats recorder; call before any worker can
// reach a terminal transition (normally right after construction).
func (m *DownloadManager) SetStatsRecorder(s StatsRecorder) { m.stats = s }

// SetStatsRecorder attaches a stats recorder to the upload manager.
func (m *UploadManager) SetStatsRecorder(s StatsRecorder) { m.stats = s }
