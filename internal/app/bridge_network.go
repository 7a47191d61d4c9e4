package app

import (
	"context"

	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/netcheck"
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/storage"
)

// RunSpeedTest is exposed to the frontend as an optional diagnostic for a
// stressed transfer queue; it does not feed back into the concurrency
// limiter.
func (a *App) RunSpeedTest() (*netcheck.Result, string) {
	result, err := netcheck.Run(context.Background())
	if err != nil {
		a.logger.Error("speed test failed", "error", err)
		return nil, err.Error()
	}
	if err := a.store.SaveSpeedTest(storage.SpeedTestResult{
		DownloadMbps:   result.DownloadMbps,
		UploadMbps:     result.UploadMbps,
		PingMs:         result.PingMs,
		JitterMs:       result.JitterMs,
		ISP:            result.ISP,
		ServerName:     result.ServerName,
		ServerLocation: result.ServerLocation,
	}); err != nil {
		a.logger.Warn("saving speed test result", "error", err)
	}
	return result, ""
}
