// Package netcheck exposes an optional network speed probe for
// diagnosing a stressed transfer queue. It does not feed back into the
// concurrency limiter; that remains a manual setting.
package netcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// Result is one speed-test outcome.
type Result struct {
	DownloadMbps   float64
	UploadMbps     float64
	PingMs         int64
	JitterMs       int64
	ISP            string
	ServerName     string
	ServerLocation string
}

// Run performs a speed test against the nearest available server.
func Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return nil, fmt.Errorf("netcheck: no internet connection: %w", err)
	}

	serverList, err := speedtest.FetchServers()
	if err != nil {
		return nil, fmt.Errorf("netcheck: fetching servers: %w", err)
	}

	targets, err := serverList.FindServer(nil)
	if err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("netcheck: no speed test servers available")
	}
	server := targets[0]

	if err := server.PingTestContext(ctx, nil); err != nil {
		return nil, fmt.Errorf("netcheck: ping test: %w", err)
	}
	if err := server.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("netcheck: download test: %w", err)
	}
	if err := server.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("netcheck: upload test: %w", err)
	}

	return &Result{
		DownloadMbps:   float64(server.DLSpeed) / 1000 / 1000 * 8,
		UploadMbps:     float64(server.ULSpeed) / 1000 / 1000 * 8,
		PingMs:         int64(server.Latency.Milliseconds()),
		JitterMs:       int64(server.Jitter.Milliseconds()),
		ISP:            user.Isp,
		ServerName:     server.Name,
		ServerLocation: fmt.Sprintf("%s, %s", server.Name, server.Country),
	}, nil
}
