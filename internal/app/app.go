// Package app provides the Wails bridge between the frontend and the
// transfer-queue engine.
package app

import (
	"context"
	"log/slog"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/config"
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/core"
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/logger"
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/storage"
)

// App is the main Wails application binding, bridging frontend calls to
// the download/upload managers.
type App struct {
	ctx          context.Context
	logger       *slog.Logger
	wailsHandler *logger.WailsHandler
	downloads    *core.DownloadManager
	uploads      *core.UploadManager
	cfg          *config.ConfigManager
	store        *storage.Storage
	isQuitting   bool
}

func NewApp(
	log *slog.Logger,
	downloads *core.DownloadManager,
	uploads *core.UploadManager,
	wailsHandler *logger.WailsHandler,
	cfg *config.ConfigManager,
	store *storage.Storage,
) *App {
	return &App{
		logger:       log,
		downloads:    downloads,
		uploads:      uploads,
		wailsHandler: wailsHandler,
		cfg:          cfg,
		store:        store,
	}
}

// Startup is called when the Wails runtime is ready. The context is saved
// so bridge methods can call runtime.* and emit events.
func (a *App) Startup(ctx context.Context) {
	a.ctx = ctx
	if a.wailsHandler != nil {
		a.wailsHandler.SetContext(ctx)
	}
	a.logger.Info("app started")
	go a.pumpDownloadProgress()
	go a.pumpUploadProgress()
}

// BeforeClose hides the window instead of exiting, leaving the engine
// running in the system tray until QuitApp is called explicitly.
func (a *App) BeforeClose(ctx context.Context) (prevent bool) {
	if a.isQuitting {
		return false
	}
	a.logger.Info("window close requested, minimizing to tray")
	runtime.WindowHide(ctx)
	return true
}

// QuitApp is invoked from the tray menu to truly exit.
func (a *App) QuitApp() {
	a.isQuitting = true
	runtime.Quit(a.ctx)
}

func (a *App) ShowApp() {
	runtime.WindowShow(a.ctx)
	if runtime.WindowIsMinimised(a.ctx) {
		runtime.WindowUnminimise(a.ctx)
	}
}

func (a *App) GetContext() context.Context { return a.ctx }

// pumpDownloadProgress fans the download progress bus out to the frontend
// as "download:progress" events for the lifetime of the app.
func (a *App) pumpDownloadProgress() {
	_, ch := a.downloads.Subscribe()
	for update := range ch {
		if a.ctx != nil {
			runtime.EventsEmit(a.ctx, "download:progress", update)
		}
	}
}

func (a *App) pumpUploadProgress() {
	_, ch := a.uploads.Subscribe()
	for update := range ch {
		if a.ctx != nil {
			runtime.EventsEmit(a.ctx, "upload:progress", update)
		}
	}
}
