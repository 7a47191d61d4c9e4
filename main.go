package main

import (
	"embed"
	"io"
	"os"

	"github.com/getlantern/systray"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/menu"
	"github.com/wailsapp/wails/v2/pkg/menu/keys"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/app"
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/config"
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/control"
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/core"
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/logger"
	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/storage"
)

//go:embed all:frontend/dist
var assets embed.FS

//go:embed build/appicon.png
var appIcon []byte

func main() {
	startHidden := false
	for _, arg := range os.Args {
		if arg == "--minimized" {
			startHidden = true
		}
	}

	var logOutput io.Writer = os.Stdout
	log, wailsHandler, err := logger.New(logOutput)
	if err != nil {
		println("error initializing logger:", err.Error())
		return
	}

	dataDir, err := os.UserConfigDir()
	if err != nil {
		log.Error("resolving config dir", "error", err)
		return
	}

	store, err := storage.Open(dataDir + "/SkyDriveX/skydrivex.db")
	if err != nil {
		log.Error("opening storage", "error", err)
		return
	}
	defer store.Close()

	cfg := config.NewConfigManager(store)
	creds := core.NewEnvCredentialProvider("SKYDRIVEX_BEARER_TOKEN")
	bandwidth := core.NewBandwidthManager()
	adapter := core.NewHTTPAdapter(log, bandwidth)

	downloads, err := core.NewDownloadManager(log, store, adapter, creds, cfg.GetDownloadMaxConcurrency())
	if err != nil {
		log.Error("initializing download manager", "error", err)
		return
	}
	uploads, err := core.NewUploadManager(log, store, adapter, creds, cfg.GetUploadMaxConcurrency())
	if err != nil {
		log.Error("initializing upload manager", "error", err)
		return
	}
	downloads.SetStatsRecorder(store)
	uploads.SetStatsRecorder(store)
	core.InitDefault(downloads, uploads)

	controlServer := control.New(log, downloads, uploads, cfg.GetControlToken())
	if err := controlServer.Start(cfg.GetControlPort()); err != nil {
		log.Warn("control server did not start", "error", err)
	}

	a := app.NewApp(log, downloads, uploads, wailsHandler, cfg, store)

	core.WaitForSignals(func() {
		log.Info("OS signal received, initiating shutdown")
		core.ShutdownDefault()
		_ = store.Checkpoint()
		a.QuitApp()
	})

	go func() {
		systray.Run(func() {
			systray.SetIcon(appIcon)
			systray.SetTitle("SkyDrive X")
			systray.SetTooltip("SkyDrive X Desktop")

			mOpen := systray.AddMenuItem("Open SkyDrive X", "Restore the window")
			mPause := systray.AddMenuItem("Pause All Downloads", "Cancel every active download")
			mResume := systray.AddMenuItem("Resume All Downloads", "Re-enqueue cancelled or interrupted downloads")
			systray.AddSeparator()
			mQuit := systray.AddMenuItem("Quit", "Quit the application")

			go func() {
				for {
					select {
					case <-mOpen.ClickedCh:
						a.ShowApp()
					case <-mPause.ClickedCh:
						a.PauseAllDownloads()
					case <-mResume.ClickedCh:
						a.ResumeAllDownloads()
					case <-mQuit.ClickedCh:
						a.QuitApp()
					}
				}
			}()
		}, func() {})
	}()

	appMenu := menu.NewMenu()
	fileMenu := appMenu.AddSubmenu("File")
	fileMenu.AddText("Open SkyDrive X", keys.CmdOrCtrl("o"), func(_ *menu.CallbackData) {
		a.ShowApp()
	})
	fileMenu.AddSeparator()
	fileMenu.AddText("Quit", keys.CmdOrCtrl("q"), func(_ *menu.CallbackData) {
		a.QuitApp()
	})

	err = wails.Run(&options.App{
		Title:  "SkyDrive X Desktop",
		Width:  1024,
		Height: 768,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 27, G: 38, B: 54, A: 1},
		OnStartup:        a.Startup,
		OnBeforeClose:    a.BeforeClose,
		StartHidden:      startHidden,
		Menu:             appMenu,
		Bind: []interface{}{
			a,
		},
	})
	if err != nil {
		println("error:", err.Error())
	}
}
