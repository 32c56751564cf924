package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/handwave/internal/app"
	"github.com/ayusman/handwave/internal/assets"
	"github.com/ayusman/handwave/internal/capture"
	"github.com/ayusman/handwave/internal/classifier"
	"github.com/ayusman/handwave/internal/config"
	"github.com/ayusman/handwave/internal/detector"
	"github.com/ayusman/handwave/internal/logger"
	"github.com/ayusman/handwave/internal/overlay"
	"github.com/ayusman/handwave/internal/server"
	"github.com/ayusman/handwave/internal/store"
	"github.com/ayusman/handwave/internal/tray"
)

func main() {
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "handwave: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "handwave: log level: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, logrus.NewEntry(log)); err != nil {
		log.WithError(err).Fatal("handwave failed")
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogEntry(ctx, log)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	cache, closeCache, err := openCache(cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	fetcher, err := assets.NewFetcher(assets.Options{
		BaseURL: cfg.AssetBaseURL,
		Cache:   cache,
		Log:     log.WithField("component", "assets"),
	})
	if err != nil {
		return err
	}

	detCfg := detector.DefaultConfig()
	detCfg.MaxHands = cfg.MaxHands
	detCfg.MinConfidence = cfg.MinConfidence
	det := detector.NewAdapter(detector.MediaPipeFactory(fetcher, cfg.DetectorModelURL, cfg.DataDir, detector.MediaPipeOptions{
		Config:     detCfg,
		PythonPath: cfg.PythonPath,
		ScriptPath: cfg.ScriptPath,
		Log:        log.WithField("component", "mediapipe"),
	}))

	var clf *classifier.Classifier
	if cfg.Classifier {
		clf, err = classifier.New(fetcher, classifier.Options{
			ModelURL:  cfg.ModelURL,
			LabelsURL: cfg.LabelsURL,
			Format:    cfg.ModelFormat,
			ONNX: classifier.ONNXOptions{
				InputName:   cfg.ONNXInput,
				OutputName:  cfg.ONNXOutput,
				LibraryPath: cfg.ONNXLibrary,
			},
		})
		if err != nil {
			return err
		}
	}

	policy, err := capture.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}

	layer := overlay.NewMatCanvas(cfg.Width, cfg.Height)
	defer layer.Close()

	a, err := app.New(app.Config{
		Camera: capture.NewCamera(cfg.CameraID, cfg.Width, cfg.Height),
		Capture: capture.Options{
			Width:           cfg.Width,
			Height:          cfg.Height,
			FPS:             cfg.FPS,
			Mirror:          cfg.Mirror,
			Policy:          policy,
			IdleFPS:         cfg.IdleFPS,
			IdleTimeout:     cfg.IdleTimeout,
			MotionThreshold: cfg.MotionThreshold,
		},
		Detector:   det,
		Classifier: clf,
		Layer:      layer,
		Log:        log,
	})
	if err != nil {
		return err
	}

	webDir := cfg.WebDir
	if webDir == "" {
		webDir = findWebDir()
	}
	if webDir != "" {
		log.WithField("dir", webDir).Info("serving viewer files")
	}
	srv := server.New(server.Config{StaticDir: webDir, App: a, Log: log})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Addr) })

	if !cfg.Tray {
		return g.Wait()
	}

	// The tray owns the main goroutine; it quits when the pipeline stops.
	t := tray.New()
	t.OnToggle(a.SetEnabled)
	t.OnReload(func() {
		if err := a.Reload(gctx); err != nil {
			log.WithError(err).Warn("reload failed")
		}
	})
	t.OnViewer(func() {
		if err := openBrowser(viewerURL(cfg.Addr)); err != nil {
			log.WithError(err).Warn("open viewer")
		}
	})
	t.OnQuit(cancel)

	snapshots, unsubscribe := a.Display().Subscribe()
	go t.Watch(snapshots)
	go func() {
		<-gctx.Done()
		unsubscribe()
		t.Quit()
	}()

	t.Run()
	cancel()
	return g.Wait()
}

// openCache returns the response cache selected by cfg.CacheMode and a func
// releasing it.
func openCache(cfg *config.Config, log *logrus.Entry) (httpcache.Cache, func(), error) {
	switch cfg.CacheMode {
	case config.CacheSQLite:
		st, err := store.New(filepath.Join(cfg.DataDir, "assets.db"))
		if err != nil {
			return nil, nil, errors.Wrap(err, "open asset cache")
		}
		if err := maintainCache(st.Assets(), cfg.PurgeCache, log); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st.Assets(), func() { st.Close() }, nil
	case config.CacheMemory:
		return assets.NewMemoryCache(256<<20, 24*time.Hour), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

// maintainCache logs what the asset cache holds and empties it when purge
// is set.
func maintainCache(repo *store.AssetRepository, purge bool, log *logrus.Entry) error {
	cached, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list cached assets")
	}
	var size int64
	for _, a := range cached {
		size += a.Size
	}
	log.WithFields(logrus.Fields{
		"assets": len(cached),
		"bytes":  size,
	}).Info("asset cache")

	if !purge {
		return nil
	}
	n, err := repo.Purge()
	if err != nil {
		return errors.Wrap(err, "purge asset cache")
	}
	log.WithField("removed", n).Info("asset cache purged")
	return nil
}

func viewerURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/"
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.handwave/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".handwave", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
