package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/yok-tottii/EzS2T-Mix/internal/clipboard"
	"github.com/yok-tottii/EzS2T-Mix/internal/config"
	"github.com/yok-tottii/EzS2T-Mix/internal/devices"
	"github.com/yok-tottii/EzS2T-Mix/internal/enhance"
	"github.com/yok-tottii/EzS2T-Mix/internal/hotkey"
	"github.com/yok-tottii/EzS2T-Mix/internal/logger"
	"github.com/yok-tottii/EzS2T-Mix/internal/notification"
	"github.com/yok-tottii/EzS2T-Mix/internal/permissions"
	"github.com/yok-tottii/EzS2T-Mix/internal/recognition"
	"github.com/yok-tottii/EzS2T-Mix/internal/recognition/whisper"
	"github.com/yok-tottii/EzS2T-Mix/internal/recording"
	"github.com/yok-tottii/EzS2T-Mix/internal/server"
	"github.com/yok-tottii/EzS2T-Mix/internal/tray"
)

const appName = "EzS2T-Mix"

// App holds all application state
type App struct {
	ctx        context.Context
	configPath string
	cfg        *config.Config
	logs       *logger.Backend
	log        slog.Logger

	perms   *permissions.PermissionChecker
	notes   *notification.NotificationManager
	reg     *devices.Registry
	rec     *recording.Controller
	engine  *whisper.Engine
	pipe    *pipeline
	hk      *hotkey.Manager
	trayMgr *tray.Manager
	api     *server.Handler
	srv     *server.Server

	loops *errgroup.Group
}

// runApp runs the menu bar app until the tray quits or ctx is cancelled.
func runApp(ctx context.Context, flags rootFlags) error {
	cfg, logs, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer logs.Close()

	log := logs.Logger(logger.Main)
	log.Infof("%s v%s starting", appName, version)

	sys, closeSys, err := openSystem(logs)
	if err != nil {
		return fmt.Errorf("failed to open audio system: %w", err)
	}
	defer closeSys()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshot := cfg.Clone()
	a := &App{
		ctx:        ctx,
		configPath: flags.configPath,
		cfg:        cfg,
		logs:       logs,
		log:        log,
		perms:      permissions.NewPermissionChecker(),
		notes:      notification.NewNotificationManager(appName, logs.Logger(logger.Main)),
		reg:        devices.New(sys, logs.Logger(logger.Devices)),
		engine:     whisper.New(),
	}
	defer a.engine.Close()

	a.rec = recording.New(sys, a.reg, recording.Config{
		MaxDuration: time.Duration(snapshot.MaxRecordTime) * time.Second,
		TempDir:     os.TempDir(),
	}, logs.Logger(logger.Recorder),
		recording.WithPermissionGate(a.perms.RequireMicrophone),
		recording.WithMixerLogger(logs.Logger(logger.Mixer)))
	defer a.rec.Close()

	clip := clipboard.DefaultConfig()
	clip.SplitSize = snapshot.PasteSplitSize
	a.pipe = &pipeline{
		log:   logs.Logger(logger.Speech),
		stt:   recognition.New(a.engine, logs.Logger(logger.Speech)),
		ready: a.engine.Loaded,
		enhancer: func() textEnhancer {
			return enhance.FromConfig(a.cfg.EnhancementSettings(), logs.Logger(logger.Enhance))
		},
		paste:     clipboard.NewManager(clip, logs.Logger(logger.Paste)),
		pasteGate: a.perms.RequireAccessibility,
		options: func() recognition.Options {
			opts := recognition.DefaultOptions()
			opts.Language = a.cfg.Clone().Language
			opts.Threads = runtime.NumCPU()
			return opts
		},
		keepAudio: flags.keepAudio,
	}
	a.loadModel()

	a.hk = hotkey.New(logs.Logger(logger.Hotkey))
	defer a.hk.Close()

	a.api = server.NewHandler(server.HandlerConfig{
		Config:          cfg,
		ConfigPath:      flags.configPath,
		Recorder:        a.rec,
		Devices:         a.reg,
		Permissions:     a.perms,
		ModelsDir:       recognition.GetDefaultModelPath(),
		OnHotkeyChanged: a.reloadHotkey,
	}, logs.Logger(logger.Server))
	srvCfg := server.DefaultConfig()
	srvCfg.Port = snapshot.ServerPort
	a.srv = server.New(srvCfg, server.WithTimeout(a.api.Routes()), logs.Logger(logger.Server))
	defer a.srv.Stop()

	a.trayMgr = tray.NewManager(tray.Config{
		OnReady:        a.onReady,
		OnToggleRecord: func() { go a.toggleRecording() },
		OnDeviceChange: func(uid string) { go a.selectMicrophone(uid) },
		OnSystemAudio:  a.setSystemAudio,
		OnSettings:     a.openSettings,
		OnQuit:         cancel,
		SystemAudioOn:  snapshot.Recording.EnableSystemAudioMixing,
	}, logs.Logger(logger.Tray))

	a.loops, ctx = errgroup.WithContext(ctx)
	a.ctx = ctx
	go func() {
		<-ctx.Done()
		a.trayMgr.Quit()
	}()

	a.trayMgr.Run()

	cancel()
	if err := a.loops.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Background task failed: %v", err)
	}
	log.Infof("%s stopped", appName)
	return nil
}

// onReady runs once the tray is up.
func (a *App) onReady() {
	a.loops.Go(a.meterLoop)
	a.loops.Go(a.resultsLoop)

	if err := config.Watch(a.ctx, a.configPath, a.logs.Logger(logger.Settings), a.applyConfig); err != nil {
		a.log.Warnf("Configuration changes will not be picked up: %v", err)
	}

	if err := a.perms.RequireMicrophone(); err != nil {
		a.report(a.notes.MicrophonePermissionDenied())
	}
	if err := a.perms.RequireAccessibility(); err != nil {
		a.log.Warnf("Hotkey and paste need accessibility access: %v", err)
		a.report(a.notes.AccessibilityPermissionDenied())
	} else if err := a.reloadHotkey(); err != nil {
		a.log.Errorf("Failed to register hotkey: %v", err)
		a.report(a.notes.SendError(appName, err.Error()))
	}
	a.loops.Go(a.hotkeyLoop)

	a.refreshDevices()

	if err := a.srv.Start(); err != nil {
		a.log.Errorf("Settings server unavailable: %v", err)
	}

	hc, _ := a.cfg.HotkeySettings()
	fmt.Printf("%s v%s is running\n", appName, version)
	fmt.Printf("  Settings: %s\n", a.srv.URL())
	fmt.Printf("  Hotkey:   %s\n", hotkey.FormatHotkey(hc))
	fmt.Printf("  Quit with Ctrl+C or from the menu bar\n")
}

func (a *App) report(err error) {
	if err != nil && !errors.Is(err, notification.ErrUnsupported) {
		a.log.Debugf("Notification failed: %v", err)
	}
}

// reloadHotkey registers the configured binding, replacing the active one.
func (a *App) reloadHotkey() error {
	hc, mode := a.cfg.HotkeySettings()
	for _, c := range hotkey.CheckConflicts(hc) {
		a.log.Warnf("Hotkey %s is also used by %s (%s)", hotkey.FormatHotkey(hc), c.Name, c.Description)
	}
	binding, err := hotkey.FromConfig(hc, mode)
	if err != nil {
		return err
	}
	return a.hk.Rebind(binding)
}

func (a *App) hotkeyLoop() error {
	events := a.hk.Events()
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debugf("Hotkey %s", ev.Type)
			switch ev.Type {
			case hotkey.Pressed:
				a.startRecording()
			case hotkey.Released:
				a.stopRecording()
			}
		}
	}
}

func (a *App) toggleRecording() {
	if a.rec.State() == recording.Idle {
		a.startRecording()
	} else {
		a.stopRecording()
	}
}

func (a *App) startRecording() {
	rc := a.cfg.RecordingSettings()
	if id := rc.SelectedMicrophoneID; id != nil {
		if _, ok := a.reg.Lookup(*id); !ok {
			a.report(a.notes.DeviceNotFound(*id))
		}
	}

	err := a.rec.Start(a.ctx, rc)
	switch {
	case err == nil:
		a.trayMgr.SetState(tray.StateRecording)
		if s, ok := a.rec.Session(); ok && rc.EnableSystemAudioMixing && !s.SystemAudio {
			a.report(a.notes.SystemAudioUnavailable())
		}
	case errors.Is(err, permissions.ErrMicrophoneDenied):
		a.report(a.notes.MicrophonePermissionDenied())
		if err := a.perms.RequestMicrophonePermission(); err != nil {
			a.log.Debugf("Failed to open privacy settings: %v", err)
		}
	default:
		a.log.Errorf("Failed to start recording: %v", err)
		a.report(a.notes.RecordingFailed(err.Error()))
	}
}

// stopRecording stops the session; the outcome arrives on resultsLoop.
func (a *App) stopRecording() {
	if _, err := a.rec.Stop(a.ctx); err != nil {
		a.log.Errorf("Failed to stop recording: %v", err)
	}
}

func (a *App) resultsLoop() error {
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case out := <-a.rec.Results():
			if out.AutoStopped {
				limit := time.Duration(a.cfg.Clone().MaxRecordTime) * time.Second
				a.report(a.notes.RecordingTimeExceeded(limit))
			}

			a.trayMgr.SetState(tray.StateProcessing)
			text, err := a.pipe.process(a.ctx, out)
			switch {
			case errors.Is(err, errNoModel):
				path, _ := a.cfg.GetModelPath()
				a.report(a.notes.ModelNotFound(path))
			case errors.Is(err, permissions.ErrAccessibilityDenied):
				a.report(a.notes.AccessibilityPermissionDenied())
			case err != nil:
				a.log.Errorf("Dictation failed: %v", err)
				a.report(a.notes.TranscriptionFailed(err.Error()))
			case text != "":
				a.log.Infof("Pasted %d characters", len([]rune(text)))
			}

			if a.rec.State() == recording.Recording {
				a.trayMgr.SetState(tray.StateRecording)
			} else {
				a.trayMgr.SetState(tray.StateIdle)
			}
		}
	}
}

func (a *App) meterLoop() error {
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case m := <-a.rec.Meters():
			a.trayMgr.SetLevel(m)
			a.api.PublishLevel(m)
		}
	}
}

func (a *App) refreshDevices() {
	a.trayMgr.UpdateDeviceMenu(tray.DeviceItems(a.reg.ListInputDevices(), a.cfg.RecordingSettings().SelectedMicrophoneID))
}

func (a *App) selectMicrophone(uid string) {
	if _, err := a.rec.SelectMicrophone(a.ctx, uid); err != nil {
		a.log.Warnf("Cannot select input %q: %v", uid, err)
		a.reg.Invalidate()
		a.refreshDevices()
		return
	}
	a.cfg.SelectMicrophone(uid)
	a.save()
	a.refreshDevices()
}

func (a *App) setSystemAudio(enabled bool) {
	a.cfg.SetSystemAudioMixing(enabled)
	a.save()
}

func (a *App) save() {
	if err := a.cfg.Save(a.configPath); err != nil {
		a.log.Errorf("Failed to save settings: %v", err)
	}
}

// applyConfig takes over an externally edited configuration file.
func (a *App) applyConfig(n *config.Config) {
	old := a.cfg.Clone()
	a.cfg.Set(n)

	if n.LogLevel != old.LogLevel {
		if err := a.logs.SetLevels(n.LogLevel); err != nil {
			a.log.Warnf("Ignoring log level %q: %v", n.LogLevel, err)
		}
	}
	if n.Hotkey != old.Hotkey || n.RecordingMode != old.RecordingMode {
		if err := a.reloadHotkey(); err != nil {
			a.log.Errorf("Failed to apply hotkey: %v", err)
		}
	}
	if n.ModelPath != old.ModelPath {
		a.loadModel()
	}
	a.trayMgr.SetSystemAudio(n.Recording.EnableSystemAudioMixing)
	a.refreshDevices()
	a.log.Infof("Configuration reloaded")
}

// loadModel loads the configured model, or the recommended model from the
// default model directory when none is configured.
func (a *App) loadModel() {
	path, err := a.cfg.GetModelPath()
	if err == nil && path != "" {
		err = a.cfg.ValidateModelPath()
	}
	if err != nil || path == "" {
		found, ferr := recognition.FindModel("", config.GetRecommendedModelName())
		if ferr != nil {
			a.log.Warnf("No whisper model available: %v", ferr)
			return
		}
		path = found
	}

	began := time.Now()
	if err := a.engine.LoadModel(path); err != nil {
		a.log.Errorf("Failed to load model: %v", err)
		a.report(a.notes.ModelNotFound(path))
		return
	}
	a.log.Infof("Loaded model %s in %v", path, time.Since(began).Round(time.Millisecond))
}

func (a *App) openSettings() {
	if !a.srv.IsRunning() {
		a.log.Errorf("Settings server is not running")
		return
	}
	url := a.srv.URL() + "/api/settings"
	go func() {
		if err := exec.Command("open", url).Run(); err != nil {
			a.log.Warnf("Failed to open %s: %v", url, err)
		}
	}()
}
