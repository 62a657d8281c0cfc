package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Carmen-Shannon/oxy-bvh/engine"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/monitor"
	"github.com/Carmen-Shannon/oxy-bvh/engine/profiler"
	"github.com/urfave/cli"
)

const (
	// orbitStepsPerSecond is how far the camera orbits per second of tick time.
	orbitStepsPerSecond float32 = 30

	// broadcastInterval throttles reports to the monitor clients.
	broadcastInterval = 100 * time.Millisecond
)

// report is the message broadcast to the monitor clients after a frame.
type report struct {
	engine.FrameStats
	Profile *profiler.Snapshot `json:"profile,omitempty"`
}

// Serve renders continuously, applies configuration and shader edits as they are saved and streams the
// frame reports to websocket clients.
func Serve(ctx *cli.Context) error {
	setupLogging(ctx)

	pipes, err := loadPipelines(ctx)
	if err != nil {
		return err
	}
	cfg, err := selectPipeline(ctx, pipes)
	if err != nil {
		return err
	}
	scenes, err := loadScenes(ctx)
	if err != nil {
		return err
	}
	entry, err := sceneEntry(scenes, ctx.String("scene"))
	if err != nil {
		return err
	}

	eng, release, err := engineFromFlags(ctx, cfg, entry,
		engine.WithProfiling(ctx.Bool("profile")),
		engine.WithRenderFrameLimit(ctx.Float64("fps")),
	)
	if err != nil {
		return err
	}
	defer release()

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := &server{
		eng:   eng,
		hub:   monitor.NewHub(),
		pipes: pipes,
	}
	s.orbit.Store(ctx.Bool("orbit"))
	defer s.hub.Close()

	httpServer := &http.Server{Addr: ctx.String("addr"), Handler: s.hub.Handler()}
	go func() {
		logger.Noticef("monitor listening on http://%s/ws", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("monitor: %v", err)
			eng.Quit()
		}
	}()

	if path := ctx.String("pipelines"); path != "" {
		go func() {
			if err := config.WatchPipelines(runCtx, path, s.reloadPipelines); err != nil {
				logger.Warningf("pipelines watch: %v", err)
			}
		}()
	}
	if ctx.String("shaders") != "" {
		go func() {
			if err := eng.ShaderCache().Watch(runCtx); err != nil {
				logger.Warningf("shader watch: %v", err)
			}
		}()
	}
	go func() {
		<-runCtx.Done()
		eng.Quit()
	}()

	eng.SetTickCallback(s.tick)
	eng.SetFrameCallback(s.frame)
	eng.Run()

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	return httpServer.Shutdown(shutdownCtx)
}

// server holds the state the engine callbacks share with the watchers.
type server struct {
	eng engine.Engine
	hub *monitor.Hub

	mu    sync.Mutex
	pipes *config.Pipelines

	orbit         atomic.Bool
	lastBroadcast time.Time
}

// tick applies the commands sent by clients and animates the camera.
func (s *server) tick(dt float32) {
	for drained := false; !drained; {
		select {
		case c := <-s.hub.Commands():
			s.apply(c)
		default:
			drained = true
		}
	}
	if s.orbit.Load() {
		s.eng.Camera().Controller().Orbit(dt * orbitStepsPerSecond)
	}
}

func (s *server) apply(c monitor.Command) {
	if c.Mode != "" {
		m, err := config.ParseVisMode(c.Mode)
		if err != nil {
			logger.Warningf("command: %v", err)
		} else {
			s.eng.SetVisualizationMode(m)
		}
	}
	if c.Pipeline != "" {
		s.mu.Lock()
		cfg, err := s.pipes.Get(c.Pipeline)
		s.mu.Unlock()
		if err != nil {
			logger.Warningf("command: %v", err)
		} else {
			logger.Noticef("switching to pipeline %q", cfg.Name)
			s.eng.Configure(cfg)
		}
	}
	if c.Orbit != nil {
		s.orbit.Store(*c.Orbit)
	}
}

// reloadPipelines re-applies the running pipeline from a freshly loaded pipelines file.
func (s *server) reloadPipelines(p *config.Pipelines) {
	s.mu.Lock()
	s.pipes = p
	s.mu.Unlock()

	cfg, err := p.Get(s.eng.Config().Name)
	if err != nil {
		logger.Warningf("pipeline %q is gone from the reloaded file, keeping it", s.eng.Config().Name)
		return
	}
	logger.Noticef("pipelines file changed, reconfiguring %q", cfg.Name)
	s.eng.Configure(cfg)
}

func (s *server) frame(st engine.FrameStats) {
	if !st.Built && time.Since(s.lastBroadcast) < broadcastInterval {
		return
	}
	s.lastBroadcast = time.Now()
	r := report{FrameStats: st}
	if snap, ok := s.eng.Profiler().Last(); ok {
		r.Profile = &snap
	}
	if err := s.hub.Broadcast(r); err != nil {
		logger.Warningf("broadcast: %v", err)
	}
}
