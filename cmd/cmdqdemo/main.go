// Command cmdqdemo drives the cmdqueue scheduler with a frame loop.
//
// By default it runs on the HAL noop device, so it works anywhere:
//
//	cmdqdemo -frames 120 -capture last.bmp
//	cmdqdemo -backend vulkan -v
//	cmdqdemo -backend "" -shaders ./shaders
package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/cmdqueue/backend"
	"github.com/gogpu/cmdqueue/backend/native"
	"github.com/gogpu/cmdqueue/frame"
	"github.com/gogpu/cmdqueue/logsink"
	"github.com/gogpu/cmdqueue/pipeline"
	"github.com/gogpu/cmdqueue/shader"
)

//go:embed shaders/*.wgsl
var builtinShaders embed.FS

func main() {
	var (
		backendName = flag.String("backend", backend.BackendNoop, "device backend: noop, vulkan, or empty for the best available")
		frames      = flag.Int("frames", 60, "number of frames to render")
		pool        = flag.Int("pool", cmdqueue.DefaultPoolSize, "allocator contexts in the pool")
		buffers     = flag.Int("buffers", frame.DefaultBufferCount, "back buffers in the ring")
		width       = flag.Uint("width", 800, "back buffer width")
		height      = flag.Uint("height", 600, "back buffer height")
		capture     = flag.String("capture", "", "write the last frame to this BMP file")
		reportPath  = flag.String("report", "", "write a JSON run summary to this file")
		shaders     = flag.String("shaders", "", "directory of .wgsl/.spv shaders to load instead of the built-in ones")
		shaderLimit = flag.Int("shader-limit", 0, "maximum resident shader modules (0: unlimited)")
		material    = flag.String("material", "clear", "material drawn every frame (a WGSL shader name without extension)")
		logDir      = flag.String("logdir", "", "log file directory (default: Log next to the executable)")
		utf16       = flag.Bool("utf16", false, "write log files as UTF-16LE")
		verbose     = flag.Bool("v", false, "log debug records")
		interval    = flag.Duration("interval", 0, "pause between frames")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	sink, err := logsink.New(logsink.Config{Dir: *logDir, Level: level, UTF16: *utf16})
	if err != nil {
		log.Fatalf("Failed to open log sink: %v", err)
	}
	logger := slog.New(sink.Handler())
	cmdqueue.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = run(ctx, logger, options{
		backend:  *backendName,
		frames:   *frames,
		pool:     *pool,
		buffers:  *buffers,
		width:    uint32(*width),
		height:   uint32(*height),
		capture:  *capture,
		report:   *reportPath,
		shaders:  *shaders,
		limit:    *shaderLimit,
		material: *material,
		interval: *interval,
	})
	stop()
	if err != nil {
		logger.Error("demo failed", logsink.Source("cmdqdemo"), "err", err)
	}
	if cerr := sink.Close(); cerr != nil {
		fmt.Fprintln(os.Stderr, cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}

type options struct {
	backend  string
	frames   int
	pool     int
	buffers  int
	width    uint32
	height   uint32
	capture  string
	report   string
	shaders  string
	limit    int
	material string
	interval time.Duration
}

// openDevice opens the named backend, or the best available one when name
// is empty.
func openDevice(name string) (*native.Device, error) {
	dev, err := backend.Open(name)
	if err != nil {
		return nil, err
	}
	nd, ok := dev.(*native.Device)
	if !ok {
		dev.Close()
		return nil, fmt.Errorf("backend %q is not a HAL device", name)
	}
	return nd, nil
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	log := logger.With(logsink.Source("cmdqdemo"))

	dev, err := openDevice(opts.backend)
	if err != nil {
		return err
	}
	defer dev.Close()
	log.Info("device opened", "backend", opts.backend, "adapter", dev.AdapterName())

	q, err := cmdqueue.New(dev,
		cmdqueue.WithPoolSize(opts.pool),
		cmdqueue.WithLogger(logger.With(logsink.Source("queue"))),
		cmdqueue.WithFatalHandler(func(err error) {
			logsink.Fatal(logger, "device failure", logsink.Source("queue"), "err", err)
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Shutdown(context.Background()); err != nil {
			log.Warn("queue shutdown", "err", err)
		}
	}()

	cache, err := loadShaders(dev, opts.shaders,
		shader.WithLimit(opts.limit),
		shader.WithLogger(logger.With(logsink.Source("shader"))))
	if err != nil {
		return err
	}
	defer cache.Close()
	log.Info("shaders loaded", "names", cache.Names())

	pipes, err := buildMaterials(dev, cache, logger.With(logsink.Source("pipeline")))
	if err != nil {
		return err
	}
	defer pipes.Close()
	log.Info("materials built", "names", pipes.Names(), "pipelines", pipes.Len())

	var draw frame.DrawFunc
	draws := 0
	if slices.Contains(pipes.Names(), opts.material) {
		draw = func(rp hal.RenderPassEncoder) {
			if pipes.Bind(rp, opts.material) == nil {
				rp.Draw(3, 1, 0, 0)
				draws++
			}
		}
	} else {
		log.Warn("material not available, frames are only cleared", "material", opts.material)
	}
	drv, err := frame.New(q, dev, frame.Config{
		Width:       opts.width,
		Height:      opts.height,
		BufferCount: opts.buffers,
		Logger:      logger.With(logsink.Source("frame")),
		Draw:        draw,
	})
	if err != nil {
		return err
	}
	defer drv.Close(context.Background())

	start := time.Now()
	for i := 0; i < opts.frames; i++ {
		if ctx.Err() != nil {
			log.Info("interrupted", "frame", i)
			break
		}
		if err := drv.Update(); err != nil && !errors.Is(err, frame.ErrFrameSkipped) {
			return err
		}
		if opts.interval > 0 {
			time.Sleep(opts.interval)
		}
	}
	if err := q.WaitForGPU(ctx); err != nil {
		return err
	}

	elapsed := time.Since(start)
	s := drv.Stats()
	log.Info("frames done",
		"submitted", s.Submitted, "skipped", s.Skipped, "draws", draws,
		"elapsed", elapsed.Round(time.Millisecond), "queue", q.Stats().String())

	if opts.report != "" {
		w, h := drv.Size()
		err := writeReport(opts.report, report{
			Backend:   opts.backend,
			Adapter:   dev.AdapterName(),
			Width:     w,
			Height:    h,
			Frames:    s,
			Queue:     q.Stats(),
			Shaders:   cache.Names(),
			Materials: pipes.Names(),
		}, elapsed)
		if err != nil {
			return err
		}
	}

	if opts.capture != "" {
		f, err := os.Create(opts.capture)
		if err != nil {
			return err
		}
		if err := drv.Capture(ctx, f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Info("frame captured", "file", opts.capture)
	}
	return nil
}

// buildMaterials creates one material per loaded WGSL shader, named after
// the file without its extension. Shaders that do not build are skipped.
func buildMaterials(dev *native.Device, shaders *shader.Cache, log *slog.Logger) (*pipeline.Cache, error) {
	pipes := pipeline.New(dev, shaders, log)
	if err := pipes.SetLayout("main"); err != nil {
		pipes.Close()
		return nil, err
	}
	for _, name := range shaders.Names() {
		if path.Ext(name) != ".wgsl" {
			continue
		}
		err := pipes.CreateMaterial(pipeline.Material{
			Name:     strings.TrimSuffix(name, ".wgsl"),
			Vertex:   name,
			Fragment: name,
			Format:   frame.BackBufferFormat,
		})
		if err != nil {
			log.Warn("material skipped", "shader", name, "err", err)
		}
	}
	return pipes, nil
}

// loadShaders compiles the shaders in dir, or the built-in ones when dir
// is empty.
func loadShaders(dev *native.Device, dir string, opts ...shader.Option) (*shader.Cache, error) {
	var (
		fsys  fs.FS
		cache *shader.Cache
	)
	if dir == "" {
		sub, err := fs.Sub(builtinShaders, "shaders")
		if err != nil {
			return nil, err
		}
		fsys, cache = sub, shader.NewCacheFS(sub, dev, opts...)
	} else {
		c, err := shader.NewCache(dir, dev, opts...)
		if err != nil {
			return nil, err
		}
		fsys, cache = os.DirFS(dir), c
	}

	var names []string
	for _, pattern := range []string{"*.wgsl", "*.spv"} {
		matches, err := fs.Glob(fsys, pattern)
		if err != nil {
			cache.Close()
			return nil, err
		}
		names = append(names, matches...)
	}
	if _, err := cache.LoadAll(names...); err != nil {
		cmdqueue.Logger().Warn("some shaders were skipped", "err", err)
	}
	return cache, nil
}
