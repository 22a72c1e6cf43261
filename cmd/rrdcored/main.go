// Command rrdcored demonstrates the rrd core by self-monitoring the process
// it runs in: a background collector feeds runtime metrics into a Registry
// at a fixed cadence, and a thin read-only Fiber surface exposes the
// resulting hosts/charts/dimensions as JSON.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	recovermiddleware "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/rrdstore/rrdcore/pkg/persist"
	"github.com/rrdstore/rrdcore/pkg/rrd"
	"github.com/rrdstore/rrdcore/pkg/rrdlog"
)

// Version is overridden at build time.
var Version = "dev"

func main() {
	host := pflag.String("host", "0.0.0.0", "bind address for the query surface")
	port := pflag.Int("port", 19999, "TCP port for the query surface")
	interval := pflag.Duration("interval", time.Second, "self-monitoring collection cadence")
	historyEntries := pflag.Int64("history", 3600, "ring depth, in samples, for every chart")
	cacheDir := pflag.String("cache-dir", "", "directory for map/save mode backing files (empty disables persistence)")
	memoryMode := pflag.String("memory-mode", "ram", "dimension backing: none, ram, map, or save")
	persistInterval := pflag.Duration("persist-interval", 30*time.Second, "checkpoint cadence for map/save mode")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("rrdcored %s\n", Version)
		os.Exit(0)
	}

	rrdlog.Logger = rrdlog.Logger.Level(zerolog.InfoLevel).With().Str("version", Version).Logger()

	mode, ok := persist.ParseMode(*memoryMode)
	if !ok {
		rrdlog.Logger.Fatal().Str("memory-mode", *memoryMode).Msg("unknown memory mode")
	}
	if *cacheDir == "" && (mode == persist.ModeMap || mode == persist.ModeSave) {
		mode = persist.ModeRAM
	}

	defaults := rrd.DefaultDefaults()
	defaults.UpdateEvery = int64(interval.Seconds())
	if defaults.UpdateEvery < 1 {
		defaults.UpdateEvery = 1
	}
	defaults.HistoryEntries = *historyEntries
	defaults.MemoryMode = mode
	defaults.CacheDir = *cacheDir

	registry := rrd.NewRegistry(defaults)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self, err := newSelfCollector(registry, *interval)
	if err != nil {
		rrdlog.Logger.Fatal().Err(err).Msg("failed to set up self-monitoring charts")
	}
	go self.run(ctx)

	if mode != persist.ModeNone && *cacheDir != "" {
		go runPersistLoop(ctx, registry, *persistInterval)
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	app := newAPI(registry)
	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	rrdlog.Logger.Info().Str("addr", addr).Dur("interval", *interval).Msg("listening")
	if err := app.Listen(addr); err != nil {
		rrdlog.Logger.Fatal().Err(err).Msg("fatal")
	}
	registry.Persist()
	registry.Close()
	rrdlog.Logger.Info().Msg("shutdown complete")
}

func runPersistLoop(ctx context.Context, registry *rrd.Registry, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Persist()
		}
	}
}

// selfCollector is a minimal in-process collector: it feeds Go runtime
// metrics into one chart on one host, exercising NextUSec/Set/Done the same
// way an external collector would.
type selfCollector struct {
	host  *rrd.Host
	chart *rrd.Chart

	interval time.Duration
}

func newSelfCollector(registry *rrd.Registry, interval time.Duration) (*selfCollector, error) {
	hostname, _ := os.Hostname()
	host, err := registry.FindOrCreateHostWithAttrs("", hostname, rrd.HostAttrs{
		OSLabel:       runtime.GOOS,
		HealthEnabled: false,
	})
	if err != nil {
		return nil, err
	}
	host.SetDeleteObsoleteFiles(true)

	chart, err := host.CreateChart(rrd.ChartConfig{
		Type:      "rrdcored",
		ID:        "runtime",
		Name:      "rrdcored.runtime",
		Title:     "Go Runtime Metrics",
		Units:     "various",
		Family:    "runtime",
		Context:   "rrdcored.runtime",
		ChartType: rrd.ChartArea,
		Priority:  1000,
	})
	if err != nil {
		return nil, err
	}

	dims := []rrd.DimConfig{
		{ID: "goroutines", Algorithm: rrd.AlgoAbsolute, Multiplier: 1, Divisor: 1},
		{ID: "heap_alloc_bytes", Algorithm: rrd.AlgoAbsolute, Multiplier: 1, Divisor: 1},
		{ID: "gc_pause_ns_total", Algorithm: rrd.AlgoIncremental, Multiplier: 1, Divisor: 1},
	}
	for _, d := range dims {
		if _, err := chart.AddDim(d); err != nil {
			return nil, err
		}
	}

	return &selfCollector{host: host, chart: chart, interval: interval}, nil
}

func (s *selfCollector) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.collectOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectOnce()
		}
	}
}

func (s *selfCollector) collectOnce() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s.chart.NextUSec(0)
	s.chart.Set("goroutines", int64(runtime.NumGoroutine()))
	s.chart.Set("heap_alloc_bytes", int64(m.HeapAlloc))
	s.chart.Set("gc_pause_ns_total", int64(m.PauseTotalNs))
	s.chart.Done()
}

func newAPI(registry *rrd.Registry) *fiber.App {
	app := fiber.New(fiber.Config{ServerHeader: "rrdcored"})
	app.Use(recovermiddleware.New())

	app.Get("/stats", func(c fiber.Ctx) error {
		return c.JSON(registry.Stats())
	})

	app.Get("/hosts", func(c fiber.Ctx) error {
		hosts := registry.Hosts()
		out := make([]hostView, 0, len(hosts))
		for _, h := range hosts {
			out = append(out, newHostView(h))
		}
		return c.JSON(out)
	})

	app.Get("/hosts/:guid/charts", func(c fiber.Ctx) error {
		h, ok := registry.FindHost(c.Params("guid"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown host")
		}
		charts := h.Charts()
		out := make([]chartView, 0, len(charts))
		for _, chart := range charts {
			out = append(out, newChartView(chart, false))
		}
		return c.JSON(out)
	})

	app.Get("/hosts/:guid/charts/:id", func(c fiber.Ctx) error {
		h, ok := registry.FindHost(c.Params("guid"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown host")
		}
		chart, ok := h.FindChart(c.Params("id"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown chart")
		}
		return c.JSON(newChartView(chart, true))
	})

	app.Get("/hosts/:guid/charts/byname/:name", func(c fiber.Ctx) error {
		h, ok := registry.FindHost(c.Params("guid"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown host")
		}
		chart, ok := h.FindChartByName(c.Params("name"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown chart")
		}
		return c.JSON(newChartView(chart, true))
	})

	app.Get("/hosts/:guid/charts/bytype/:type/:id", func(c fiber.Ctx) error {
		h, ok := registry.FindHost(c.Params("guid"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown host")
		}
		chart, ok := h.FindChartByType(c.Params("type"), c.Params("id"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown chart")
		}
		return c.JSON(newChartView(chart, true))
	})

	return app
}

type hostView struct {
	GUID     string `json:"guid"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Orphan   bool   `json:"orphan"`
	Charts   int    `json:"charts"`
}

func newHostView(h *rrd.Host) hostView {
	return hostView{GUID: h.GUID(), Hostname: h.Hostname(), OS: h.OSLabel(), Orphan: h.Orphan(), Charts: len(h.Charts())}
}

type chartView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Title       string    `json:"title"`
	Units       string    `json:"units"`
	UpdateEvery int64     `json:"update_every"`
	Entries     int64     `json:"entries"`
	LastEntryT  int64     `json:"last_entry_t"`
	Dimensions  []dimView `json:"dimensions,omitempty"`
}

type dimView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Algorithm string  `json:"algorithm"`
	Hidden    bool    `json:"hidden"`
	LastValue float64 `json:"last_value,omitempty"`
}

func newChartView(c *rrd.Chart, withDims bool) chartView {
	v := chartView{
		ID:          c.FullID(),
		Name:        c.Name(),
		Title:       c.Title(),
		Units:       c.Units(),
		UpdateEvery: c.UpdateEvery(),
		Entries:     c.Entries(),
		LastEntryT:  c.LastEntryT(),
	}
	if withDims {
		lastSlot := c.LastSlot()
		for _, d := range c.Dims() {
			last, _ := d.Get(lastSlot)
			v.Dimensions = append(v.Dimensions, dimView{
				ID: d.ID(), Name: d.Name(), Algorithm: d.Algorithm().String(), Hidden: d.Hidden(), LastValue: last,
			})
		}
	}
	return v
}
