package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jiansoft/autorelease"
	"github.com/jiansoft/robin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// object is a minimal intrusive reference-counted value.
type object struct {
	uid     uint64
	name    string
	refs    int64
	destroy func(*object)
}

func (o *object) Retain() {
	atomic.AddInt64(&o.refs, 1)
}

func (o *object) FinalRelease() {
	if atomic.AddInt64(&o.refs, -1) == 0 {
		o.destroy(o)
	}
}

func (o *object) UID() uint64 {
	return o.uid
}

// registry owns the live objects. It resolves legacy handles and doubles as
// the reference table for saved state.
type registry struct {
	mu      sync.RWMutex
	objects map[uint64]*object
	nextUID uint64
	logger  *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{objects: make(map[uint64]*object), logger: logger}
}

// create registers a new object holding one reference for the caller.
func (r *registry) create(name string) *object {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextUID++
	obj := &object{uid: r.nextUID, name: name, refs: 1, destroy: r.remove}
	r.objects[obj.uid] = obj
	return obj
}

func (r *registry) remove(obj *object) {
	r.mu.Lock()
	delete(r.objects, obj.uid)
	r.mu.Unlock()
	r.logger.Info("object destroyed", "uid", obj.uid, "name", obj.name)
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

func (r *registry) Resolve(h autorelease.Handle) (autorelease.Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[uint64(h)]
	return obj, ok
}

func (r *registry) Reference(obj autorelease.Object) autorelease.Reference {
	return autorelease.Reference(obj.UID())
}

func (r *registry) Dereference(ref autorelease.Reference) (autorelease.Object, bool) {
	return r.Resolve(autorelease.Handle(ref))
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg := autorelease.DefaultConfig()
	if *configPath != "" {
		loaded, err := autorelease.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	logger, closer, err := autorelease.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer closer.Close()

	objects := newRegistry(logger)
	opts := []autorelease.Option{autorelease.WithLogger(logger)}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts = append(opts, autorelease.WithRegisterer(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer server.Close()
	}

	queue := autorelease.New(objects, opts...)
	session := uuid.NewString()
	logger.Info("session started", "session", session, "queue", queue.ID())

	// 模擬多個 producer 同時延長物件生命週期
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		robin.RightNow().Do(func(n int) {
			defer wg.Done()
			obj := objects.create(fmt.Sprintf("%s-%d", session[:8], n))
			queue.Prolong(obj, n%2 == 0)
			// 建立者放手，只剩 queue 持有
			obj.FinalRelease()
		}, i)
	}
	wg.Wait()

	logger.Info("prolonged", "queued", queue.Count(), "alive", objects.count())

	state, err := queue.Save(objects)
	if err != nil {
		logger.Error("save failed", "error", err)
	} else {
		logger.Info("state saved", "bytes", len(state), "version", autorelease.CurrentVersion)
	}

	<-time.After(autorelease.ObjectLifetime + 2*autorelease.TickDuration)
	logger.Info("grace period over", "queued", queue.Count(), "alive", objects.count(), "tick", queue.Tick())

	// 先清空再關閉，release 路徑需要 registry 仍然存在
	queue.Clear()
	queue.Close()

	stats := queue.Statistics()
	logger.Info("done",
		"prolonged", stats.TotalProlonged(),
		"released", stats.TotalReleased(),
		"sweeps", stats.TotalSweeps())
}
