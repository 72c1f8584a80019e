package bot

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const (
	hostStatsInterval   = 30 * time.Second
	resubscribeInterval = 5 * time.Second
)

var (
	hostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_host_cpu_percent",
		Help: "Host CPU utilisation",
	})
	hostMemPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_host_memory_percent",
		Help: "Host memory utilisation",
	})
	goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_goroutines",
		Help: "Number of goroutines",
	})
	gatewayLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_gateway_latency_sec",
		Help: "Gateway heartbeat latency",
	})
)

// Scheduler runs the bot's background loops: host statistics and the
// rule cache invalidation subscription.
type Scheduler struct {
	bot    *Bot
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new scheduler.
func NewScheduler(b *Bot) *Scheduler {
	return &Scheduler{bot: b, done: make(chan struct{})}
}

// Start begins all background loops.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.runHostStats()
	go s.runInvalidations(ctx)
}

// Stop terminates all background loops and waits for them.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
		return
	default:
	}
	s.bot.Log.Info("Stopping scheduler...")
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.bot.Log.Info("Scheduler stopped.")
}

func (s *Scheduler) runHostStats() {
	defer s.wg.Done()
	ticker := time.NewTicker(hostStatsInterval)
	defer ticker.Stop()
	for {
		s.sampleHost()
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sampleHost() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hostCPUPercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hostMemPercent.Set(vm.UsedPercent)
	}
	goroutines.Set(float64(runtime.NumGoroutine()))
	gatewayLatency.Set(s.bot.Session.HeartbeatLatency().Seconds())
}

// runInvalidations opens the config invalidation subscription, retrying
// until Redis accepts it. Once open, go-redis reconnects and resubscribes
// the channel itself when the connection drops.
func (s *Scheduler) runInvalidations(ctx context.Context) {
	defer s.wg.Done()
	for {
		closeSub, err := s.bot.Engine.Subscribe(ctx)
		if err == nil {
			s.bot.Log.Info("subscribed to rule cache invalidations")
			<-ctx.Done()
			_ = closeSub()
			return
		}
		s.bot.Log.Warn("failed to subscribe to rule cache invalidations", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeInterval):
		}
	}
}
