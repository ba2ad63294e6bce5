package killswitch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyrisk/internal/ports"
)

const (
	DefaultMonitorInterval = 30 * time.Second
	DefaultReadTimeout     = 10 * time.Second
)

// Monitor feeds balance readings into the kill switch at a bounded rate and
// reacts to the emergency sentinel as soon as it appears on disk.
type Monitor struct {
	ks          *KillSwitch
	balances    ports.BalanceProvider
	limiter     *rate.Limiter
	interval    time.Duration
	readTimeout time.Duration

	// OnTrigger is called after a check trips the switch. Optional.
	OnTrigger func(ctx context.Context)
}

// NewMonitor creates a monitor polling at most once per interval.
// balances may be nil, in which case only the sentinel is checked.
func NewMonitor(ks *KillSwitch, balances ports.BalanceProvider, interval, readTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Monitor{
		ks:          ks,
		balances:    balances,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		interval:    interval,
		readTimeout: readTimeout,
	}
}

// Run polls until ctx is cancelled. The sentinel watcher is best effort: when
// fsnotify cannot watch the directory, the sentinel is still seen on every poll.
func (m *Monitor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if w, err := m.watchSentinel(); err != nil {
		slog.Warn("kill switch monitor: sentinel watch disabled", "path", m.ks.SentinelPath(), "err", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.Close()
			m.watchLoop(ctx, w)
		}()
	}

	slog.Info("kill switch monitor started",
		"interval", m.interval,
		"sentinel", m.ks.SentinelPath(),
	)
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			break
		}
		m.Poll(ctx)
	}

	wg.Wait()
	slog.Info("kill switch monitor stopped")
	return nil
}

// Poll runs one check, with a fresh balance when one can be read in time.
func (m *Monitor) Poll(ctx context.Context) {
	var (
		triggered bool
		err       error
	)
	if bal, ok := m.readBalance(ctx); ok {
		triggered, err = m.ks.CheckBalance(ctx, bal)
	} else {
		triggered, err = m.ks.Check(ctx)
	}
	m.handle(ctx, triggered, err)
}

func (m *Monitor) readBalance(ctx context.Context) (float64, bool) {
	if m.balances == nil {
		return 0, false
	}
	readCtx, cancel := context.WithTimeout(ctx, m.readTimeout)
	defer cancel()

	bal, err := m.balances.GetBalance(readCtx)
	if err != nil {
		slog.Warn("kill switch monitor: balance read failed", "err", err)
		return 0, false
	}
	return bal, true
}

func (m *Monitor) handle(ctx context.Context, triggered bool, err error) {
	if err != nil {
		slog.Error("kill switch monitor: check failed", "err", err)
		return
	}
	if triggered && m.OnTrigger != nil {
		m.OnTrigger(ctx)
	}
}

// watchSentinel watches the sentinel's directory: the file itself does not
// exist until someone creates it.
func (m *Monitor) watchSentinel() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(m.ks.SentinelPath())); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (m *Monitor) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	target := filepath.Clean(m.ks.SentinelPath())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			slog.Warn("kill switch monitor: sentinel file detected", "path", ev.Name)
			triggered, err := m.ks.Check(ctx)
			m.handle(ctx, triggered, err)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("kill switch monitor: watcher error", "err", err)
		}
	}
}
