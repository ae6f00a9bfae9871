package fps

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"time"
)

// Pollers runs the two periodic fleet sweeps. The status poller is the
// source of collision events; the position poller keeps (alpha, beta)
// fresh between moves.
type Pollers struct {
	fps *FPS
	log *logrus.Entry

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newPollers(f *FPS) *Pollers {
	return &Pollers{
		fps: f,
		log: logrus.WithField("mod", "pollers"),
	}
}

// Start launches both pollers. No-op when already running.
func (p *Pollers) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})

	p.wg.Add(2)
	go p.run("status", p.fps.cfg.Pollers.StatusEvery(), p.fps.UpdateStatus)
	go p.run("position", p.fps.cfg.Pollers.PositionEvery(), p.fps.UpdatePositions)
}

func (p *Pollers) run(name string, interval time.Duration, poll func(context.Context) error) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval*2)
			// poll retries once internally; on the second failure it has
			// already emitted an alert, so just log and keep the cadence
			if err := poll(ctx); err != nil {
				p.log.WithError(err).WithField("poller", name).Warn("poll failed")
			}
			cancel()
		}
	}
}

// Stop halts both pollers and waits for them.
func (p *Pollers) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
}
