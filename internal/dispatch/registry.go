package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/pkg/logger"
)

// Registry tracks the runners this process owns. Each campaign is guarded
// by a Redis lock so at most one process dispatches it, and by an
// in-process cancel func so a pause takes effect at the next batch
// boundary.
type Registry struct {
	deps Deps
	lock *CampaignLock

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRegistry(deps Deps, lock *CampaignLock) *Registry {
	return &Registry{
		deps:    deps,
		lock:    lock,
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Launch starts the campaign's dispatch loop in the background. It is a
// no-op when this process already runs the campaign, and returns
// ErrLockHeld when another process holds the campaign lock.
func (g *Registry) Launch(ctx context.Context, campaign *domain.Campaign, rates domain.RateSnapshot) error {
	g.mu.Lock()
	if _, ok := g.running[campaign.ID]; ok {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	token, acquired, err := g.lock.Acquire(ctx, campaign.ID)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockHeld
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	g.mu.Lock()
	if _, ok := g.running[campaign.ID]; ok {
		g.mu.Unlock()
		cancel()
		_ = g.lock.Release(ctx, campaign.ID, token)
		return nil
	}
	g.running[campaign.ID] = cancel
	g.mu.Unlock()

	lg := g.deps.Logger.With(zap.String("campaign_id", campaign.ID.String()))
	runner := NewRunner(campaign, rates, g.deps)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.remove(campaign.ID)

		stopRefresh := g.keepLockAlive(runCtx, campaign.ID, token, lg)
		defer stopRefresh()

		if err := runner.Run(runCtx); err != nil && runCtx.Err() == nil {
			lg.Error("campaign runner exited", zap.Error(err))
		}
	}()

	return nil
}

// Stop cancels the campaign's runner if this process owns it. The current
// batch finishes; only future batches are withheld.
func (g *Registry) Stop(campaignID uuid.UUID) {
	g.mu.Lock()
	cancel, ok := g.running[campaignID]
	g.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether this process is dispatching the campaign.
func (g *Registry) Running(campaignID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[campaignID]
	return ok
}

// Resume relaunches runners for campaigns left active by a previous
// process. Each resumed runner re-derives its position from the
// campaign's processed count.
func (g *Registry) Resume(ctx context.Context, rates func(context.Context) (domain.RateSnapshot, error)) error {
	campaigns, err := g.deps.Campaigns.ListByStatus(ctx, domain.CampaignStatusActive, 0)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		snapshot, err := rates(ctx)
		if err != nil {
			return err
		}
		if err := g.Launch(ctx, c, snapshot); err != nil {
			if err == ErrLockHeld {
				continue
			}
			g.deps.Logger.Error("resume campaign",
				zap.String("campaign_id", c.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// Shutdown cancels every runner and waits for them to drain.
func (g *Registry) Shutdown(timeout time.Duration) {
	g.mu.Lock()
	for _, cancel := range g.running {
		cancel()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		g.deps.Logger.Warn("dispatch shutdown timed out")
	}
}

func (g *Registry) remove(campaignID uuid.UUID) {
	g.mu.Lock()
	delete(g.running, campaignID)
	g.mu.Unlock()
}

// keepLockAlive refreshes the campaign lock at a third of its TTL and
// releases it when the runner stops.
func (g *Registry) keepLockAlive(ctx context.Context, campaignID uuid.UUID, token string, lg *logger.Logger) func() {
	ttl := g.deps.Config.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	stopped := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				if err := g.lock.Refresh(ctx, campaignID, token); err != nil {
					lg.Warn("refresh campaign lock", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(stopped)
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.lock.Release(releaseCtx, campaignID, token); err != nil {
			lg.Warn("release campaign lock", zap.Error(err))
		}
	}
}
