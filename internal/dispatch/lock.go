package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrLockHeld means another process currently owns the campaign.
var ErrLockHeld = errors.New("dispatch: campaign lock held by another process")

// CampaignLock grants exclusive dispatch ownership of a campaign across
// processes using a redis token lock: at most one runner drives a
// campaign at a time, even with several dispatcher instances running.
type CampaignLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCampaignLock constructs the lock helper.
func NewCampaignLock(client *redis.Client, prefix string, ttl time.Duration) *CampaignLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if prefix == "" {
		prefix = "voicecampaign:dispatch"
	}
	return &CampaignLock{client: client, prefix: prefix, ttl: ttl}
}

// Acquire attempts to take ownership of the campaign. The returned token
// is required to refresh or release.
func (l *CampaignLock) Acquire(ctx context.Context, campaignID uuid.UUID) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(campaignID), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("campaign lock acquire: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Refresh extends the lock TTL if the token still owns it.
func (l *CampaignLock) Refresh(ctx context.Context, campaignID uuid.UUID, token string) error {
	script := redis.NewScript(`
local key = KEYS[1]
if redis.call('GET', key) == ARGV[1] then
  return redis.call('PEXPIRE', key, ARGV[2])
end
return 0
`)
	if _, err := script.Run(ctx, l.client, []string{l.key(campaignID)}, token, l.ttl.Milliseconds()).Int(); err != nil {
		return fmt.Errorf("campaign lock refresh: %w", err)
	}
	return nil
}

// Release frees the lock if the token still owns it.
func (l *CampaignLock) Release(ctx context.Context, campaignID uuid.UUID, token string) error {
	script := redis.NewScript(`
local key = KEYS[1]
if redis.call('GET', key) == ARGV[1] then
  return redis.call('DEL', key)
end
return 0
`)
	if _, err := script.Run(ctx, l.client, []string{l.key(campaignID)}, token).Int(); err != nil {
		return fmt.Errorf("campaign lock release: %w", err)
	}
	return nil
}

func (l *CampaignLock) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("%s:campaign:%s", l.prefix, campaignID.String())
}
