package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blastline/campaign-engine/pkg/logger"
	"github.com/blastline/campaign-engine/pkg/redis"
	"github.com/google/uuid"
)

var ErrLeaseHeld = errors.New("campaign lease held by another dispatcher")

// LeaseConfig tunes the per-campaign dispatch lock.
type LeaseConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		TTL:       60 * time.Second,
		KeyPrefix: "dispatch:lease:",
	}
}

// LeaseService hands out exclusive per-campaign dispatch leases backed by
// redis SETNX. At most one dispatcher replica processes a campaign at a time;
// a crashed holder's lease expires with the TTL and the campaign becomes
// claimable again.
type LeaseService struct {
	redis  redis.RedisAdapter
	config LeaseConfig
}

func NewLeaseService(redisAdapter redis.RedisAdapter, config LeaseConfig) *LeaseService {
	if config.TTL == 0 {
		config.TTL = 60 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "dispatch:lease:"
	}
	return &LeaseService{redis: redisAdapter, config: config}
}

// Lease is a held campaign lock. Release it when the tick finishes.
type Lease struct {
	CampaignID int64
	Holder     string
	held       bool
	service    *LeaseService
}

func (s *LeaseService) key(campaignID int64) string {
	return fmt.Sprintf("%s%d", s.config.KeyPrefix, campaignID)
}

// Acquire takes the campaign lease, or returns ErrLeaseHeld when another
// dispatcher already owns it.
func (s *LeaseService) Acquire(ctx context.Context, campaignID int64) (*Lease, error) {
	holder := uuid.NewString()

	acquired, err := s.redis.SetNX(s.key(campaignID), []byte(holder), s.config.TTL)
	if err != nil {
		return nil, fmt.Errorf("acquire campaign lease: %w", err)
	}
	if !acquired {
		return nil, ErrLeaseHeld
	}

	logger.Debug("Campaign lease acquired", "campaign_id", campaignID, "holder", holder, "ttl", s.config.TTL)

	return &Lease{
		CampaignID: campaignID,
		Holder:     holder,
		held:       true,
		service:    s,
	}, nil
}

// Renew extends the lease for long-running ticks. The holder check keeps a
// dispatcher from refreshing a lease it already lost to TTL expiry.
func (l *Lease) Renew(ctx context.Context) error {
	if !l.held {
		return nil
	}
	current, err := l.service.redis.Get(l.service.key(l.CampaignID))
	if err != nil {
		if err == redis.NilError {
			l.held = false
			return ErrLeaseHeld
		}
		return err
	}
	if string(current) != l.Holder {
		l.held = false
		return ErrLeaseHeld
	}
	return l.service.redis.Set(l.service.key(l.CampaignID), []byte(l.Holder), l.service.config.TTL)
}

// Release drops the lease. Only the holder's own lease is deleted.
func (l *Lease) Release(ctx context.Context) {
	if !l.held {
		return
	}
	l.held = false

	key := l.service.key(l.CampaignID)
	current, err := l.service.redis.Get(key)
	if err != nil {
		if err != redis.NilError {
			logger.Warn("Failed to read lease on release", "campaign_id", l.CampaignID, "error", err)
		}
		return
	}
	if string(current) != l.Holder {
		// Lease expired and somebody else took it; leave theirs alone.
		return
	}
	if err := l.service.redis.Del(key); err != nil {
		logger.Warn("Failed to release campaign lease", "campaign_id", l.CampaignID, "error", err)
	}
}
