// Package proxypool rotates egress proxies for unofficial-channel accounts.
// Rotation advances on a per-proxy timer or immediately on an egress failure,
// and the pool index is persisted so rotation survives restarts.
package proxypool

import (
	"context"
	"sync"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/logger"
)

// ProxyStore is the persistence surface for proxy rotation state.
type ProxyStore interface {
	Get(ctx context.Context, id int64) (*model.Proxy, error)
	UpdateRotation(ctx context.Context, id int64, index int, at time.Time) error
}

// AccountSource resolves the proxy assigned to an account, if any.
type AccountSource interface {
	Get(ctx context.Context, id int64) (*model.Account, error)
}

type Manager struct {
	proxies  ProxyStore
	accounts AccountSource

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // per-proxy, serializes rotation
}

func NewManager(proxies ProxyStore, accounts AccountSource) *Manager {
	return &Manager{
		proxies:  proxies,
		accounts: accounts,
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (m *Manager) lockFor(proxyID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[proxyID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[proxyID] = l
	}
	return l
}

// Acquire returns the egress endpoint the account must use right now, or nil
// for direct egress (no proxy assigned). A proxy whose rotation interval has
// elapsed is advanced before being handed out.
func (m *Manager) Acquire(ctx context.Context, accountID int64) (*model.ProxyEndpoint, error) {
	account, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.ProxyID == nil {
		return nil, nil
	}

	l := m.lockFor(*account.ProxyID)
	l.Lock()
	defer l.Unlock()

	proxy, err := m.proxies.Get(ctx, *account.ProxyID)
	if err != nil {
		return nil, err
	}

	if m.rotationDue(proxy, time.Now()) {
		if err := m.advance(ctx, proxy, time.Now()); err != nil {
			return nil, err
		}
	}

	ep := proxy.Current()
	return &ep, nil
}

// ForceRotate advances the pool immediately, regardless of the timer. Called
// when the transport reports an egress-level failure so the next attempt uses
// a different exit.
func (m *Manager) ForceRotate(ctx context.Context, proxyID int64) error {
	l := m.lockFor(proxyID)
	l.Lock()
	defer l.Unlock()

	proxy, err := m.proxies.Get(ctx, proxyID)
	if err != nil {
		return err
	}
	return m.advance(ctx, proxy, time.Now())
}

func (m *Manager) rotationDue(p *model.Proxy, now time.Time) bool {
	if p.RotationInterval == nil || len(p.Pool) < 2 {
		return false
	}
	if p.LastRotatedAt == nil {
		return true
	}
	interval := time.Duration(*p.RotationInterval) * time.Minute
	return now.Sub(*p.LastRotatedAt) >= interval
}

// advance moves current_proxy_index one step with wrap-around and persists it.
func (m *Manager) advance(ctx context.Context, p *model.Proxy, now time.Time) error {
	if len(p.Pool) == 0 {
		// Nothing to rotate through; record the attempt so the timer rearms.
		p.LastRotatedAt = &now
		return m.proxies.UpdateRotation(ctx, p.ID, p.CurrentIndex, now)
	}
	next := (p.CurrentIndex + 1) % len(p.Pool)
	if err := m.proxies.UpdateRotation(ctx, p.ID, next, now); err != nil {
		return err
	}
	logger.Debug("proxy rotated", "proxy_id", p.ID, "index", next, "pool_size", len(p.Pool))
	p.CurrentIndex = next
	p.LastRotatedAt = &now
	return nil
}
