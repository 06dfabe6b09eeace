// Package selector picks the next (account, template) binding for a campaign,
// spreading load across accounts least-recently-used first.
package selector

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
)

// ErrNoEligiblePair is returned when no binding can send for the campaign.
// It is a terminal condition for the current batch, not an error to escalate:
// the dispatcher pauses the campaign and waits for operator action.
var ErrNoEligiblePair = errors.New("no eligible account/template pair")

// BindingSource lists candidate bindings for a campaign.
type BindingSource interface {
	ListEligible(ctx context.Context, campaignID int64) ([]*model.CampaignTemplate, error)
	TouchLastUsed(ctx context.Context, id int64, at time.Time) error
}

// RateLimitChecker reports accounts currently throttled by the governor.
type RateLimitChecker interface {
	IsAccountRateLimited(ctx context.Context, accountID int64) (bool, error)
}

type Selector struct {
	bindings BindingSource
	limits   RateLimitChecker
}

func New(bindings BindingSource, limits RateLimitChecker) *Selector {
	return &Selector{bindings: bindings, limits: limits}
}

// Pick returns the next eligible binding for the campaign. Accounts are
// rotated least-recently-used first; ties break on lowest consecutive
// failures, then lowest account id for determinism.
func (s *Selector) Pick(ctx context.Context, campaignID int64, now time.Time) (*model.CampaignTemplate, error) {
	candidates, err := s.bindings.ListEligible(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	eligible := candidates[:0]
	for _, ct := range candidates {
		if !ct.Eligible() {
			continue
		}
		if s.limits != nil {
			limited, err := s.limits.IsAccountRateLimited(ctx, ct.AccountID)
			if err != nil {
				return nil, err
			}
			if limited {
				continue
			}
		}
		eligible = append(eligible, ct)
	}

	if len(eligible) == 0 {
		return nil, ErrNoEligiblePair
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		au, bu := lastUsed(a), lastUsed(b)
		if !au.Equal(bu) {
			return au.Before(bu)
		}
		if a.ConsecutiveFailures != b.ConsecutiveFailures {
			return a.ConsecutiveFailures < b.ConsecutiveFailures
		}
		return a.AccountID < b.AccountID
	})

	picked := eligible[0]
	if err := s.bindings.TouchLastUsed(ctx, picked.ID, now); err != nil {
		return nil, err
	}
	used := now
	picked.LastUsedAt = &used
	return picked, nil
}

func lastUsed(ct *model.CampaignTemplate) time.Time {
	if ct.LastUsedAt == nil {
		return time.Time{}
	}
	return *ct.LastUsedAt
}
