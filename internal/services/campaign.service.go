package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/internal/repository"
)

var (
	ErrNotFound           = errors.New("campaign not found")
	ErrEmptyName          = errors.New("campaign name cannot be empty")
	ErrScheduleInPast     = errors.New("scheduled time is in the past")
	ErrNotYetDue          = errors.New("campaign scheduled time has not arrived")
	ErrInvalidTransition  = model.ErrInvalidTransition
	ErrNoContacts         = errors.New("campaign has no contacts attached")
	ErrConcurrencyLimit   = errors.New("tenant concurrent campaign limit reached")
	ErrAlreadyTerminal    = errors.New("campaign is in a terminal status")
	ErrCampaignNotRunning = errors.New("campaign is not running")
)

// Governor is the tenant resource authority consulted before a campaign is
// allowed to start running.
type Governor interface {
	CanStartConcurrentCampaign(ctx context.Context, tenantID int64, running int64) (bool, error)
}

type CampaignRepository interface {
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error)
	Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error)
	Transition(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, set map[string]interface{}) error
	UpdateSettings(ctx context.Context, id int64, u model.CampaignSettingsUpdate) error
	IncrementCounters(ctx context.Context, id int64, d repository.CounterDeltas) error
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type CampaignContactRepository interface {
	CreateBatch(ctx context.Context, ccs []*model.CampaignContact) error
	CountByState(ctx context.Context, campaignID int64, state model.DeliveryState) (int64, error)
}

type BindingRepository interface {
	Create(ctx context.Context, ct *model.CampaignTemplate) (*model.CampaignTemplate, error)
	ListEligible(ctx context.Context, campaignID int64) ([]*model.CampaignTemplate, error)
}

// CampaignService owns the campaign lifecycle. Every status change goes
// through a guarded repository transition, so a stale operator action (for
// example pausing a campaign that just completed) fails instead of
// clobbering the newer status.
type CampaignService struct {
	campaignRepo CampaignRepository
	contactRepo  CampaignContactRepository
	bindingRepo  BindingRepository
	governor     Governor
}

func NewCampaignService(campaignRepo CampaignRepository, contactRepo CampaignContactRepository, bindingRepo BindingRepository, governor Governor) *CampaignService {
	return &CampaignService{
		campaignRepo: campaignRepo,
		contactRepo:  contactRepo,
		bindingRepo:  bindingRepo,
		governor:     governor,
	}
}

type CampaignCreateRequest struct {
	TenantID                  int64  `json:"tenant_id"`
	Name                      string `json:"name"`
	AutoRemoveAccountFailures bool   `json:"auto_remove_account_failures"`
	MaxRetries                *int   `json:"max_retries"`
	FailureThreshold          *int   `json:"failure_threshold"`
	RemovalThreshold          *int   `json:"removal_threshold"`
}

// Create makes a new draft campaign.
func (s *CampaignService) Create(ctx context.Context, p CampaignCreateRequest) (*model.Campaign, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, ErrEmptyName
	}

	c := &model.Campaign{
		TenantID:                  p.TenantID,
		Name:                      p.Name,
		Status:                    model.CampaignStatusDraft,
		AutoRemoveAccountFailures: p.AutoRemoveAccountFailures,
		MaxRetries:                1,
		FailureThreshold:          5,
		RemovalThreshold:          3,
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.FailureThreshold != nil {
		c.FailureThreshold = *p.FailureThreshold
	}
	if p.RemovalThreshold != nil {
		c.RemovalThreshold = *p.RemovalThreshold
	}

	u := model.CampaignSettingsUpdate{
		MaxRetries:       &c.MaxRetries,
		FailureThreshold: &c.FailureThreshold,
		RemovalThreshold: &c.RemovalThreshold,
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}

	return s.campaignRepo.Create(ctx, c)
}

// AttachContacts adds contacts to a draft or scheduled campaign as pending
// recipients and bumps total_contacts accordingly.
func (s *CampaignService) AttachContacts(ctx context.Context, campaignID int64, contactIDs []int64) error {
	if len(contactIDs) == 0 {
		return nil
	}

	return s.campaignRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		c, err := s.get(ctx, campaignID)
		if err != nil {
			return err
		}
		if c.Status != model.CampaignStatusDraft && c.Status != model.CampaignStatusScheduled {
			return fmt.Errorf("cannot attach contacts in status %q: %w", c.Status, ErrInvalidTransition)
		}

		ccs := make([]*model.CampaignContact, 0, len(contactIDs))
		for _, id := range contactIDs {
			ccs = append(ccs, &model.CampaignContact{
				CampaignID: campaignID,
				ContactID:  id,
				State:      model.DeliveryStatePending,
			})
		}
		if err := s.contactRepo.CreateBatch(ctx, ccs); err != nil {
			return fmt.Errorf("attach contacts: %w", err)
		}

		return s.campaignRepo.IncrementCounters(ctx, campaignID, repository.CounterDeltas{
			TotalContacts: int64(len(contactIDs)),
		})
	})
}

// AddBinding pairs an account with a message template for the campaign.
func (s *CampaignService) AddBinding(ctx context.Context, campaignID, accountID, templateID int64) (*model.CampaignTemplate, error) {
	if _, err := s.get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.bindingRepo.Create(ctx, &model.CampaignTemplate{
		CampaignID: campaignID,
		AccountID:  accountID,
		TemplateID: templateID,
		IsActive:   true,
	})
}

// Schedule moves a draft campaign to scheduled, or re-schedules one that is
// already scheduled. The scheduled time must be in the future.
func (s *CampaignService) Schedule(ctx context.Context, id int64, at time.Time) error {
	if at.Before(time.Now()) {
		return ErrScheduleInPast
	}

	return s.campaignRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		c, err := s.get(ctx, id)
		if err != nil {
			return err
		}
		if total, err := s.contactRepo.CountByState(ctx, id, model.DeliveryStatePending); err != nil {
			return err
		} else if total == 0 && c.Status == model.CampaignStatusDraft {
			return ErrNoContacts
		}

		return s.transition(ctx, c,
			[]model.CampaignStatus{model.CampaignStatusDraft, model.CampaignStatusScheduled},
			model.CampaignStatusScheduled,
			map[string]interface{}{"scheduled_at": at})
	})
}

// Activate flips a scheduled campaign to running once its time arrives. The
// tenant's concurrency ceiling is checked first. Activating a campaign that
// is already running is a no-op.
func (s *CampaignService) Activate(ctx context.Context, id int64) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == model.CampaignStatusRunning {
		return nil
	}
	if c.Status != model.CampaignStatusScheduled {
		return fmt.Errorf("activate from %q: %w", c.Status, ErrInvalidTransition)
	}

	now := time.Now()
	if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
		return ErrNotYetDue
	}

	if err := s.checkConcurrency(ctx, c.TenantID); err != nil {
		return err
	}

	return s.transition(ctx, c,
		[]model.CampaignStatus{model.CampaignStatusScheduled},
		model.CampaignStatusRunning,
		map[string]interface{}{"started_at": now})
}

func (s *CampaignService) checkConcurrency(ctx context.Context, tenantID int64) error {
	if s.governor == nil {
		return nil
	}
	running, _, err := s.runningCount(ctx, tenantID)
	if err != nil {
		return err
	}
	ok, err := s.governor.CanStartConcurrentCampaign(ctx, tenantID, running)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConcurrencyLimit
	}
	return nil
}

// Pause suspends dispatching. Already-claimed recipients finish their current
// attempt; nothing new is claimed while paused.
func (s *CampaignService) Pause(ctx context.Context, id int64) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	return s.transition(ctx, c,
		[]model.CampaignStatus{model.CampaignStatusRunning},
		model.CampaignStatusPaused,
		map[string]interface{}{"pause_started_at": now})
}

// Resume continues a paused campaign from where it stopped.
func (s *CampaignService) Resume(ctx context.Context, id int64) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == model.CampaignStatusPaused {
		if err := s.checkConcurrency(ctx, c.TenantID); err != nil {
			return err
		}
	}
	return s.transition(ctx, c,
		[]model.CampaignStatus{model.CampaignStatusPaused},
		model.CampaignStatusRunning,
		map[string]interface{}{"pause_started_at": nil})
}

// Cancel aborts the campaign from any non-terminal status. Terminal campaigns
// stay as they are.
func (s *CampaignService) Cancel(ctx context.Context, id int64) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	now := time.Now()
	return s.transition(ctx, c,
		[]model.CampaignStatus{
			model.CampaignStatusDraft,
			model.CampaignStatusScheduled,
			model.CampaignStatusRunning,
			model.CampaignStatusPaused,
		},
		model.CampaignStatusCancelled,
		map[string]interface{}{"completed_at": now})
}

// Complete marks a running campaign finished. The dispatch engine calls this
// when no pending or in-flight recipients remain.
func (s *CampaignService) Complete(ctx context.Context, id int64) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignStatusRunning {
		return ErrCampaignNotRunning
	}
	now := time.Now()
	return s.transition(ctx, c,
		[]model.CampaignStatus{model.CampaignStatusRunning},
		model.CampaignStatusCompleted,
		map[string]interface{}{"completed_at": now})
}

// UpdateSettings adjusts the tunable knobs. Allowed in any non-terminal
// status; running campaigns pick the new values up on their next tick.
func (s *CampaignService) UpdateSettings(ctx context.Context, id int64, u model.CampaignSettingsUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	return s.campaignRepo.UpdateSettings(ctx, id, u)
}

func (s *CampaignService) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.get(ctx, id)
}

func (s *CampaignService) List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error) {
	return s.campaignRepo.List(ctx, f)
}

func (s *CampaignService) runningCount(ctx context.Context, tenantID int64) (int64, []*model.Campaign, error) {
	running, n, err := s.campaignRepo.List(ctx, model.CampaignFilter{
		TenantID: &tenantID,
		Statuses: []model.CampaignStatus{model.CampaignStatusRunning},
	})
	return n, running, err
}

func (s *CampaignService) get(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := s.campaignRepo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *CampaignService) transition(ctx context.Context, c *model.Campaign, from []model.CampaignStatus, to model.CampaignStatus, set map[string]interface{}) error {
	if !model.CanTransition(c.Status, to) {
		return fmt.Errorf("%q -> %q: %w", c.Status, to, ErrInvalidTransition)
	}
	return s.campaignRepo.Transition(ctx, c.ID, from, to, set)
}
