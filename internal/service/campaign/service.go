package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign/internal/dispatch"
	"github.com/acme/voice-campaign/internal/domain"
	"github.com/acme/voice-campaign/internal/repository"
	"github.com/acme/voice-campaign/internal/service/billing"
	"github.com/acme/voice-campaign/internal/telephony"
	apperrors "github.com/acme/voice-campaign/pkg/errors"
	"github.com/acme/voice-campaign/pkg/logger"
)

// Launcher starts and stops background dispatch for campaigns. Satisfied
// by dispatch.Registry.
type Launcher interface {
	Launch(ctx context.Context, campaign *domain.Campaign, rates domain.RateSnapshot) error
	Stop(campaignID uuid.UUID)
}

// Biller is the slice of the billing service the campaign lifecycle needs.
type Biller interface {
	Rates(ctx context.Context) (domain.RateSnapshot, error)
	CheckFunds(ctx context.Context, userID uuid.UUID, calls int, rates domain.RateSnapshot) error
	Settle(ctx context.Context, unit billing.Unit) error
}

// Service implements campaign creation and lifecycle control. Dispatch
// itself runs in the background; Start returns as soon as the run is
// funded and launched.
type Service struct {
	campaigns repository.CampaignRepository
	callerIDs repository.CallerIDRepository
	contacts  repository.ContactSource
	blocklist repository.Blocklist
	calls     repository.CallStore
	settings  repository.SettingsStore
	biller    Biller
	launcher  Launcher
	provider  telephony.Provider
	logger    *logger.Logger
}

// NewService wires the campaign service.
func NewService(
	campaigns repository.CampaignRepository,
	callerIDs repository.CallerIDRepository,
	contacts repository.ContactSource,
	blocklist repository.Blocklist,
	calls repository.CallStore,
	settings repository.SettingsStore,
	biller Biller,
	launcher Launcher,
	provider telephony.Provider,
	lg *logger.Logger,
) *Service {
	return &Service{
		campaigns: campaigns,
		callerIDs: callerIDs,
		contacts:  contacts,
		blocklist: blocklist,
		calls:     calls,
		settings:  settings,
		biller:    biller,
		launcher:  launcher,
		provider:  provider,
		logger:    lg,
	}
}

// CreateParams carries the fields a user supplies for a new campaign.
type CreateParams struct {
	Name            string
	UserID          uuid.UUID
	CallerIDID      uuid.UUID
	ContactSourceID uuid.UUID
	MessageScript   string
	TransferKey     string
	CallsPerMinute  int
}

// Create validates and persists a new campaign in pending state. The
// total contact count is fixed at creation, after blocklist filtering,
// and the calls-per-minute rate is clamped into the allowed range.
func (s *Service) Create(ctx context.Context, params CreateParams) (*domain.Campaign, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(params.MessageScript) == "" {
		return nil, fmt.Errorf("%w: message script is required", apperrors.ErrValidation)
	}

	blockedWords, err := s.blocklist.ContainsBlockedWords(ctx, params.MessageScript)
	if err != nil {
		return nil, fmt.Errorf("campaign: screen message script: %w", err)
	}
	if len(blockedWords) > 0 {
		return nil, fmt.Errorf("%w: message script contains blocked words: %s",
			apperrors.ErrValidation, strings.Join(blockedWords, ", "))
	}

	callerID, err := s.callerIDs.Get(ctx, params.CallerIDID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: caller id not found", apperrors.ErrValidation)
		}
		return nil, err
	}
	if callerID.UserID != params.UserID {
		return nil, fmt.Errorf("%w: caller id belongs to another user", apperrors.ErrValidation)
	}
	if !callerID.Verified || !callerID.Active {
		return nil, fmt.Errorf("%w: caller id is not verified and active", apperrors.ErrValidation)
	}

	transferKey := params.TransferKey
	if transferKey == "" {
		transferKey, err = s.settings.Get(ctx, repository.SettingTransferKey)
		if err != nil {
			return nil, fmt.Errorf("campaign: read default transfer key: %w", err)
		}
	}

	source := repository.NewFilteredContactSource(s.contacts, s.blocklist, params.UserID)
	total, err := source.Count(ctx, params.ContactSourceID)
	if err != nil {
		return nil, fmt.Errorf("campaign: count contacts: %w", err)
	}

	rate := domain.ClampCallsPerMinute(params.CallsPerMinute)
	if ceiling := s.callsPerMinuteCeiling(ctx); rate > ceiling {
		rate = ceiling
	}

	now := time.Now().UTC()
	campaign := &domain.Campaign{
		ID:              uuid.New(),
		Name:            params.Name,
		UserID:          params.UserID,
		CallerIDID:      params.CallerIDID,
		ContactSourceID: params.ContactSourceID,
		MessageScript:   params.MessageScript,
		TransferKey:     transferKey,
		CallsPerMinute:  rate,
		Status:          domain.CampaignStatusPending,
		TotalContacts:   total,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.campaigns.Create(ctx, campaign); err != nil {
		return nil, err
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("total_contacts", total),
		zap.Int("calls_per_minute", campaign.CallsPerMinute))
	return campaign, nil
}

// callsPerMinuteCeiling reads the operator-tunable dispatch rate ceiling
// from the settings catalog. A missing or malformed value falls back to
// the hard platform maximum.
func (s *Service) callsPerMinuteCeiling(ctx context.Context) int {
	raw, err := s.settings.Get(ctx, repository.SettingMaxCallsPerMinute)
	if err != nil {
		return domain.MaxCallsPerMinute
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < domain.MinCallsPerMinute || n > domain.MaxCallsPerMinute {
		return domain.MaxCallsPerMinute
	}
	return n
}

// StartReceipt reports what a successful start accepted for dispatch.
type StartReceipt struct {
	Campaign      *domain.Campaign
	CallsAccepted int
}

// Start funds and launches the campaign's dispatch run. A pending or
// paused campaign may start; anything already active or finished is a
// conflict. The funds check covers every remaining contact up front, so
// an underfunded campaign places no calls at all.
func (s *Service) Start(ctx context.Context, campaignID uuid.UUID) (*StartReceipt, error) {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	switch campaign.Status {
	case domain.CampaignStatusActive:
		return nil, fmt.Errorf("%w: campaign is already running", apperrors.ErrConflict)
	case domain.CampaignStatusCompleted, domain.CampaignStatusFailed:
		return nil, fmt.Errorf("%w: campaign already finished", apperrors.ErrConflict)
	}

	remaining := campaign.TotalContacts - campaign.ProcessedContacts
	if remaining < 0 {
		remaining = 0
	}

	rates, err := s.biller.Rates(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.biller.CheckFunds(ctx, campaign.UserID, remaining, rates); err != nil {
		return nil, err
	}

	if err := s.campaigns.MarkStarted(ctx, campaignID); err != nil {
		return nil, err
	}
	campaign.Status = domain.CampaignStatusActive

	if remaining == 0 {
		// Nothing to dial; the campaign completes immediately.
		if err := s.campaigns.MarkCompleted(ctx, campaignID); err != nil {
			return nil, err
		}
		campaign.Status = domain.CampaignStatusCompleted
		return &StartReceipt{Campaign: campaign, CallsAccepted: 0}, nil
	}

	if err := s.launcher.Launch(ctx, campaign, rates); err != nil {
		if errors.Is(err, dispatch.ErrLockHeld) {
			return nil, fmt.Errorf("%w: campaign is already being dispatched", apperrors.ErrConflict)
		}
		return nil, err
	}

	s.logger.Info("campaign started",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("calls_accepted", remaining))
	return &StartReceipt{Campaign: campaign, CallsAccepted: remaining}, nil
}

// Pause stops future batches of an active campaign. Calls already placed
// keep running to their natural outcomes and still count toward progress.
func (s *Service) Pause(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	err := s.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignStatusActive, domain.CampaignStatusPaused)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: only an active campaign can be paused", apperrors.ErrConflict)
		}
		return nil, err
	}

	s.launcher.Stop(campaignID)
	s.logger.Info("campaign paused", zap.String("campaign_id", campaignID.String()))
	return s.campaigns.Get(ctx, campaignID)
}

// Get returns the campaign's current aggregate state.
func (s *Service) Get(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	return s.campaigns.Get(ctx, campaignID)
}

// TestCallParams describes a single ad-hoc test call.
type TestCallParams struct {
	UserID        uuid.UUID
	CallerIDID    uuid.UUID
	PhoneNumber   string
	MessageScript string
	TransferKey   string
}

// TestCall places one call outside any campaign so a user can hear their
// script before committing to a run. It is billed immediately as a
// single-call unit; the outcome arrives through the same event pipeline
// as campaign calls but never touches campaign progress.
func (s *Service) TestCall(ctx context.Context, params TestCallParams) (*domain.Call, error) {
	if strings.TrimSpace(params.PhoneNumber) == "" {
		return nil, fmt.Errorf("%w: phone number is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(params.MessageScript) == "" {
		return nil, fmt.Errorf("%w: message script is required", apperrors.ErrValidation)
	}

	callerID, err := s.callerIDs.Get(ctx, params.CallerIDID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: caller id not found", apperrors.ErrValidation)
		}
		return nil, err
	}
	if callerID.UserID != params.UserID || !callerID.Verified || !callerID.Active {
		return nil, fmt.Errorf("%w: caller id is not usable", apperrors.ErrValidation)
	}

	blocked, err := s.blocklist.Contains(ctx, params.UserID, params.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, fmt.Errorf("%w: destination number is blocked", apperrors.ErrValidation)
	}

	rates, err := s.biller.Rates(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.biller.CheckFunds(ctx, params.UserID, 1, rates); err != nil {
		return nil, err
	}

	transferKey := params.TransferKey
	if transferKey == "" {
		transferKey, err = s.settings.Get(ctx, repository.SettingTransferKey)
		if err != nil {
			return nil, fmt.Errorf("campaign: read default transfer key: %w", err)
		}
	}

	now := time.Now().UTC()
	call := &domain.Call{
		ID:            uuid.New(),
		CorrelationID: fmt.Sprintf("test-%d-%d", now.UnixMilli(), rand.Int63n(1e9)),
		UserID:        params.UserID,
		CallerIDID:    params.CallerIDID,
		PhoneNumber:   params.PhoneNumber,
		Status:        domain.CallStatusInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.calls.CreateCall(ctx, call); err != nil {
		return nil, err
	}

	req := telephony.CallRequest{
		CorrelationID: call.CorrelationID,
		PhoneNumber:   call.PhoneNumber,
		CallerID:      callerID.PhoneNumber,
		Script:        params.MessageScript,
		TransferKey:   transferKey,
	}
	if err := s.provider.PlaceCall(ctx, req); err != nil {
		call.Status = domain.CallStatusFailed
		call.ErrorMessage = err.Error()
		end := time.Now().UTC()
		call.EndTime = &end
		if updateErr := s.calls.UpdateOutcome(ctx, call); updateErr != nil {
			s.logger.Error("test call: record failure", zap.Error(updateErr))
		}
		return nil, fmt.Errorf("%w: provider rejected test call: %v", apperrors.ErrUnavailable, err)
	}

	unit := billing.Unit{
		UserID:      params.UserID,
		Calls:       1,
		Rates:       rates,
		Description: fmt.Sprintf("Test call to %s", params.PhoneNumber),
		Reference:   fmt.Sprintf("test:%s", call.CorrelationID),
	}
	if err := s.biller.Settle(ctx, unit); err != nil {
		s.logger.Error("test call: settle", zap.Error(err),
			zap.String("correlation_id", call.CorrelationID))
	}

	return call, nil
}
