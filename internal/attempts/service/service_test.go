package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"veriflow/internal/attempts/models"
	"veriflow/internal/attempts/store"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/audit/publisher"
	auditmemory "veriflow/pkg/platform/audit/store/memory"
	"veriflow/pkg/requestcontext"
)

type LedgerSuite struct {
	suite.Suite
	svc    *Service
	events *auditmemory.InMemoryStore
	ctx    context.Context
	user   id.UserID
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.events = auditmemory.NewInMemoryStore()
	svc, err := New(store.NewInMemory(),
		WithAuditPublisher(publisher.NewPublisher(s.events)),
		WithMaxAttempts(func(step string) int {
			if step == string(models.StepLiveness) {
				return 5
			}
			return 3
		}),
	)
	s.Require().NoError(err)
	s.svc = svc
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	s.user = id.UserID(uuid.New())
}

func (s *LedgerSuite) fail(step models.Step) *models.Counter {
	res, err := s.svc.ConsumeAttempt(s.ctx, s.user, step)
	s.Require().NoError(err)
	s.Require().True(res.Allowed)
	c, err := s.svc.RecordOutcome(s.ctx, s.user, step, false)
	s.Require().NoError(err)
	return c
}

func (s *LedgerSuite) TestLockout() {
	s.Run("three failures exhaust the step", func() {
		s.Equal(2, s.fail(models.StepVoiceLogin).Remaining)
		s.Equal(1, s.fail(models.StepVoiceLogin).Remaining)
		s.Equal(0, s.fail(models.StepVoiceLogin).Remaining)

		res, err := s.svc.ConsumeAttempt(s.ctx, s.user, models.StepVoiceLogin)
		s.Require().NoError(err)
		s.False(res.Allowed)
		s.False(res.InProgress)
		s.Zero(res.Remaining)
		s.Equal(1, s.events.CountByAction(s.user, audit.EventAttemptsExhausted))
	})

	s.Run("other steps are independent", func() {
		res, err := s.svc.ConsumeAttempt(s.ctx, s.user, models.StepVoiceVerify)
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(3, res.Remaining)
	})

	s.Run("reset restores the budget and is audited", func() {
		admin := id.AdminID(uuid.New())
		c, err := s.svc.Reset(s.ctx, s.user, models.StepVoiceLogin, admin)
		s.Require().NoError(err)
		s.Equal(3, c.Remaining)

		events, err := s.events.ListByUser(s.ctx, s.user)
		s.Require().NoError(err)
		last := events[len(events)-1]
		s.Equal(string(audit.EventAttemptsReset), last.Action)
		s.Equal(admin.String(), last.ActorID)
	})
}

func (s *LedgerSuite) TestNeverMoreThanLimitWithoutSuccess() {
	allowed := 0
	for range 10 {
		res, err := s.svc.ConsumeAttempt(s.ctx, s.user, models.StepVoiceVerify)
		s.Require().NoError(err)
		if !res.Allowed {
			continue
		}
		allowed++
		_, err = s.svc.RecordOutcome(s.ctx, s.user, models.StepVoiceVerify, false)
		s.Require().NoError(err)
	}
	s.Equal(3, allowed)
}

func (s *LedgerSuite) TestSuccessResets() {
	s.fail(models.StepLiveness)
	s.fail(models.StepLiveness)

	_, err := s.svc.ConsumeAttempt(s.ctx, s.user, models.StepLiveness)
	s.Require().NoError(err)
	c, err := s.svc.RecordOutcome(s.ctx, s.user, models.StepLiveness, true)
	s.Require().NoError(err)
	s.Equal(5, c.Remaining, "configured per-step maximum")
	s.True(c.Completed)
}

func (s *LedgerSuite) TestReleaseDoesNotSpend() {
	_, err := s.svc.ConsumeAttempt(s.ctx, s.user, models.StepVoiceVerify)
	s.Require().NoError(err)
	s.Require().NoError(s.svc.Release(s.ctx, s.user, models.StepVoiceVerify))

	c, err := s.svc.Get(s.ctx, s.user, models.StepVoiceVerify)
	s.Require().NoError(err)
	s.Equal(3, c.Remaining)
	s.Zero(c.InFlight)
}

func (s *LedgerSuite) TestGetUnknownReturnsFreshCounter() {
	c, err := s.svc.Get(s.ctx, id.UserID(uuid.New()), models.StepVoiceLogin)
	s.Require().NoError(err)
	s.Equal(3, c.Remaining)
}

func (s *LedgerSuite) TestRacingLastAttempt() {
	s.fail(models.StepVoiceVerify)
	s.fail(models.StepVoiceVerify)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		allowed  int
		refusals int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.svc.ConsumeAttempt(s.ctx, s.user, models.StepVoiceVerify)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Allowed {
				allowed++
			} else if res.InProgress {
				refusals++
			}
		}()
	}
	wg.Wait()
	s.Equal(1, allowed)
	s.Equal(1, refusals)

	c, err := s.svc.RecordOutcome(s.ctx, s.user, models.StepVoiceVerify, false)
	s.Require().NoError(err)
	s.Zero(c.Remaining, "exactly one unit consumed")
	s.Equal(1, s.events.CountByAction(s.user, audit.EventInternalInconsistency))
}

func (s *LedgerSuite) TestNilStore() {
	_, err := New(nil)
	s.Require().Error(err)
	s.False(dErrors.HasCode(err, dErrors.CodeInternal))
}
