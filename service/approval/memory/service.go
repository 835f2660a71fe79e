package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playbookops/conductor/internal/clock"
	"github.com/playbookops/conductor/internal/idgen"
	"github.com/playbookops/conductor/model/graph"
	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/approval"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/dao/store"
	"github.com/playbookops/conductor/service/messaging"
	qmem "github.com/playbookops/conductor/service/messaging/memory"
)

const defaultGraceWindow = 15 * time.Minute

type service struct {
	// pending requests; a decided or expired request is deleted, so the
	// store's content IS the pending set.
	reqDAO dao.Service[string, approval.Request]
	// decision audit log, keyed by request id
	decDAO dao.Service[string, approval.Decision]

	// fan-out queue
	events messaging.Queue[approval.Event]

	// owning step store (optional – standalone mode records decisions only)
	stepDao dao.Service[string, execution.StepInstance]

	kick        func(runID string)
	graceWindow time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func reqKey(r *approval.Request) string  { return r.ID }
func decKey(d *approval.Decision) string { return d.ID }

// New creates an in-memory approval gate.
func New(options ...Option) approval.Service {
	ret := &service{
		reqDAO:      store.NewMemoryStore[string, approval.Request](reqKey),
		decDAO:      store.NewMemoryStore[string, approval.Decision](decKey),
		events:      qmem.NewQueue[approval.Event](qmem.DefaultConfig()),
		graceWindow: defaultGraceWindow,
		timers:      make(map[string]*time.Timer),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (s *service) RequestApproval(ctx context.Context, r *approval.Request) error {
	if r == nil {
		return errors.New("invalid request")
	}
	if r.RunID == "" || r.StepID == "" {
		return errors.New("request must reference a run and step")
	}
	if r.Mode == "" {
		r.Mode = graph.ApprovalApproveOnly
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("unknown approval mode %q", r.Mode)
	}
	if r.ID == "" {
		r.ID = idgen.New()
	}
	r.CreatedAt = clock.Now()

	// exception_only requests auto-resolve approved once the grace window
	// lapses without an exception raised.
	if r.Mode == graph.ApprovalExceptionOnly {
		expiresAt := r.CreatedAt.Add(s.graceWindow)
		r.ExpiresAt = &expiresAt
		s.mu.Lock()
		s.timers[r.ID] = time.AfterFunc(s.graceWindow, func() { s.expire(r.ID) })
		s.mu.Unlock()
	}

	if err := s.reqDAO.Save(ctx, r); err != nil {
		return err
	}
	_ = s.events.Publish(ctx, &approval.Event{Topic: approval.TopicRequestCreated, Data: r})
	return nil
}

func (s *service) ListPending(ctx context.Context) ([]*approval.Request, error) {
	return s.reqDAO.List(ctx)
}

func (s *service) Decide(ctx context.Context, id string,
	outcome execution.ApprovalOutcome, opts ...approval.DecideOption) (*approval.Decision, error) {

	if id == "" {
		return nil, errors.New("empty id")
	}
	request, err := s.reqDAO.Load(ctx, id)
	if err != nil {
		if d, _ := s.decDAO.Load(ctx, id); d != nil {
			return nil, fmt.Errorf("request %s already decided", id)
		}
		return nil, fmt.Errorf("request %s not found", id)
	}

	decision := &approval.Decision{ID: id, Outcome: outcome, DecidedAt: clock.Now()}
	for _, opt := range opts {
		opt(decision)
	}
	if err := validateDecision(request, decision); err != nil {
		return nil, err
	}

	s.cancelTimer(id)
	if err := s.resolve(ctx, request, decision); err != nil {
		return nil, err
	}
	_ = s.events.Publish(ctx, &approval.Event{Topic: approval.TopicDecisionCreated, Data: decision})
	return decision, nil
}

func validateDecision(request *approval.Request, decision *approval.Decision) error {
	switch decision.Outcome {
	case execution.ApprovalApproved, execution.ApprovalRejected:
		if len(decision.EditedPayload) > 0 {
			return fmt.Errorf("outcome %s cannot carry an edited payload", decision.Outcome)
		}
	case execution.ApprovalEdited:
		if request.Mode != graph.ApprovalReviewAndEdit {
			return fmt.Errorf("mode %s does not accept edits", request.Mode)
		}
		if len(decision.EditedPayload) == 0 {
			return errors.New("edited outcome requires a payload")
		}
	default:
		return fmt.Errorf("unknown outcome %q", decision.Outcome)
	}
	return nil
}

// resolve applies the decision to the owning step, records the audit copy
// and destroys the request.
func (s *service) resolve(ctx context.Context, request *approval.Request, decision *approval.Decision) error {
	if s.stepDao != nil {
		step, err := s.stepDao.Load(ctx, execution.StepKey(request.RunID, request.StepID))
		if err != nil {
			return fmt.Errorf("failed to load step for request %s: %w", request.ID, err)
		}
		if decision.Outcome == execution.ApprovalEdited {
			if redline, diffErr := approval.Redline(request.Payload, decision.EditedPayload); diffErr == nil {
				step.AppendHistory(execution.EventRedlineRecorded, redline, nil)
			}
		}
		record := &execution.ApprovalRecord{
			RequestID: request.ID,
			Outcome:   decision.Outcome,
			Reason:    decision.Reason,
			Edited:    decision.EditedPayload,
			DecidedAt: decision.DecidedAt,
		}
		if err := step.ResolveApproval(record); err != nil {
			return err
		}
		if err := s.stepDao.Save(ctx, step); err != nil {
			return err
		}
	}

	if err := s.decDAO.Save(ctx, decision); err != nil {
		return err
	}
	_ = s.reqDAO.Delete(ctx, request.ID)
	if s.kick != nil {
		s.kick(request.RunID)
	}
	return nil
}

// expire fires when an exception_only grace window lapses with no exception
// raised; the request auto-resolves approved.
func (s *service) expire(id string) {
	ctx := context.Background()
	request, err := s.reqDAO.Load(ctx, id)
	if err != nil {
		return
	}
	s.cancelTimer(id)
	decision := &approval.Decision{
		ID:        id,
		Outcome:   execution.ApprovalApproved,
		Reason:    "grace window lapsed with no exception",
		DecidedAt: clock.Now(),
	}
	_ = s.events.Publish(ctx, &approval.Event{Topic: approval.TopicRequestExpired, Data: request})
	if err := s.resolve(ctx, request, decision); err != nil {
		return
	}
	_ = s.events.Publish(ctx, &approval.Event{Topic: approval.TopicDecisionCreated, Data: decision})
}

func (s *service) cancelTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *service) Queue() messaging.Queue[approval.Event] { return s.events }

var _ approval.Service = (*service)(nil)
