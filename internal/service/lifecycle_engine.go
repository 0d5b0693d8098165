package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/repository"
	"github.com/noah-isme/agricert-api/pkg/config"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/lock"
)

type requestStore interface {
	GetByID(ctx context.Context, id string) (*models.CertificationRequest, error)
	CommitTransition(ctx context.Context, commit repository.TransitionCommit) error
}

// RevertPolicy decides who may move a request to reverted, from where, and whether it can come back.
type RevertPolicy struct {
	Actors   []models.UserRole
	From     []models.RequestStatus
	Terminal bool
}

// DefaultRevertPolicy lets requesters withdraw their own pending requests for good.
func DefaultRevertPolicy() RevertPolicy {
	return RevertPolicy{
		Actors:   []models.UserRole{models.RoleRequester},
		From:     []models.RequestStatus{models.StatusPending},
		Terminal: true,
	}
}

// RevertPolicyFromConfig parses the workflow settings. Only pre-decision states may be reverted.
func RevertPolicyFromConfig(cfg config.WorkflowConfig) (RevertPolicy, error) {
	policy := RevertPolicy{Terminal: cfg.RevertTerminal}
	for _, raw := range cfg.RevertActors {
		role, ok := models.ParseRole(raw)
		if !ok || role == models.RoleIssuer {
			return RevertPolicy{}, fmt.Errorf("revert actor %q not supported", raw)
		}
		policy.Actors = append(policy.Actors, role)
	}
	for _, raw := range cfg.RevertFrom {
		status := models.RequestStatus(raw)
		if status != models.StatusPending && status != models.StatusInProgress {
			return RevertPolicy{}, fmt.Errorf("revert source status %q not supported", raw)
		}
		policy.From = append(policy.From, status)
	}
	if len(policy.Actors) == 0 || len(policy.From) == 0 {
		return RevertPolicy{}, errors.New("revert policy needs at least one actor and one source status")
	}
	return policy, nil
}

type transitionRule struct {
	from   models.RequestStatus
	to     models.RequestStatus
	roles  []models.UserRole
	effect bool
}

func (r transitionRule) permits(role models.UserRole) bool {
	for _, allowed := range r.roles {
		if allowed == role {
			return true
		}
	}
	return false
}

func buildRules(policy RevertPolicy) []transitionRule {
	rules := []transitionRule{
		{from: models.StatusPending, to: models.StatusInProgress, roles: []models.UserRole{models.RoleInspector}},
		{from: models.StatusInProgress, to: models.StatusApproved, roles: []models.UserRole{models.RoleInspector}},
		{from: models.StatusInProgress, to: models.StatusRejected, roles: []models.UserRole{models.RoleInspector}},
		{from: models.StatusApproved, to: models.StatusCertified, roles: []models.UserRole{models.RoleIssuer}, effect: true},
	}
	for _, from := range policy.From {
		rules = append(rules, transitionRule{from: from, to: models.StatusReverted, roles: policy.Actors})
	}
	if !policy.Terminal {
		rules = append(rules, transitionRule{from: models.StatusReverted, to: models.StatusPending, roles: []models.UserRole{models.RoleRequester}})
	}
	return rules
}

// TransitionInput names the request, the caller and what they want to happen.
// ExpectedVersion, when set, must equal the stored version.
type TransitionInput struct {
	RequestID       string
	Actor           models.Actor
	Action          models.Action
	ExpectedVersion *int64
}

// TransitionResult carries the request after the call. Applied is false for an idempotent repeat.
type TransitionResult struct {
	Request *models.CertificationRequest
	Applied bool
}

// SideEffect runs under the request lock after all checks and before commit. An error aborts
// the transition with nothing written. A returned anchor is committed with the transition.
type SideEffect func(ctx context.Context, current *models.CertificationRequest) (*models.AnchorRecord, error)

// LifecycleEngine owns every status change of a certification request.
type LifecycleEngine struct {
	store   requestStore
	locker  lock.Locker
	rules   []transitionRule
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewLifecycleEngine constructs the engine. A nil locker falls back to an in-process keyed mutex.
func NewLifecycleEngine(store requestStore, locker lock.Locker, policy RevertPolicy, metrics *MetricsService, logger *zap.Logger) *LifecycleEngine {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleEngine{
		store:   store,
		locker:  locker,
		rules:   buildRules(policy),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Transition applies an action that needs no side effect.
func (e *LifecycleEngine) Transition(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	return e.Apply(ctx, in, nil)
}

// Apply runs one transition. Re-applying the status a request already holds succeeds without
// writing. Two racing callers that both observed the same version resolve to one winner; the
// other receives CONFLICT.
func (e *LifecycleEngine) Apply(ctx context.Context, in TransitionInput, effect SideEffect) (*TransitionResult, error) {
	target, ok := in.Action.Target()
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown action %q", in.Action))
	}

	snapshot, err := e.load(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}

	if snapshot.Status == target && e.reaches(target, in.Actor.Role) {
		if err := e.checkOwnership(snapshot, in.Actor); err != nil {
			return nil, err
		}
		e.metrics.ObserveTransition(string(snapshot.Status), string(target), OutcomeNoop)
		return &TransitionResult{Request: snapshot, Applied: false}, nil
	}

	rule, ok := e.find(snapshot.Status, target, in.Actor.Role)
	if !ok {
		e.metrics.ObserveTransition(string(snapshot.Status), string(target), OutcomeRejected)
		return nil, appErrors.InvalidTransition(string(snapshot.Status), string(target), string(in.Actor.Role))
	}
	if rule.effect && effect == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("%s requires the issuance coordinator", in.Action))
	}
	if err := e.checkOwnership(snapshot, in.Actor); err != nil {
		return nil, err
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != snapshot.Version {
		e.metrics.ObserveTransition(string(snapshot.Status), string(target), OutcomeConflict)
		return nil, conflict(snapshot)
	}

	release, err := e.locker.Acquire(ctx, in.RequestID)
	if err != nil {
		return nil, appErrors.Unavailable(err, "could not lock certification request")
	}
	defer release()

	current, err := e.load(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if current.Version != snapshot.Version {
		e.metrics.ObserveTransition(string(snapshot.Status), string(target), OutcomeConflict)
		return nil, conflict(current)
	}

	next := current.Clone()
	next.Status = target
	next.Version = current.Version + 1
	next.UpdatedAt = e.now().UTC()
	actorID := in.Actor.ID
	switch {
	case current.Status == models.StatusPending && target == models.StatusInProgress:
		next.InspectorID = &actorID
	case current.Status == models.StatusReverted && target == models.StatusPending:
		next.InspectorID = nil
	case target == models.StatusCertified:
		next.IssuerID = &actorID
	}

	var anchorRecord *models.AnchorRecord
	if effect != nil {
		anchorRecord, err = effect(ctx, current.Clone())
		if err != nil {
			e.metrics.ObserveTransition(string(current.Status), string(target), OutcomeFailed)
			return nil, err
		}
		if anchorRecord != nil {
			ref := anchorRecord.TransactionRef
			next.AnchorRef = &ref
		}
	}

	event := &models.TransitionEvent{
		RequestID:  current.ID,
		FromStatus: current.Status,
		ToStatus:   target,
		ActorID:    in.Actor.ID,
		ActorRole:  in.Actor.Role,
		CreatedAt:  next.UpdatedAt,
	}
	err = e.store.CommitTransition(ctx, repository.TransitionCommit{
		Request:         next,
		ExpectedVersion: current.Version,
		Event:           event,
		Anchor:          anchorRecord,
	})
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			e.metrics.ObserveTransition(string(current.Status), string(target), OutcomeConflict)
			return nil, conflict(current)
		}
		e.metrics.ObserveTransition(string(current.Status), string(target), OutcomeFailed)
		return nil, appErrors.Unavailable(err, "failed to commit transition")
	}

	e.metrics.ObserveTransition(string(current.Status), string(target), OutcomeApplied)
	e.logger.Info("certification request transitioned",
		zap.String("request_id", next.ID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(target)),
		zap.String("actor_id", in.Actor.ID),
		zap.String("actor_role", string(in.Actor.Role)),
		zap.Int64("version", next.Version),
	)
	return &TransitionResult{Request: next, Applied: true}, nil
}

// AvailableActions lists what actor could do to req right now.
func (e *LifecycleEngine) AvailableActions(req *models.CertificationRequest, actor models.Actor) []models.Action {
	actions := make([]models.Action, 0, 2)
	for _, action := range []models.Action{models.ActionStart, models.ActionApprove, models.ActionReject, models.ActionCertify, models.ActionRevert, models.ActionResubmit} {
		target, _ := action.Target()
		if _, ok := e.find(req.Status, target, actor.Role); !ok {
			continue
		}
		if e.checkOwnership(req, actor) != nil {
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

func (e *LifecycleEngine) load(ctx context.Context, id string) (*models.CertificationRequest, error) {
	req, err := e.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certification request not found")
		}
		return nil, appErrors.Unavailable(err, "failed to load certification request")
	}
	return req, nil
}

func (e *LifecycleEngine) find(from, to models.RequestStatus, role models.UserRole) (transitionRule, bool) {
	for _, rule := range e.rules {
		if rule.from == from && rule.to == to && rule.permits(role) {
			return rule, true
		}
	}
	return transitionRule{}, false
}

func (e *LifecycleEngine) reaches(to models.RequestStatus, role models.UserRole) bool {
	for _, rule := range e.rules {
		if rule.to == to && rule.permits(role) {
			return true
		}
	}
	return false
}

// checkOwnership keeps requesters on their own requests and inspectors on the requests they started.
func (e *LifecycleEngine) checkOwnership(req *models.CertificationRequest, actor models.Actor) error {
	switch actor.Role {
	case models.RoleRequester:
		if req.RequesterID != actor.ID {
			return appErrors.Clone(appErrors.ErrForbidden, "request belongs to another requester")
		}
	case models.RoleInspector:
		if req.InspectorID != nil && *req.InspectorID != actor.ID {
			return appErrors.WithDetails(
				appErrors.Clone(appErrors.ErrConflict, "request is assigned to another inspector"),
				map[string]interface{}{"status": string(req.Status), "version": req.Version},
			)
		}
	}
	return nil
}

func conflict(current *models.CertificationRequest) error {
	return appErrors.WithDetails(
		appErrors.Clone(appErrors.ErrConflict, "certification request was modified concurrently"),
		map[string]interface{}{"status": string(current.Status), "version": current.Version},
	)
}
