package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/observability"
	"github.com/utstyr/custody-service/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type CheckoutRequest struct {
	AssetID uint
	UserID  uint
	DueAt   *time.Time
}

type ActiveAssignmentFilter struct {
	UserID  *uint
	AssetID *uint
}

// CustodyLedger owns the checkout and return transitions. Each transition
// locks the asset row, checks its preconditions, writes the assignment, the
// asset and the event in one transaction, and publishes the event only after
// commit. Conflicting concurrent writes surface as STORE_CONFLICT and are
// not retried.
type CustodyLedger struct {
	store     repository.Store
	events    *EventRecorder
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewCustodyLedger(store repository.Store, events *EventRecorder, publisher EventPublisher, logger *slog.Logger) *CustodyLedger {
	if publisher == nil {
		publisher = NoopEventPublisher{}
	}
	return &CustodyLedger{
		store:     store,
		events:    events,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *CustodyLedger) Checkout(ctx context.Context, actor *domain.Identity, req CheckoutRequest) (*domain.Assignment, error) {
	ctx, span := observability.StartSpan(ctx, "custody.checkout")
	defer span.End()
	span.SetAttributes(attribute.Int64("asset.id", int64(req.AssetID)), attribute.Int64("user.id", int64(req.UserID)))
	start := time.Now()

	assignment, event, err := l.checkout(ctx, actor, req)
	l.finish(ctx, "checkout", start, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	l.publish(ctx, event)
	return assignment, nil
}

func (l *CustodyLedger) checkout(ctx context.Context, actor *domain.Identity, req CheckoutRequest) (*domain.Assignment, *domain.Event, error) {
	if err := RequireAdmin(actor); err != nil {
		return nil, nil, err
	}
	if req.AssetID == 0 || req.UserID == 0 {
		return nil, nil, domain.InvalidRequest("assetId and userId are required")
	}
	if req.DueAt != nil && !req.DueAt.After(l.now()) {
		return nil, nil, domain.InvalidField("due_at", "due date must be in the future")
	}

	var (
		assignment *domain.Assignment
		event      *domain.Event
	)
	err := l.store.InTx(ctx, func(tx repository.Store) error {
		now := l.now()
		asset, err := tx.Assets().LockByID(ctx, req.AssetID)
		if err != nil {
			if errors.Is(err, repository.ErrAssetNotFound) {
				return domain.InvalidField("asset_id", "asset not found")
			}
			return err
		}
		if asset.Deleted() || asset.Status == domain.AssetRetired {
			return domain.InvalidField("asset_id", "asset not found")
		}
		user, err := tx.Users().FindByID(ctx, req.UserID)
		if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
			return err
		}
		if user == nil || !user.IsActive {
			return domain.InvalidField("user_id", "user not found or inactive")
		}
		if _, err := tx.Assignments().FindActiveByAsset(ctx, asset.ID); err == nil {
			return domain.InvalidField("asset_id", "asset is already checked out")
		} else if !errors.Is(err, repository.ErrAssignmentNotFound) {
			return err
		}
		if asset.Status == domain.AssetCheckedOut {
			return domain.InvalidField("asset_id", "asset is already checked out")
		}

		a := &domain.Assignment{
			AssetID:      asset.ID,
			UserID:       user.ID,
			CheckedOutAt: now,
			DueAt:        req.DueAt,
		}
		if err := tx.Assignments().Create(ctx, a); err != nil {
			return err
		}
		if err := tx.Assets().SetCustody(ctx, asset.ID, asset.Status, domain.AssetCheckedOut, &user.ID); err != nil {
			return err
		}

		details := map[string]any{"assignment_id": a.ID, "actor_user_id": actor.UserID, "due_at": nil}
		if req.DueAt != nil {
			details["due_at"] = req.DueAt.UTC()
		}
		e := &domain.Event{
			Timestamp:  now,
			Type:       domain.EventCheckout,
			AssetTagID: strPtr(asset.ExternalTagID),
			UserTagID:  strPtr(user.ExternalTagID),
			Confidence: 1,
			Details:    eventDetails(details),
		}
		if err := l.events.Record(ctx, tx, e); err != nil {
			return err
		}

		asset.Status = domain.AssetCheckedOut
		asset.HolderUserID = &user.ID
		asset.UpdatedAt = now
		a.Asset, a.User = asset, user
		assignment, event = a, e
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return assignment, event, nil
}

// Return closes the asset's most recent open assignment.
func (l *CustodyLedger) Return(ctx context.Context, actor *domain.Identity, assetID uint) (*domain.Assignment, error) {
	ctx, span := observability.StartSpan(ctx, "custody.return")
	defer span.End()
	span.SetAttributes(attribute.Int64("asset.id", int64(assetID)))
	start := time.Now()

	assignment, event, err := l.returnAsset(ctx, actor, assetID)
	l.finish(ctx, "return", start, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	l.publish(ctx, event)
	return assignment, nil
}

func (l *CustodyLedger) returnAsset(ctx context.Context, actor *domain.Identity, assetID uint) (*domain.Assignment, *domain.Event, error) {
	if err := RequireAdmin(actor); err != nil {
		return nil, nil, err
	}
	if assetID == 0 {
		return nil, nil, domain.InvalidRequest("assetId is required")
	}

	var (
		assignment *domain.Assignment
		event      *domain.Event
	)
	err := l.store.InTx(ctx, func(tx repository.Store) error {
		now := l.now()
		asset, err := tx.Assets().LockByID(ctx, assetID)
		if err != nil {
			if errors.Is(err, repository.ErrAssetNotFound) {
				return domain.InvalidField("asset_id", "asset not found")
			}
			return err
		}
		active, err := tx.Assignments().FindActiveByAsset(ctx, asset.ID)
		if err != nil {
			if errors.Is(err, repository.ErrAssignmentNotFound) {
				return domain.InvalidField("asset_id", "no active assignment for this asset")
			}
			return err
		}
		holder, err := tx.Users().FindByID(ctx, active.UserID)
		if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
			return err
		}

		if err := tx.Assignments().MarkReturned(ctx, active.ID, now); err != nil {
			return err
		}
		if err := tx.Assets().SetCustody(ctx, asset.ID, asset.Status, domain.AssetAvailable, nil); err != nil {
			return err
		}

		e := &domain.Event{
			Timestamp:  now,
			Type:       domain.EventReturn,
			AssetTagID: strPtr(asset.ExternalTagID),
			Confidence: 1,
			Details: eventDetails(map[string]any{
				"assignment_id": active.ID,
				"actor_user_id": actor.UserID,
				"returned_at":   now,
			}),
		}
		if holder != nil {
			e.UserTagID = strPtr(holder.ExternalTagID)
		}
		if err := l.events.Record(ctx, tx, e); err != nil {
			return err
		}

		active.ReturnedAt = &now
		asset.Status = domain.AssetAvailable
		asset.HolderUserID = nil
		asset.UpdatedAt = now
		active.Asset, active.User = asset, holder
		assignment, event = active, e
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return assignment, event, nil
}

// ListActive returns open assignments newest first. Non-admin callers only
// see their own.
func (l *CustodyLedger) ListActive(ctx context.Context, identity *domain.Identity, filter ActiveAssignmentFilter) ([]domain.Assignment, error) {
	if identity == nil {
		return nil, domain.Unauthenticated("not authenticated")
	}
	return l.store.Assignments().ListActive(ctx, repository.ActiveAssignmentQuery{
		UserID:  ScopeUserID(identity, filter.UserID),
		AssetID: filter.AssetID,
	})
}

func (l *CustodyLedger) finish(ctx context.Context, transition string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if kind := domain.KindOf(err); kind != "" {
			outcome = strings.ToLower(string(kind))
		}
	}
	observability.RecordCustodyTransition(ctx, transition, outcome, time.Since(start).Seconds())
	if err != nil && outcome == "error" {
		l.logger.ErrorContext(ctx, "custody transition failed", "transition", transition, "error", err)
	}
}

func (l *CustodyLedger) publish(ctx context.Context, event *domain.Event) {
	if event == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := l.publisher.Publish(pubCtx, *event); err != nil {
		observability.RecordEventPublish(ctx, string(event.Type), "error")
		l.logger.WarnContext(ctx, "publish custody event failed", "type", event.Type, "event_id", event.ID, "error", err)
		return
	}
	observability.RecordEventPublish(ctx, string(event.Type), "success")
}

func strPtr(s string) *string { return &s }
