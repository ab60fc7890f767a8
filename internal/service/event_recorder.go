package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/repository"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// EventFilter selects events for listEvents. IDs are resolved to the tags
// events are keyed by.
type EventFilter struct {
	AssetID *uint
	UserID  *uint
	Limit   int
}

type EventRecorder struct {
	store repository.Store
}

func NewEventRecorder(store repository.Store) *EventRecorder {
	return &EventRecorder{store: store}
}

// Record appends e through tx, so the event commits or rolls back with the
// caller's transition.
func (r *EventRecorder) Record(ctx context.Context, tx repository.Store, e *domain.Event) error {
	if e.Type == "" {
		return domain.InvalidField("type", "event type is required")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return domain.InvalidField("confidence", "confidence must be within [0,1]")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return tx.Events().Append(ctx, e)
}

// Enrich attaches the current asset and user snapshot for each event's tags.
// Each distinct tag set is resolved with one query; tags that no longer
// resolve leave the snapshot nil.
func (r *EventRecorder) Enrich(ctx context.Context, events []domain.Event) ([]domain.EnrichedEvent, error) {
	out := make([]domain.EnrichedEvent, len(events))
	if len(events) == 0 {
		return out, nil
	}
	assetTags := distinctTags(events, func(e domain.Event) *string { return e.AssetTagID })
	userTags := distinctTags(events, func(e domain.Event) *string { return e.UserTagID })

	var (
		assets []domain.Asset
		users  []domain.User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		assets, err = r.store.Assets().FindByTagIDs(gctx, assetTags)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = r.store.Users().FindByTagIDs(gctx, userTags)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	assetByTag := make(map[string]*domain.Asset, len(assets))
	for i := range assets {
		assetByTag[assets[i].ExternalTagID] = &assets[i]
	}
	userByTag := make(map[string]*domain.User, len(users))
	for i := range users {
		userByTag[users[i].ExternalTagID] = &users[i]
	}
	for i, e := range events {
		out[i].Event = e
		if e.AssetTagID != nil {
			out[i].Asset = assetByTag[*e.AssetTagID]
		}
		if e.UserTagID != nil {
			out[i].User = userByTag[*e.UserTagID]
		}
	}
	return out, nil
}

// List returns enriched events newest first. Non-admin callers only see
// events tagged with their own user tag.
func (r *EventRecorder) List(ctx context.Context, identity *domain.Identity, filter EventFilter) ([]domain.EnrichedEvent, error) {
	if identity == nil {
		return nil, domain.Unauthenticated("not authenticated")
	}
	query := repository.EventQuery{Limit: filter.Limit}
	if filter.AssetID != nil {
		asset, err := r.store.Assets().FindByID(ctx, *filter.AssetID)
		if err != nil {
			if errors.Is(err, repository.ErrAssetNotFound) {
				return []domain.EnrichedEvent{}, nil
			}
			return nil, err
		}
		query.AssetTagID = &asset.ExternalTagID
	}
	if userID := ScopeUserID(identity, filter.UserID); userID != nil {
		if *userID == identity.UserID {
			tag := identity.ExternalTagID
			query.UserTagID = &tag
		} else {
			user, err := r.store.Users().FindByID(ctx, *userID)
			if err != nil {
				if errors.Is(err, repository.ErrUserNotFound) {
					return []domain.EnrichedEvent{}, nil
				}
				return nil, err
			}
			query.UserTagID = &user.ExternalTagID
		}
	}
	events, err := r.store.Events().List(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.Enrich(ctx, events)
}

func distinctTags(events []domain.Event, tag func(domain.Event) *string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range events {
		t := tag(e)
		if t == nil || *t == "" {
			continue
		}
		if _, ok := seen[*t]; ok {
			continue
		}
		seen[*t] = struct{}{}
		out = append(out, *t)
	}
	return out
}

func eventDetails(v map[string]any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
