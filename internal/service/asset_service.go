package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/repository"

	"golang.org/x/sync/errgroup"
)

const (
	assetHistoryEventLimit = 200
	assetLookupLimit       = 20
)

type CreateAssetInput struct {
	Name          string             `json:"name"`
	ExternalTagID string             `json:"external_tag_id"`
	Barcode       string             `json:"barcode"`
	Serial        *string            `json:"serial"`
	Category      *string            `json:"category"`
	Status        domain.AssetStatus `json:"status"`
}

type UpdateAssetInput struct {
	Name     *string             `json:"name"`
	Barcode  *string             `json:"barcode"`
	Serial   *string             `json:"serial"`
	Category *string             `json:"category"`
	Status   *domain.AssetStatus `json:"status"`
}

type AssetHistory struct {
	Asset       *domain.Asset          `json:"asset"`
	Assignments []domain.Assignment    `json:"assignments"`
	Events      []domain.EnrichedEvent `json:"events"`
}

// AssetService covers asset reads and the non-custody field updates.
// CHECKED_OUT is only ever entered or left through CustodyLedger.
type AssetService struct {
	store  repository.Store
	events *EventRecorder
	misses LookupMissCache
	logger *slog.Logger
}

func NewAssetService(store repository.Store, events *EventRecorder, misses LookupMissCache, logger *slog.Logger) *AssetService {
	if misses == nil {
		misses = NoopLookupMissCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetService{store: store, events: events, misses: misses, logger: logger}
}

func manualStatus(s domain.AssetStatus) bool {
	return s == domain.AssetAvailable || s == domain.AssetMissing || s == domain.AssetMaintenance
}

func (s *AssetService) List(ctx context.Context, identity *domain.Identity, query repository.AssetListQuery) (repository.PageResult[domain.Asset], error) {
	if identity == nil {
		return repository.PageResult[domain.Asset]{}, domain.Unauthenticated("not authenticated")
	}
	query.IncludeDeleted = false
	return s.store.Assets().ListPaged(ctx, query)
}

func (s *AssetService) Get(ctx context.Context, identity *domain.Identity, id uint) (*domain.Asset, error) {
	if identity == nil {
		return nil, domain.Unauthenticated("not authenticated")
	}
	asset, err := s.store.Assets().FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAssetNotFound) {
			return nil, domain.NotFound("asset not found")
		}
		return nil, err
	}
	if asset.Deleted() {
		return nil, domain.NotFound("asset not found")
	}
	return asset, nil
}

// History returns every assignment of the asset and its most recent events.
// Retired assets keep their history.
func (s *AssetService) History(ctx context.Context, identity *domain.Identity, id uint) (*AssetHistory, error) {
	if identity == nil {
		return nil, domain.Unauthenticated("not authenticated")
	}
	asset, err := s.store.Assets().FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAssetNotFound) {
			return nil, domain.NotFound("asset not found")
		}
		return nil, err
	}

	var (
		assignments []domain.Assignment
		events      []domain.Event
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		assignments, err = s.store.Assignments().ListByAsset(gctx, asset.ID, 0)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = s.store.Events().List(gctx, repository.EventQuery{
			AssetTagID: &asset.ExternalTagID,
			Limit:      assetHistoryEventLimit,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	enriched, err := s.events.Enrich(ctx, events)
	if err != nil {
		return nil, err
	}
	return &AssetHistory{Asset: asset, Assignments: assignments, Events: enriched}, nil
}

func (s *AssetService) Lookup(ctx context.Context, identity *domain.Identity, code string) ([]domain.Asset, error) {
	if identity == nil {
		return nil, domain.Unauthenticated("not authenticated")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.InvalidField("code", "code is required")
	}
	if missed, err := s.misses.Missed(ctx, code); err != nil {
		s.logger.WarnContext(ctx, "lookup miss cache read failed", "error", err)
	} else if missed {
		return []domain.Asset{}, nil
	}
	assets, err := s.store.Assets().Lookup(ctx, code, assetLookupLimit)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		if err := s.misses.RecordMiss(ctx, code); err != nil {
			s.logger.WarnContext(ctx, "lookup miss cache write failed", "error", err)
		}
	}
	return assets, nil
}

func (s *AssetService) invalidateLookups(ctx context.Context) {
	if err := s.misses.Invalidate(ctx); err != nil {
		s.logger.WarnContext(ctx, "lookup miss cache invalidate failed", "error", err)
	}
}

func (s *AssetService) Create(ctx context.Context, actor *domain.Identity, in CreateAssetInput) (*domain.Asset, error) {
	if err := RequireAdmin(actor); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	tag := strings.TrimSpace(in.ExternalTagID)
	if name == "" || tag == "" {
		return nil, domain.InvalidRequest("name and external_tag_id are required")
	}
	status := in.Status
	if status == "" {
		status = domain.AssetAvailable
	}
	if !manualStatus(status) {
		return nil, domain.InvalidField("status", "status must be AVAILABLE, MISSING or MAINTENANCE")
	}
	barcode := strings.TrimSpace(in.Barcode)
	if barcode == "" {
		barcode = tag
	}
	asset := &domain.Asset{
		ExternalTagID: tag,
		Name:          name,
		Barcode:       barcode,
		Serial:        trimmedOrNil(in.Serial),
		Category:      trimmedOrNil(in.Category),
		Status:        status,
	}
	if err := s.store.Assets().Create(ctx, asset); err != nil {
		return nil, err
	}
	s.invalidateLookups(ctx)
	return asset, nil
}

func (s *AssetService) Update(ctx context.Context, actor *domain.Identity, id uint, in UpdateAssetInput) (*domain.Asset, error) {
	if err := RequireAdmin(actor); err != nil {
		return nil, err
	}
	var updated *domain.Asset
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		asset, err := s.lockLive(ctx, tx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return domain.InvalidField("name", "name must not be empty")
			}
			asset.Name = name
		}
		if in.Barcode != nil {
			asset.Barcode = strings.TrimSpace(*in.Barcode)
		}
		if in.Serial != nil {
			asset.Serial = trimmedOrNil(in.Serial)
		}
		if in.Category != nil {
			asset.Category = trimmedOrNil(in.Category)
		}
		if in.Status != nil && *in.Status != asset.Status {
			if asset.Status == domain.AssetCheckedOut {
				return domain.InvalidField("status", "asset is checked out, return it first")
			}
			if !manualStatus(*in.Status) {
				return domain.InvalidField("status", "status must be AVAILABLE, MISSING or MAINTENANCE")
			}
			asset.Status = *in.Status
		}
		if err := tx.Assets().Update(ctx, asset); err != nil {
			return err
		}
		updated = asset
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateLookups(ctx)
	return updated, nil
}

// Delete retires the asset. Checked-out assets must be returned first.
func (s *AssetService) Delete(ctx context.Context, actor *domain.Identity, id uint) (*domain.Asset, error) {
	if err := RequireAdmin(actor); err != nil {
		return nil, err
	}
	var retired *domain.Asset
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		asset, err := s.lockLive(ctx, tx, id)
		if err != nil {
			return err
		}
		if asset.Status == domain.AssetCheckedOut {
			return domain.InvalidField("asset_id", "asset is checked out, return it first")
		}
		now := time.Now().UTC()
		asset.DeletedAt = &now
		asset.Status = domain.AssetRetired
		if err := tx.Assets().Update(ctx, asset); err != nil {
			return err
		}
		retired = asset
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateLookups(ctx)
	return retired, nil
}

func (s *AssetService) lockLive(ctx context.Context, tx repository.Store, id uint) (*domain.Asset, error) {
	asset, err := tx.Assets().LockByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAssetNotFound) {
			return nil, domain.NotFound("asset not found")
		}
		return nil, err
	}
	if asset.Deleted() {
		return nil, domain.NotFound("asset not found")
	}
	return asset, nil
}

// InventoryReader exposes store counts to the Prometheus collector.
type InventoryReader struct {
	store repository.Store
}

func NewInventoryReader(store repository.Store) *InventoryReader {
	return &InventoryReader{store: store}
}

func (r *InventoryReader) AssetCountsByStatus(ctx context.Context) (map[domain.AssetStatus]int64, error) {
	return r.store.Assets().CountByStatus(ctx)
}

func (r *InventoryReader) ActiveAssignmentCount(ctx context.Context) (int64, error) {
	return r.store.Assignments().CountActive(ctx)
}

func (r *InventoryReader) OverdueAssignmentCount(ctx context.Context, now time.Time) (int64, error) {
	return r.store.Assignments().CountOverdue(ctx, now)
}
