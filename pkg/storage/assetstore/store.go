// Package assetstore keeps binary attachments in a local SQLite database. It
// implements the fetch and save delegates used by the asset tracker and
// removes assets that no scene has used for a while.
package assetstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp-forge/boardsync/pkg/assets"
	"github.com/hashicorp-forge/boardsync/pkg/database"
	"github.com/hashicorp-forge/boardsync/pkg/scene"
)

// DefaultObsoleteAfter is how long an unreferenced asset is kept.
const DefaultObsoleteAfter = 24 * time.Hour

// Config configures the asset store.
type Config struct {
	// Path is the SQLite database file, or database.MemoryPath.
	Path string

	// ObsoleteAfter is how long an asset may go unused before ClearObsolete
	// removes it (default: 24 hours).
	ObsoleteAfter time.Duration
}

// Store is the local asset store.
type Store struct {
	db            *gorm.DB
	obsoleteAfter time.Duration
	logger        hclog.Logger

	now func() time.Time
}

var (
	_ assets.Fetcher = (*Store)(nil)
	_ assets.Saver   = (*Store)(nil)
)

// Open connects to the database described by cfg and migrates the asset
// table.
func Open(cfg Config, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("asset-store")

	db, err := database.Connect(database.Config{Path: cfg.Path}, logger, &StoredAsset{})
	if err != nil {
		return nil, fmt.Errorf("failed to open asset store: %w", err)
	}
	return New(db, cfg.ObsoleteAfter, logger), nil
}

// New wraps an already migrated database.
func New(db *gorm.DB, obsoleteAfter time.Duration, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if obsoleteAfter <= 0 {
		obsoleteAfter = DefaultObsoleteAfter
	}
	return &Store{
		db:            db,
		obsoleteAfter: obsoleteAfter,
		logger:        logger,
		now:           time.Now,
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return database.Close(s.db)
}

// GetFiles loads the given assets. Ids with no row are reported as errored.
// Loaded assets have their last-retrieved time stamped; failing to persist
// the stamp is only logged.
func (s *Store) GetFiles(ctx context.Context, ids []scene.AssetID) (assets.FetchResult, error) {
	result := assets.NewFetchResult()
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, string(id))
	}

	var rows []StoredAsset
	if err := s.db.WithContext(ctx).Where("id IN ?", keys).Find(&rows).Error; err != nil {
		return result, fmt.Errorf("failed to load assets: %w", err)
	}

	now := s.now().UTC()
	found := make(map[scene.AssetID]struct{}, len(rows))
	loaded := make([]string, 0, len(rows))
	for _, row := range rows {
		row.LastRetrievedAt = &now
		result.Loaded = append(result.Loaded, row.Asset())
		found[scene.AssetID(row.ID)] = struct{}{}
		loaded = append(loaded, row.ID)
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			result.Errored[id] = struct{}{}
		}
	}

	if len(loaded) > 0 {
		err := s.db.WithContext(ctx).
			Model(&StoredAsset{}).
			Where("id IN ?", loaded).
			UpdateColumn("last_retrieved_at", now).Error
		if err != nil {
			s.logger.Warn("error updating last retrieved time", "error", err, "count", len(loaded))
		}
	}

	s.logger.Debug("loaded assets",
		"requested", len(ids),
		"loaded", len(result.Loaded),
		"errored", len(result.Errored))
	return result, nil
}

// SaveFiles writes every asset in its own statement so one failure does not
// affect the others. An existing row is overwritten.
func (s *Store) SaveFiles(ctx context.Context, added map[scene.AssetID]scene.Asset) (assets.SaveResult, error) {
	result := assets.NewSaveResult()
	if err := ctx.Err(); err != nil {
		for id, a := range added {
			result.Errored[id] = a
		}
		return result, err
	}

	var merr *multierror.Error
	for id, a := range added {
		if err := a.Validate(); err != nil {
			merr = multierror.Append(merr, err)
			result.Errored[id] = a
			continue
		}

		row := newStoredAsset(a)
		if row.CreatedAt.IsZero() {
			row.CreatedAt = s.now().UTC()
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"mime_type", "content", "size", "version", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("asset %s: %w", id, err))
			result.Errored[id] = a
			continue
		}
		result.Saved[id] = a
	}

	if err := merr.ErrorOrNil(); err != nil {
		s.logger.Warn("error saving some assets",
			"error", err,
			"saved", len(result.Saved),
			"errored", len(result.Errored))
	}
	return result, nil
}

// Get returns a single stored asset.
func (s *Store) Get(ctx context.Context, id scene.AssetID) (scene.Asset, error) {
	var row StoredAsset
	err := s.db.WithContext(ctx).First(&row, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return scene.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return scene.Asset{}, fmt.Errorf("failed to load asset %s: %w", id, err)
	}
	return row.Asset(), nil
}

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("asset not found")

// Stats summarizes the store contents.
type Stats struct {
	Count      int64
	TotalBytes int64
}

// Stats returns the number of assets and their combined size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.WithContext(ctx).
		Model(&StoredAsset{}).
		Select("COUNT(*) AS count, COALESCE(SUM(size), 0) AS total_bytes").
		Scan(&stats).Error
	if err != nil {
		return Stats{}, fmt.Errorf("failed to compute asset stats: %w", err)
	}
	return stats, nil
}

// ClearObsolete deletes assets that are not in currentIDs and have not been
// retrieved (or, if never retrieved, were created) within the obsolete
// window. It returns the deleted ids.
func (s *Store) ClearObsolete(ctx context.Context, currentIDs []scene.AssetID) ([]scene.AssetID, error) {
	current := make(map[string]struct{}, len(currentIDs))
	for _, id := range currentIDs {
		current[string(id)] = struct{}{}
	}

	var rows []StoredAsset
	err := s.db.WithContext(ctx).
		Select("id", "created_at", "last_retrieved_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	cutoff := s.now().Add(-s.obsoleteAfter)
	var obsolete []string
	for _, row := range rows {
		if _, ok := current[row.ID]; ok {
			continue
		}
		if row.lastUsed().Before(cutoff) {
			obsolete = append(obsolete, row.ID)
		}
	}
	if len(obsolete) == 0 {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).Where("id IN ?", obsolete).Delete(&StoredAsset{}).Error; err != nil {
		return nil, fmt.Errorf("failed to delete obsolete assets: %w", err)
	}

	deleted := make([]scene.AssetID, 0, len(obsolete))
	for _, id := range obsolete {
		deleted = append(deleted, scene.AssetID(id))
	}
	s.logger.Info("cleared obsolete assets", "count", len(deleted), "cutoff", cutoff)
	return deleted, nil
}
