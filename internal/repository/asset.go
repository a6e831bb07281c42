package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/arkeep-io/taskctl/internal/db"
)

type gormAssetRepository struct {
	db *gorm.DB
}

// NewAssetRepository returns an AssetRepository backed by the provided
// *gorm.DB.
func NewAssetRepository(gdb *gorm.DB) AssetRepository {
	return &gormAssetRepository{db: gdb}
}

func (r *gormAssetRepository) Create(ctx context.Context, asset *db.Asset) error {
	if err := r.db.WithContext(ctx).Create(asset).Error; err != nil {
		return fmt.Errorf("assets: create: %w", err)
	}
	return nil
}

func (r *gormAssetRepository) GetByKey(ctx context.Context, key string) (*db.Asset, error) {
	var asset db.Asset
	err := r.db.WithContext(ctx).First(&asset, "key = ?", key).Error
	if err != nil {
		return nil, fmt.Errorf("assets: get by key: %w", translateGormErr(err))
	}
	return &asset, nil
}

func (r *gormAssetRepository) Update(ctx context.Context, asset *db.Asset) error {
	result := r.db.WithContext(ctx).Save(asset)
	if result.Error != nil {
		return fmt.Errorf("assets: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAssetRepository) Delete(ctx context.Context, key string) error {
	result := r.db.WithContext(ctx).Where("key = ?", key).Delete(&db.Asset{})
	if result.Error != nil {
		return fmt.Errorf("assets: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every asset — the full snapshot attached to each dispatch
// (§4.C dispatch: "Attach a fresh snapshot of all assets").
func (r *gormAssetRepository) List(ctx context.Context) ([]db.Asset, error) {
	var assets []db.Asset
	if err := r.db.WithContext(ctx).Order("key ASC").Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("assets: list: %w", err)
	}
	return assets, nil
}
