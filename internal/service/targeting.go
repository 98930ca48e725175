package service

import (
	"context"
	"fmt"
	"strings"

	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

const (
	maxFilterValues = 1000
	maxFilterLength = 128
)

// TargetResolver resolves broadcast audiences. Only users holding an active
// device are ever returned.
type TargetResolver struct {
	audience repository.AudienceRepository
}

func NewTargetResolver(audience repository.AudienceRepository) *TargetResolver {
	return &TargetResolver{audience: audience}
}

func (r *TargetResolver) Resolve(ctx context.Context, filters model.TargetFilters) ([]int64, error) {
	if err := ValidateFilters(filters); err != nil {
		return nil, err
	}
	return r.audience.ResolveUserIDs(ctx, filters)
}

func (r *TargetResolver) Count(ctx context.Context, filters model.TargetFilters) (int, error) {
	if err := ValidateFilters(filters); err != nil {
		return 0, err
	}
	return r.audience.CountUsers(ctx, filters)
}

// ValidateFilters rejects blank or oversized values and non-positive ids.
func ValidateFilters(f model.TargetFilters) error {
	lists := []struct {
		name   string
		values []string
	}{
		{"cities", f.Cities},
		{"clothing_sizes", f.ClothingSizes},
		{"shoe_sizes", f.ShoeSizes},
		{"custom_cities", f.CustomCities},
	}
	for _, l := range lists {
		if len(l.values) > maxFilterValues {
			return fmt.Errorf("%w: %s has too many values", model.ErrTargetResolution, l.name)
		}
		for _, v := range l.values {
			v = strings.TrimSpace(v)
			if v == "" || len(v) > maxFilterLength {
				return fmt.Errorf("%w: %s contains an invalid value", model.ErrTargetResolution, l.name)
			}
		}
	}
	if len(f.CategoryIDs) > maxFilterValues {
		return fmt.Errorf("%w: category_ids has too many values", model.ErrTargetResolution)
	}
	for _, id := range f.CategoryIDs {
		if id <= 0 {
			return fmt.Errorf("%w: category_ids must be positive", model.ErrTargetResolution)
		}
	}
	return nil
}
