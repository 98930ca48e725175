package repository

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"loyaltycore/internal/model"
)

type audienceRepository struct {
	db *sqlx.DB
}

func NewAudienceRepository(db *sqlx.DB) AudienceRepository {
	return &audienceRepository{db: db}
}

// audienceWhere applies filters to a users query aliased "u". Lists are OR'ed
// within a dimension and dimensions are AND'ed. Users without an active
// device are never part of an audience.
func audienceWhere(b sq.SelectBuilder, f model.TargetFilters) sq.SelectBuilder {
	b = b.Where("EXISTS (SELECT 1 FROM device_tokens d WHERE d.user_id = u.id AND d.is_active)")

	cities := make([]string, 0, len(f.Cities)+len(f.CustomCities))
	cities = append(cities, f.Cities...)
	cities = append(cities, f.CustomCities...)
	if len(cities) > 0 {
		b = b.Where(sq.Expr("lower(u.city) = ANY(?)", pq.Array(lowerAll(cities))))
	}
	if len(f.ClothingSizes) > 0 {
		b = b.Where(sq.Eq{"u.clothing_size": []string(f.ClothingSizes)})
	}
	if len(f.ShoeSizes) > 0 {
		b = b.Where(sq.Eq{"u.shoe_size": []string(f.ShoeSizes)})
	}
	if len(f.CategoryIDs) > 0 {
		b = b.Where(sq.Expr(
			"EXISTS (SELECT 1 FROM user_categories c WHERE c.user_id = u.id AND c.category_id = ANY(?))",
			pq.Array([]int64(f.CategoryIDs)),
		))
	}
	return b
}

func (r *audienceRepository) ResolveUserIDs(ctx context.Context, filters model.TargetFilters) ([]int64, error) {
	query, args, err := audienceWhere(sq.Select("u.id").From("users u"), filters).
		OrderBy("u.id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audience query: %w", err)
	}

	var ids []int64
	if err := conn(ctx, r.db).SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	return ids, nil
}

func (r *audienceRepository) CountUsers(ctx context.Context, filters model.TargetFilters) (int, error) {
	query, args, err := audienceWhere(sq.Select("COUNT(*)").From("users u"), filters).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build audience count query: %w", err)
	}

	var count int
	if err := conn(ctx, r.db).GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count audience: %w", err)
	}
	return count, nil
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
