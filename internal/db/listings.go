package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ListingRepo reads candidate listings produced by the scraping subsystem.
type ListingRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewListingRepo creates a new listing repository
func NewListingRepo(db *DB, logger *zap.Logger) *ListingRepo {
	return &ListingRepo{db: db, logger: logger}
}

// ListDiscoveredSince returns active listings discovered at or after the
// given cursor, oldest first so a capped batch always drains the oldest
// backlog before newer arrivals.
func (r *ListingRepo) ListDiscoveredSince(ctx context.Context, since time.Time, limit int) ([]*Listing, error) {
	query := `
		SELECT
			id, make, model, year, price, mileage, fuel_type, transmission,
			body_type, location, power_kw, condition, discovered_at, is_active
		FROM listings
		WHERE is_active = TRUE AND discovered_at >= $1
		ORDER BY discovered_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var listings []*Listing
	for rows.Next() {
		var l Listing
		err := rows.Scan(
			&l.ID,
			&l.Make,
			&l.Model,
			&l.Year,
			&l.Price,
			&l.Mileage,
			&l.FuelType,
			&l.Transmission,
			&l.BodyType,
			&l.Location,
			&l.PowerKW,
			&l.Condition,
			&l.DiscoveredAt,
			&l.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return listings, nil
}
