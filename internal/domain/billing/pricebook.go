package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/cache"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
)

// Price is a catalog entry as billing sees it.
type Price struct {
	Name   string
	Amount float64
}

// PriceBook resolves current catalog prices.
type PriceBook interface {
	ConsultationFee(ctx context.Context, departmentID uuid.UUID) (Price, error)
	LabPrice(ctx context.Context, testID uuid.UUID) (Price, error)
	BedRate(ctx context.Context, wardID uuid.UUID) (Price, error)
	DrugPrice(ctx context.Context, drugID uuid.UUID) (Price, error)
}

type pgPriceBook struct {
	pool *pgxpool.Pool
}

func NewPriceBook(pool *pgxpool.Pool) PriceBook {
	return &pgPriceBook{pool: pool}
}

func (p *pgPriceBook) lookup(ctx context.Context, resource, sql string, id uuid.UUID) (Price, error) {
	var pr Price
	err := db.Conn(ctx, p.pool).QueryRow(ctx, sql, id).Scan(&pr.Name, &pr.Amount)
	if db.IsNoRows(err) {
		return Price{}, apperr.NotFound(resource)
	}
	return pr, err
}

func (p *pgPriceBook) ConsultationFee(ctx context.Context, id uuid.UUID) (Price, error) {
	return p.lookup(ctx, "department", `SELECT name, consultation_fee FROM department WHERE id = $1`, id)
}

func (p *pgPriceBook) LabPrice(ctx context.Context, id uuid.UUID) (Price, error) {
	return p.lookup(ctx, "test", `SELECT name, price FROM test_catalog WHERE id = $1`, id)
}

func (p *pgPriceBook) BedRate(ctx context.Context, id uuid.UUID) (Price, error) {
	return p.lookup(ctx, "ward", `SELECT name, daily_rate FROM ward WHERE id = $1`, id)
}

func (p *pgPriceBook) DrugPrice(ctx context.Context, id uuid.UUID) (Price, error) {
	return p.lookup(ctx, "drug", `SELECT name, unit_price FROM drug_formulary WHERE id = $1`, id)
}

// CachedPriceBook keeps prices in a TTL cache. Catalog services delete
// the matching key when a price changes.
type CachedPriceBook struct {
	next  PriceBook
	cache *cache.Cache
}

func NewCachedPriceBook(next PriceBook, c *cache.Cache) *CachedPriceBook {
	return &CachedPriceBook{next: next, cache: c}
}

func (c *CachedPriceBook) ConsultationFee(ctx context.Context, id uuid.UUID) (Price, error) {
	return cache.Fetch(c.cache, cache.PriceKey("consult", id.String()), func() (Price, error) {
		return c.next.ConsultationFee(ctx, id)
	})
}

func (c *CachedPriceBook) LabPrice(ctx context.Context, id uuid.UUID) (Price, error) {
	return cache.Fetch(c.cache, cache.PriceKey("lab", id.String()), func() (Price, error) {
		return c.next.LabPrice(ctx, id)
	})
}

func (c *CachedPriceBook) BedRate(ctx context.Context, id uuid.UUID) (Price, error) {
	return cache.Fetch(c.cache, cache.PriceKey("bed", id.String()), func() (Price, error) {
		return c.next.BedRate(ctx, id)
	})
}

func (c *CachedPriceBook) DrugPrice(ctx context.Context, id uuid.UUID) (Price, error) {
	return cache.Fetch(c.cache, cache.PriceKey("drug", id.String()), func() (Price, error) {
		return c.next.DrugPrice(ctx, id)
	})
}
