// Package endpoints defines the analytical endpoints served by the proxy:
// their cache TTLs, declared parameters, warehouse queries, and fallback
// values. Task IDs double as the logical field names of each aggregate.
package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pricewatch/warehouse-proxy/pkg/cache"
	"github.com/pricewatch/warehouse-proxy/pkg/dispatch"
	"github.com/pricewatch/warehouse-proxy/pkg/fallback"
	"github.com/pricewatch/warehouse-proxy/pkg/orchestrator"
	"github.com/pricewatch/warehouse-proxy/pkg/warehouse"
)

// Cache lifetimes per endpoint. Listings churn faster than aggregate
// statistics, so they expire sooner.
const (
	homeTTL        = time.Hour
	trendingTTL    = 30 * time.Minute
	priceDropsTTL  = 15 * time.Minute
	topDealsTTL    = 15 * time.Minute
	newArrivalsTTL = 30 * time.Minute
)

// Config holds endpoint configuration.
type Config struct {
	// ProjectID and DatasetID qualify warehouse table names
	ProjectID string
	DatasetID string

	// TaskTimeout bounds each warehouse query (default 15s)
	TaskTimeout time.Duration
}

// Register wires all endpoint definitions and their static fallbacks.
func Register(orch *orchestrator.Orchestrator, registry *fallback.Registry, wh warehouse.Client, cfg Config) error {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 15 * time.Second
	}

	b := builder{wh: wh, cfg: cfg}

	registerFallbacks(registry)

	endpoints := []orchestrator.Endpoint{
		b.home(),
		b.trending(),
		b.priceDrops(),
		b.topDeals(),
		b.newArrivals(),
	}

	for _, ep := range endpoints {
		if err := orch.Register(ep); err != nil {
			return fmt.Errorf("register endpoint: %w", err)
		}
	}
	return nil
}

// registerFallbacks installs the static defaults served when a query fails
// and no last-known-good value exists yet.
func registerFallbacks(registry *fallback.Registry) {
	registry.RegisterStatic("home.stats", json.RawMessage(
		`[{"total_products":"0+","product_categories":"0+","total_suppliers":"0+","price_updates_today":"0+","active_deals":"0+"}]`))
	registry.RegisterStatic("home.trending", json.RawMessage(`[]`))
	registry.RegisterStatic("home.retailers", json.RawMessage(`[]`))
	registry.RegisterStatic("trending.products", json.RawMessage(`[]`))
	registry.RegisterStatic("price-drops.items", json.RawMessage(`[]`))
	registry.RegisterStatic("price-drops.stats", json.RawMessage(
		`[{"total_drops":0,"avg_discount":0,"max_discount":0}]`))
	registry.RegisterStatic("top-deals.items", json.RawMessage(`[]`))
	registry.RegisterStatic("new-arrivals.items", json.RawMessage(`[]`))
}

type builder struct {
	wh  warehouse.Client
	cfg Config
}

// table qualifies a warehouse table name.
func (b builder) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", b.cfg.ProjectID, b.cfg.DatasetID, name)
}

// queryTask wraps one warehouse query as a dispatch task; rows marshal to
// the field payload.
func (b builder) queryTask(id, fallbackID, sql string, params map[string]any) dispatch.Task {
	return dispatch.Task{
		ID:         id,
		FallbackID: fallbackID,
		Timeout:    b.cfg.TaskTimeout,
		Invoke: func(ctx context.Context) (json.RawMessage, error) {
			rows, err := b.wh.Execute(ctx, warehouse.Query{SQL: sql, Params: params})
			if err != nil {
				return nil, err
			}
			return json.Marshal(rows)
		},
	}
}

// home aggregates the homepage: headline statistics, trending products,
// and the retailer directory, fetched in parallel.
func (b builder) home() orchestrator.Endpoint {
	return orchestrator.Endpoint{
		ID:  "home",
		TTL: homeTTL,
		Tasks: func(params cache.Params) []dispatch.Task {
			return []dispatch.Task{
				b.queryTask("stats", "home.stats", fmt.Sprintf(`
					SELECT
					  (SELECT COUNT(DISTINCT shop_product_id) FROM %s) AS total_products,
					  (SELECT COUNT(DISTINCT category_id) FROM %s WHERE parent_category_id IS NULL) AS product_categories,
					  (SELECT COUNT(DISTINCT shop_id) FROM %s) AS total_suppliers,
					  (SELECT COUNT(*) FROM %s WHERE is_available = TRUE
					     AND original_price IS NOT NULL AND current_price < original_price) AS active_deals`,
					b.table("DimShopProduct"), b.table("DimCategory"),
					b.table("DimShop"), b.table("FactProductPrice")), nil),
				b.queryTask("trending", "home.trending", fmt.Sprintf(`
					SELECT fpp.variant_id, COUNT(fpp.price_fact_id) AS trend_score
					FROM %s AS fpp
					JOIN %s AS dd ON fpp.date_id = dd.date_id
					WHERE dd.full_date >= DATE_SUB(CURRENT_DATE(), INTERVAL 7 DAY)
					GROUP BY fpp.variant_id
					ORDER BY trend_score DESC
					LIMIT 10`,
					b.table("FactProductPrice"), b.table("DimDate")), nil),
				b.queryTask("retailers", "home.retailers", fmt.Sprintf(`
					SELECT shop_id, shop_name FROM %s ORDER BY shop_name`,
					b.table("DimShop")), nil),
			}
		},
	}
}

// trending lists products by market activity over a period.
func (b builder) trending() orchestrator.Endpoint {
	return orchestrator.Endpoint{
		ID:         "trending",
		TTL:        trendingTTL,
		ParamNames: []string{"limit", "period", "category", "sort"},
		Tasks: func(params cache.Params) []dispatch.Task {
			query := map[string]any{
				"interval_days": periodDays(stringParam(params, "period", "week")),
				"category":      stringParam(params, "category", ""),
				"limit":         intParam(params, "limit", 20),
			}
			return []dispatch.Task{
				b.queryTask("products", "trending.products", fmt.Sprintf(`
					WITH TrendingScores AS (
					  SELECT fpp.variant_id, COUNT(fpp.price_fact_id) AS trend_score
					  FROM %s AS fpp
					  JOIN %s AS dd ON fpp.date_id = dd.date_id
					  WHERE dd.full_date >= DATE_SUB(CURRENT_DATE(), INTERVAL @interval_days DAY)
					  GROUP BY fpp.variant_id
					)
					SELECT sp.shop_product_id AS id, sp.product_title_native AS name,
					       sp.brand_native AS brand, s.shop_name AS retailer,
					       ts.trend_score
					FROM %s AS sp
					JOIN %s AS v ON sp.shop_product_id = v.shop_product_id
					JOIN %s AS s ON sp.shop_id = s.shop_id
					JOIN TrendingScores AS ts ON v.variant_id = ts.variant_id
					WHERE (@category = '' OR sp.predicted_master_category = @category)
					ORDER BY ts.trend_score DESC
					LIMIT @limit`,
					b.table("FactProductPrice"), b.table("DimDate"),
					b.table("DimShopProduct"), b.table("DimVariant"), b.table("DimShop")), query),
			}
		},
	}
}

// priceDrops lists recent discounts plus summary statistics, fetched in
// parallel with independent timeouts.
func (b builder) priceDrops() orchestrator.Endpoint {
	return orchestrator.Endpoint{
		ID:         "price-drops",
		TTL:        priceDropsTTL,
		ParamNames: []string{"timeRange", "category", "retailer", "minDiscount", "sort", "page", "limit"},
		Tasks: func(params cache.Params) []dispatch.Task {
			limit := intParam(params, "limit", 20)
			query := map[string]any{
				"interval_days": rangeDays(stringParam(params, "timeRange", "24h")),
				"category":      stringParam(params, "category", ""),
				"retailer":      stringParam(params, "retailer", ""),
				"min_discount":  intParam(params, "minDiscount", 0),
				"limit":         limit,
				"offset":        (intParam(params, "page", 1) - 1) * limit,
			}
			return []dispatch.Task{
				b.queryTask("items", "price-drops.items", fmt.Sprintf(`
					WITH PriceChanges AS (
					  SELECT fpp.variant_id, fpp.current_price, fpp.original_price,
					         ROUND((fpp.original_price - fpp.current_price) / fpp.original_price * 100, 0) AS discount,
					         dd.full_date AS change_date
					  FROM %s AS fpp
					  JOIN %s AS dd ON fpp.date_id = dd.date_id
					  WHERE dd.full_date >= DATE_SUB(CURRENT_DATE(), INTERVAL @interval_days DAY)
					    AND fpp.original_price > fpp.current_price
					)
					SELECT sp.shop_product_id AS id, sp.product_title_native AS name,
					       s.shop_name AS retailer, pc.current_price AS price,
					       pc.original_price, pc.discount, CAST(pc.change_date AS STRING) AS change_date
					FROM PriceChanges pc
					JOIN %s v ON pc.variant_id = v.variant_id
					JOIN %s sp ON v.shop_product_id = sp.shop_product_id
					JOIN %s s ON sp.shop_id = s.shop_id
					WHERE pc.discount >= @min_discount
					  AND (@category = '' OR sp.predicted_master_category = @category)
					  AND (@retailer = '' OR s.shop_name = @retailer)
					ORDER BY pc.discount DESC
					LIMIT @limit OFFSET @offset`,
					b.table("FactProductPrice"), b.table("DimDate"), b.table("DimVariant"),
					b.table("DimShopProduct"), b.table("DimShop")), query),
				b.queryTask("stats", "price-drops.stats", fmt.Sprintf(`
					SELECT COUNT(*) AS total_drops,
					       ROUND(AVG((original_price - current_price) / original_price * 100), 1) AS avg_discount,
					       ROUND(MAX((original_price - current_price) / original_price * 100), 1) AS max_discount
					FROM %s AS fpp
					JOIN %s AS dd ON fpp.date_id = dd.date_id
					WHERE dd.full_date >= DATE_SUB(CURRENT_DATE(), INTERVAL @interval_days DAY)
					  AND fpp.original_price > fpp.current_price`,
					b.table("FactProductPrice"), b.table("DimDate")), query),
			}
		},
	}
}

// topDeals lists the currently available products with the deepest
// discounts.
func (b builder) topDeals() orchestrator.Endpoint {
	return orchestrator.Endpoint{
		ID:         "top-deals",
		TTL:        topDealsTTL,
		ParamNames: []string{"limit", "category"},
		Tasks: func(params cache.Params) []dispatch.Task {
			query := map[string]any{
				"category": stringParam(params, "category", ""),
				"limit":    intParam(params, "limit", 20),
			}
			return []dispatch.Task{
				b.queryTask("items", "top-deals.items", fmt.Sprintf(`
					SELECT sp.shop_product_id AS id, sp.product_title_native AS name,
					       s.shop_name AS retailer, fpp.current_price AS price, fpp.original_price,
					       ROUND((fpp.original_price - fpp.current_price) / fpp.original_price * 100, 0) AS discount
					FROM %s AS fpp
					JOIN %s AS v ON fpp.variant_id = v.variant_id
					JOIN %s AS sp ON v.shop_product_id = sp.shop_product_id
					JOIN %s AS s ON sp.shop_id = s.shop_id
					WHERE fpp.is_available = TRUE AND fpp.original_price > fpp.current_price
					  AND (@category = '' OR sp.predicted_master_category = @category)
					ORDER BY discount DESC
					LIMIT @limit`,
					b.table("FactProductPrice"), b.table("DimVariant"),
					b.table("DimShopProduct"), b.table("DimShop")), query),
			}
		},
	}
}

// newArrivals lists products first seen within the time range.
func (b builder) newArrivals() orchestrator.Endpoint {
	return orchestrator.Endpoint{
		ID:         "new-arrivals",
		TTL:        newArrivalsTTL,
		ParamNames: []string{"timeRange", "category", "retailer", "minPrice", "maxPrice", "limit", "page"},
		Tasks: func(params cache.Params) []dispatch.Task {
			limit := intParam(params, "limit", 20)
			query := map[string]any{
				"interval_days": rangeDays(stringParam(params, "timeRange", "7d")),
				"category":      stringParam(params, "category", ""),
				"retailer":      stringParam(params, "retailer", ""),
				"min_price":     floatParam(params, "minPrice", 0),
				"max_price":     floatParam(params, "maxPrice", 0),
				"limit":         limit,
				"offset":        (intParam(params, "page", 1) - 1) * limit,
			}
			return []dispatch.Task{
				b.queryTask("items", "new-arrivals.items", fmt.Sprintf(`
					SELECT sp.shop_product_id AS id, sp.product_title_native AS name,
					       s.shop_name AS retailer, sp.first_seen_date,
					       fpp.current_price AS price
					FROM %s AS sp
					JOIN %s AS s ON sp.shop_id = s.shop_id
					JOIN %s AS v ON sp.shop_product_id = v.shop_product_id
					JOIN %s AS fpp ON v.variant_id = fpp.variant_id
					WHERE sp.first_seen_date >= DATE_SUB(CURRENT_DATE(), INTERVAL @interval_days DAY)
					  AND (@category = '' OR sp.predicted_master_category = @category)
					  AND (@retailer = '' OR s.shop_name = @retailer)
					  AND (@min_price = 0 OR fpp.current_price >= @min_price)
					  AND (@max_price = 0 OR fpp.current_price <= @max_price)
					ORDER BY sp.first_seen_date DESC
					LIMIT @limit OFFSET @offset`,
					b.table("DimShopProduct"), b.table("DimShop"),
					b.table("DimVariant"), b.table("FactProductPrice")), query),
			}
		},
	}
}

// periodDays converts a period name to an interval in days.
func periodDays(period string) int {
	switch period {
	case "day":
		return 1
	case "month":
		return 30
	default:
		return 7
	}
}

// rangeDays converts a time range name to an interval in days.
func rangeDays(timeRange string) int {
	switch timeRange {
	case "24h":
		return 1
	case "30d":
		return 30
	default:
		return 7
	}
}

func stringParam(params cache.Params, name, def string) string {
	if v, ok := params[name].(string); ok && v != "" {
		return v
	}
	return def
}

func intParam(params cache.Params, name string, def int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func floatParam(params cache.Params, name string, def float64) float64 {
	switch v := params[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
