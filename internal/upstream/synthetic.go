package upstream

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/autoverify/internal/config"
)

type product struct {
	GoodsID   string
	GoodsName string
	GoodsType int
	Price     decimal.Decimal
	Stock     int
}

// SyntheticClient is an in-memory Client for test mode. It is seeded, so the same
// configuration always yields the same catalogue, orders and redemption outcomes.
type SyntheticClient struct {
	mu          sync.Mutex
	rng         *rand.Rand
	now         func() time.Time
	successRate float64
	catalog     []product
	orders      []*Order
	bySN        map[string]*Order
	records     []RedemptionRecord
}

func NewSyntheticClient(cfg config.SyntheticConfig) *SyntheticClient {
	return newSyntheticClientAt(cfg, time.Now)
}

func newSyntheticClientAt(cfg config.SyntheticConfig, now func() time.Time) *SyntheticClient {
	c := &SyntheticClient{
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		now:         now,
		successRate: cfg.SuccessRate,
		bySN:        make(map[string]*Order),
	}
	c.catalog = c.generateCatalog(5)
	c.generateOrders(cfg.OrderCount)

	log.Info().Int("orders", len(c.orders)).Int("products", len(c.catalog)).Msg("upstream: synthetic client initialised")
	return c
}

func (c *SyntheticClient) randomAmount() decimal.Decimal {
	cents := 1000 + c.rng.IntN(9001)
	return decimal.New(int64(cents), -2)
}

func (c *SyntheticClient) generateCatalog(n int) []product {
	out := make([]product, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, product{
			GoodsID:   fmt.Sprintf("goods_%d", i),
			GoodsName: fmt.Sprintf("Virtual product %d", i),
			GoodsType: 1 + c.rng.IntN(3),
			Price:     c.randomAmount(),
			Stock:     100 + c.rng.IntN(901),
		})
	}
	return out
}

func (c *SyntheticClient) generateOrders(n int) {
	now := c.now()
	base := now.Add(-24 * time.Hour)
	day := now.Format("20060102")

	for i := 0; i < n; i++ {
		p := c.catalog[i%len(c.catalog)]
		placed := base.Add(time.Duration(i) * 30 * time.Minute)
		o := &Order{
			OrderSN:     fmt.Sprintf("TEST%s%04d", day, i),
			BuyerID:     fmt.Sprintf("buyer_%04d", i),
			BuyerName:   fmt.Sprintf("Test buyer %d", i),
			OrderStatus: c.rng.IntN(3),
			PayTime:     placed.Format(TimeLayout),
			OrderAmount: c.randomAmount(),
			GoodsList: []Goods{{
				GoodsID:   p.GoodsID,
				GoodsName: p.GoodsName,
				GoodsType: p.GoodsType,
				Quantity:  1,
				Price:     p.Price,
			}},
			CreatedAt: placed.Format(TimeLayout),
		}
		c.orders = append(c.orders, o)
		c.bySN[o.OrderSN] = o
	}
}

// AddOrder inserts or replaces an order in the synthetic store.
func (c *SyntheticClient) AddOrder(o Order) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := o
	if existing, ok := c.bySN[o.OrderSN]; ok {
		*existing = cp
		return
	}
	c.orders = append(c.orders, &cp)
	c.bySN[cp.OrderSN] = &cp
}

func (c *SyntheticClient) ListOrders(_ context.Context, q OrderQuery) (*OrderPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	loc := c.now().Location()
	var matched []Order
	for _, o := range c.orders {
		if q.Status != nil && o.OrderStatus != *q.Status {
			continue
		}
		if !q.Start.IsZero() || !q.End.IsZero() {
			paid, err := time.ParseInLocation(TimeLayout, o.PayTime, loc)
			if err == nil {
				if !q.Start.IsZero() && paid.Before(q.Start) {
					continue
				}
				if !q.End.IsZero() && paid.After(q.End) {
					continue
				}
			}
		}
		matched = append(matched, cloneOrder(o))
	}

	return &OrderPage{Orders: paginate(matched, q.Page, q.PageSize), TotalCount: len(matched)}, nil
}

func (c *SyntheticClient) OrderDetail(_ context.Context, orderSN string) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.bySN[orderSN]
	if !ok {
		return nil, &APIError{Operation: "order.detail", Message: fmt.Sprintf("order %s does not exist", orderSN)}
	}
	cp := cloneOrder(o)
	return &cp, nil
}

func (c *SyntheticClient) Ship(_ context.Context, orderSN string, _ Delivery) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.bySN[orderSN]
	if !ok {
		return nil, &APIError{Operation: "order.goods.send", Message: fmt.Sprintf("order %s does not exist", orderSN)}
	}
	o.OrderStatus = 2
	log.Info().Str("order_sn", orderSN).Msg("upstream: synthetic order shipped")
	return &Outcome{Success: true, Message: "shipped"}, nil
}

func (c *SyntheticClient) ConfirmRedemption(_ context.Context, orderSN, code string) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.bySN[orderSN]
	if !ok {
		return nil, &APIError{Operation: "virtual.goods.verify", Message: fmt.Sprintf("order %s does not exist", orderSN)}
	}

	if c.rng.Float64() >= c.successRate {
		log.Info().Str("order_sn", orderSN).Msg("upstream: synthetic redemption rejected")
		return &Outcome{Success: false, Message: "redemption failed, check the code"}, nil
	}

	o.OrderStatus = 4
	c.records = append(c.records, RedemptionRecord{
		OrderSN:          orderSN,
		VerificationCode: code,
		Success:          true,
		Time:             c.now().Format(TimeLayout),
	})
	log.Info().Str("order_sn", orderSN).Msg("upstream: synthetic redemption accepted")
	return &Outcome{Success: true, Message: "redeemed"}, nil
}

func (c *SyntheticClient) ListRedemptionRecords(_ context.Context, q RecordQuery) (*RecordPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []RedemptionRecord
	for _, r := range c.records {
		if q.OrderSN != "" && r.OrderSN != q.OrderSN {
			continue
		}
		matched = append(matched, r)
	}
	return &RecordPage{Records: paginate(matched, q.Page, q.PageSize), TotalCount: len(matched)}, nil
}

func (c *SyntheticClient) ExchangeToken(_ context.Context, code string) (*Token, error) {
	if code == "" {
		return nil, &APIError{Operation: "pop.auth.token.create", Message: "code is required"}
	}
	return &Token{
		AccessToken:  "synthetic-access-" + code,
		RefreshToken: "synthetic-refresh-" + code,
		ExpiresIn:    86400,
		OwnerID:      "synthetic-shop",
		OwnerName:    "Synthetic shop",
	}, nil
}

func (c *SyntheticClient) RefreshToken(_ context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, &APIError{Operation: "pop.auth.token.refresh", Message: "refresh_token is required"}
	}
	c.mu.Lock()
	stamp := c.now().Unix()
	c.mu.Unlock()
	return &Token{
		AccessToken:  fmt.Sprintf("synthetic-access-%d", stamp),
		RefreshToken: refreshToken,
		ExpiresIn:    86400,
		OwnerID:      "synthetic-shop",
		OwnerName:    "Synthetic shop",
	}, nil
}

func cloneOrder(o *Order) Order {
	cp := *o
	cp.GoodsList = append([]Goods(nil), o.GoodsList...)
	return cp
}

func paginate[T any](items []T, page, size int) []T {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}
	}
	end := min(start+size, len(items))
	return items[start:end]
}
