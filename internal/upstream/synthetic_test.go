package upstream

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/autoverify/internal/config"
)

func fixedClock() time.Time {
	return time.Date(2025, 4, 16, 12, 0, 0, 0, time.UTC)
}

func TestSyntheticClient_Deterministic(t *testing.T) {
	cfg := config.SyntheticConfig{OrderCount: 10, SuccessRate: 0.75, Seed: 7}

	a := newSyntheticClientAt(cfg, fixedClock)
	b := newSyntheticClientAt(cfg, fixedClock)

	pageA, err := a.ListOrders(context.Background(), OrderQuery{PageSize: 100})
	require.NoError(t, err)
	pageB, err := b.ListOrders(context.Background(), OrderQuery{PageSize: 100})
	require.NoError(t, err)

	if diff := cmp.Diff(pageA, pageB); diff != "" {
		t.Errorf("same seed produced different orders (-a +b):\n%s", diff)
	}
	require.Len(t, pageA.Orders, 10)
	assert.Equal(t, "TEST202504160000", pageA.Orders[0].OrderSN)
	assert.Equal(t, "buyer_0003", pageA.Orders[3].BuyerID)

	for _, o := range pageA.Orders {
		assert.True(t, strings.HasPrefix(o.OrderSN, "TEST20250416"))
		assert.Contains(t, []int{0, 1, 2}, o.OrderStatus)
		require.Len(t, o.GoodsList, 1)
		assert.Contains(t, []int{1, 2, 3}, o.GoodsList[0].GoodsType)
		assert.True(t, o.OrderAmount.GreaterThanOrEqual(decimal.NewFromInt(10)))
		assert.True(t, o.OrderAmount.LessThanOrEqual(decimal.NewFromInt(100)))
	}
}

func TestSyntheticClient_FiltersAndPages(t *testing.T) {
	c := newSyntheticClientAt(config.SyntheticConfig{OrderCount: 0, SuccessRate: 1, Seed: 1}, fixedClock)
	for i, status := range []int{1, 1, 2, 1} {
		c.AddOrder(Order{
			OrderSN:     "ORD000" + string(rune('1'+i)),
			OrderStatus: status,
			PayTime:     fixedClock().Add(-time.Hour).Format(TimeLayout),
		})
	}

	paid := 1
	page, err := c.ListOrders(context.Background(), OrderQuery{Status: &paid, Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalCount)
	assert.Len(t, page.Orders, 2)

	page, err = c.ListOrders(context.Background(), OrderQuery{Status: &paid, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Orders, 1)

	page, err = c.ListOrders(context.Background(), OrderQuery{Start: fixedClock(), PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, page.TotalCount)
}

func TestSyntheticClient_ShipAndRedeem(t *testing.T) {
	c := newSyntheticClientAt(config.SyntheticConfig{SuccessRate: 1, Seed: 1}, fixedClock)
	c.AddOrder(Order{OrderSN: "ORD0001", OrderStatus: 1})
	ctx := context.Background()

	out, err := c.Ship(ctx, "ORD0001", Delivery{DeliveryMethod: "auto"})
	require.NoError(t, err)
	assert.True(t, out.Success)

	detail, err := c.OrderDetail(ctx, "ORD0001")
	require.NoError(t, err)
	assert.Equal(t, 2, detail.OrderStatus)

	out, err = c.ConfirmRedemption(ctx, "ORD0001", "K3F9QZ2Y7PLM1ABC")
	require.NoError(t, err)
	assert.True(t, out.Success)

	records, err := c.ListRedemptionRecords(ctx, RecordQuery{OrderSN: "ORD0001"})
	require.NoError(t, err)
	require.Len(t, records.Records, 1)
	assert.Equal(t, "K3F9QZ2Y7PLM1ABC", records.Records[0].VerificationCode)
}

func TestSyntheticClient_RejectsWhenRateIsZero(t *testing.T) {
	c := newSyntheticClientAt(config.SyntheticConfig{SuccessRate: 0, Seed: 1}, fixedClock)
	c.AddOrder(Order{OrderSN: "ORD0001", OrderStatus: 2})

	out, err := c.ConfirmRedemption(context.Background(), "ORD0001", "K3F9QZ2Y7PLM1ABC")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Message)
}

func TestSyntheticClient_UnknownOrder(t *testing.T) {
	c := newSyntheticClientAt(config.SyntheticConfig{Seed: 1}, fixedClock)

	_, err := c.OrderDetail(context.Background(), "ORD9999")
	assert.True(t, IsAPIError(err))

	_, err = c.Ship(context.Background(), "ORD9999", Delivery{})
	assert.True(t, IsAPIError(err))
}

func TestSyntheticClient_Tokens(t *testing.T) {
	c := newSyntheticClientAt(config.SyntheticConfig{Seed: 1}, fixedClock)

	tok, err := c.ExchangeToken(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "synthetic-access-abc", tok.AccessToken)

	refreshed, err := c.RefreshToken(context.Background(), tok.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)

	_, err = c.ExchangeToken(context.Background(), "")
	assert.True(t, IsAPIError(err))
}

func TestSyntheticClient_SatisfiesClient(t *testing.T) {
	var _ Client = (*SyntheticClient)(nil)
	var _ Client = (*SignedClient)(nil)
}
