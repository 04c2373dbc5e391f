// Package upstream talks to the marketplace open platform.
package upstream

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is the wall-clock format the platform uses for timestamps in payloads.
const TimeLayout = "2006-01-02 15:04:05"

// Client is the method surface shared by the signed HTTP client and the synthetic stand-in.
type Client interface {
	ListOrders(ctx context.Context, q OrderQuery) (*OrderPage, error)
	OrderDetail(ctx context.Context, orderSN string) (*Order, error)
	Ship(ctx context.Context, orderSN string, d Delivery) (*Outcome, error)
	ConfirmRedemption(ctx context.Context, orderSN, code string) (*Outcome, error)
	ListRedemptionRecords(ctx context.Context, q RecordQuery) (*RecordPage, error)
	ExchangeToken(ctx context.Context, code string) (*Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}

type Goods struct {
	GoodsID   string          `json:"goods_id"`
	GoodsName string          `json:"goods_name"`
	GoodsType int             `json:"goods_type"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type Order struct {
	OrderSN     string          `json:"order_sn"`
	BuyerID     string          `json:"buyer_id"`
	BuyerName   string          `json:"buyer_name"`
	OrderStatus int             `json:"order_status"`
	PayTime     string          `json:"pay_time,omitempty"`
	OrderAmount decimal.Decimal `json:"order_amount"`
	GoodsList   []Goods         `json:"goods_list"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

type OrderQuery struct {
	Start    time.Time
	End      time.Time
	Status   *int
	Page     int
	PageSize int
}

type OrderPage struct {
	Orders     []Order `json:"order_list"`
	TotalCount int     `json:"total_count"`
}

type DeliveryContent struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	Instructions string `json:"instructions"`
}

// Delivery is the fulfilment payload sent with the ship operation.
type Delivery struct {
	GoodsType       string          `json:"goods_type"`
	DeliveryMethod  string          `json:"delivery_method"`
	DeliveryContent DeliveryContent `json:"delivery_content"`
	DeliveryTime    string          `json:"delivery_time"`
}

// Outcome is the platform's answer to ship and redemption calls.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type RedemptionRecord struct {
	OrderSN          string `json:"order_sn"`
	VerificationCode string `json:"verification_code"`
	Success          bool   `json:"success"`
	Time             string `json:"time"`
}

type RecordQuery struct {
	OrderSN  string
	Start    time.Time
	End      time.Time
	Page     int
	PageSize int
}

type RecordPage struct {
	Records    []RedemptionRecord `json:"records"`
	TotalCount int                `json:"total_count"`
}

type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	OwnerID      string `json:"owner_id"`
	OwnerName    string `json:"owner_name"`
}

// ExpiresAt converts the relative lifetime into an absolute time. Zero when unknown.
func (t *Token) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}
