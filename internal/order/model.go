package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

type Status int

const (
	StatusUnpaid Status = iota
	StatusPaid
	StatusShipped
	StatusReceived
	StatusFinished
	StatusCancelled
	StatusRefunded
)

var statusNames = map[Status]string{
	StatusUnpaid:    "unpaid",
	StatusPaid:      "paid",
	StatusShipped:   "shipped",
	StatusReceived:  "received",
	StatusFinished:  "finished",
	StatusCancelled: "cancelled",
	StatusRefunded:  "refunded",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusRefunded
}

// ParseStatus accepts either the numeric code or the name.
func ParseStatus(v string) (Status, error) {
	for st, name := range statusNames {
		if name == v || fmt.Sprint(int(st)) == v {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", v)
}

type LineItem struct {
	GoodsID   string          `json:"goods_id"`
	GoodsName string          `json:"goods_name"`
	GoodsType int             `json:"goods_type"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type Order struct {
	ID               int64              `json:"id" db:"id"`
	OrderSN          string             `json:"order_sn" db:"order_sn"`
	BuyerID          string             `json:"buyer_id" db:"buyer_id"`
	BuyerName        string             `json:"buyer_name" db:"buyer_name"`
	Amount           decimal.Decimal    `json:"amount" db:"amount"`
	Status           Status             `json:"status" db:"status"`
	PayTime          *time.Time         `json:"pay_time,omitempty" db:"pay_time"`
	ShippedAt        *time.Time         `json:"shipped_at,omitempty" db:"shipped_at"`
	ReceivedAt       *time.Time         `json:"received_at,omitempty" db:"received_at"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty" db:"finished_at"`
	GoodsInfo        types.JSONText     `json:"goods_info" db:"goods_info"`
	DeliveryInfo     types.NullJSONText `json:"-" db:"delivery_info"`
	VerificationCode *string            `json:"-" db:"verification_code"`
	Verified         bool               `json:"verified" db:"verified"`
	VerifiedAt       *time.Time         `json:"verified_at,omitempty" db:"verified_at"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
}

func (o *Order) LineItems() ([]LineItem, error) {
	if len(o.GoodsInfo) == 0 {
		return nil, nil
	}
	var items []LineItem
	if err := json.Unmarshal(o.GoodsInfo, &items); err != nil {
		return nil, fmt.Errorf("order %s: invalid goods_info: %w", o.OrderSN, err)
	}
	return items, nil
}

// Code returns the assigned verification code, or "" if none has been assigned.
func (o *Order) Code() string {
	if o.VerificationCode == nil {
		return ""
	}
	return *o.VerificationCode
}

type Method string

const (
	MethodManual Method = "manual"
	MethodAuto   Method = "auto"
	MethodBatch  Method = "batch"
)

// VerificationRecord is one redemption attempt. Rows are only ever inserted.
type VerificationRecord struct {
	ID               int64      `json:"id" db:"id"`
	OrderSN          string     `json:"order_sn" db:"order_sn"`
	VerificationCode string     `json:"verification_code" db:"verification_code"`
	Success          bool       `json:"success" db:"success"`
	Result           string     `json:"result" db:"result"`
	Method           Method     `json:"method" db:"method"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

type ListFilter struct {
	Status   *Status
	Page     int
	PageSize int
}

type RecordFilter struct {
	OrderSN  string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

type Stats struct {
	TotalOrders             int `json:"total_orders" db:"total_orders"`
	PendingOrders           int `json:"pending_orders" db:"pending_orders"`
	ShippedOrders           int `json:"shipped_orders" db:"shipped_orders"`
	FinishedOrders          int `json:"finished_orders" db:"finished_orders"`
	VerifiableOrders        int `json:"verifiable_orders" db:"verifiable_orders"`
	TotalVerifications      int `json:"total_verifications" db:"total_verifications"`
	SuccessfulVerifications int `json:"successful_verifications" db:"successful_verifications"`
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	if size > 500 {
		size = 500
	}
	return page, size
}
