package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/lock"
	"github.com/vasiliy-maslov/autoverify/internal/metrics"
	"github.com/vasiliy-maslov/autoverify/internal/upstream"
	"github.com/vasiliy-maslov/autoverify/internal/vcode"
)

// maxPendingPages bounds a single FetchPending pass.
const maxPendingPages = 50

var allowedTransitions = map[Status]map[Status]bool{
	StatusUnpaid: {
		StatusPaid:      true,
		StatusCancelled: true,
	},
	StatusPaid: {
		StatusShipped:   true,
		StatusCancelled: true,
		StatusRefunded:  true,
	},
	StatusShipped: {
		StatusReceived: true,
		StatusFinished: true,
		StatusRefunded: true,
	},
	StatusReceived: {
		StatusFinished: true,
		StatusRefunded: true,
	},
	StatusFinished:  {},
	StatusCancelled: {},
	StatusRefunded:  {},
}

var ErrShipRejected = errors.New("upstream rejected shipment")

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

type MonitorReport struct {
	RunID      string        `json:"run_id"`
	Fetched    int           `json:"fetched"`
	Processed  int           `json:"processed"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Reconciled int           `json:"reconciled"`
	Duration   time.Duration `json:"duration"`
}

type Service interface {
	FetchPending(ctx context.Context, window time.Duration) ([]upstream.Order, error)
	// ProcessOrder ingests one upstream order and auto-fulfils it. It reports true when the
	// order is shipped, whether by this call or an earlier one.
	ProcessOrder(ctx context.Context, raw upstream.Order) (bool, error)
	ProcessBySN(ctx context.Context, orderSN string) (bool, error)
	Monitor(ctx context.Context) (MonitorReport, error)
	GetOrder(ctx context.Context, orderSN string) (*Order, error)
	ListOrders(ctx context.Context, filter ListFilter) (Page[Order], error)
	Stats(ctx context.Context) (Stats, error)
}

type service struct {
	repo     Repository
	client   upstream.Client
	locker   lock.Locker
	cfg      config.OrderConfig
	generate vcode.Generator
	now      func() time.Time
}

// NewService wires the lifecycle manager. A nil generator falls back to random codes of
// cfg.CodeLength; a nil locker to an in-process keyed mutex.
func NewService(repo Repository, client upstream.Client, locker lock.Locker, cfg config.OrderConfig, generate vcode.Generator) Service {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if generate == nil {
		generate = vcode.NewGenerator(cfg.CodeLength)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &service{
		repo:     repo,
		client:   client,
		locker:   locker,
		cfg:      cfg,
		generate: generate,
		now:      time.Now,
	}
}

func (s *service) FetchPending(ctx context.Context, window time.Duration) ([]upstream.Order, error) {
	if window <= 0 {
		window = s.cfg.PendingWindow
	}
	end := s.now()
	paid := int(StatusPaid)
	q := upstream.OrderQuery{
		Start:    end.Add(-window),
		End:      end,
		Status:   &paid,
		Page:     1,
		PageSize: s.cfg.PageSize,
	}

	var out []upstream.Order
	for ; q.Page <= maxPendingPages; q.Page++ {
		page, err := s.client.ListOrders(ctx, q)
		if err != nil {
			log.Error().Err(err).Int("page", q.Page).Msg("lifecycle: failed to list pending orders")
			return nil, fmt.Errorf("lifecycle: failed to list pending orders: %w", err)
		}
		out = append(out, page.Orders...)
		if len(page.Orders) < q.PageSize || len(out) >= page.TotalCount {
			break
		}
	}

	log.Info().Int("count", len(out)).Dur("window", window).Msg("lifecycle: fetched pending orders")
	return out, nil
}

func (s *service) ProcessOrder(ctx context.Context, raw upstream.Order) (bool, error) {
	if raw.OrderSN == "" {
		log.Warn().Msg("lifecycle: order without order_sn ignored")
		return false, nil
	}
	sn := raw.OrderSN

	detail, err := s.client.OrderDetail(ctx, sn)
	if err != nil {
		log.Error().Err(err).Str("order_sn", sn).Msg("lifecycle: failed to fetch order detail")
		return false, fmt.Errorf("lifecycle: failed to fetch detail of %s: %w", sn, err)
	}
	switch Status(detail.OrderStatus) {
	case StatusPaid:
	case StatusShipped:
		return s.confirmShipped(ctx, sn)
	default:
		log.Info().Str("order_sn", sn).Int("status", detail.OrderStatus).Msg("lifecycle: order is not paid, skipping")
		return false, nil
	}
	if !s.eligible(detail) {
		log.Info().Str("order_sn", sn).Msg("lifecycle: order has no virtual goods, skipping")
		return false, nil
	}

	candidate, err := s.fromUpstream(detail)
	if err != nil {
		return false, err
	}
	stored, created, err := s.repo.CreateIfAbsent(ctx, candidate)
	if err != nil {
		log.Error().Err(err).Str("order_sn", sn).Msg("lifecycle: failed to store order")
		return false, fmt.Errorf("lifecycle: failed to store order %s: %w", sn, err)
	}
	if created {
		log.Info().Str("order_sn", sn).Stringer("amount", stored.Amount).Msg("lifecycle: order ingested")
	}

	switch {
	case stored.Status == StatusShipped:
		log.Debug().Str("order_sn", sn).Msg("lifecycle: order already shipped")
		return true, nil
	case !CanTransition(stored.Status, StatusShipped):
		log.Info().Str("order_sn", sn).Stringer("status", stored.Status).Msg("lifecycle: stored order cannot be shipped")
		return false, nil
	}

	return s.fulfil(ctx, stored)
}

func (s *service) fulfil(ctx context.Context, o *Order) (bool, error) {
	sn := o.OrderSN
	release, err := s.locker.Lock(ctx, "ship:"+sn)
	if err != nil {
		return false, fmt.Errorf("lifecycle: failed to lock %s: %w", sn, err)
	}
	defer release()

	// another worker may have shipped it while we waited
	current, err := s.repo.GetBySN(ctx, sn)
	if err != nil {
		return false, fmt.Errorf("lifecycle: failed to reload order %s: %w", sn, err)
	}
	if current.Status == StatusShipped {
		return true, nil
	}
	if current.Status != StatusPaid {
		return false, nil
	}

	// the code is stored before the ship call; a retry after a lost response ships the same one
	code := current.Code()
	if code == "" {
		generated, err := s.generate()
		if err != nil {
			return false, fmt.Errorf("lifecycle: failed to generate code for %s: %w", sn, err)
		}
		if code, err = s.repo.AssignCode(ctx, sn, generated); err != nil {
			return false, fmt.Errorf("lifecycle: failed to assign code to %s: %w", sn, err)
		}
	}

	at := s.now()
	delivery := s.delivery(code, at)

	out, err := s.client.Ship(ctx, sn, delivery)
	if err != nil {
		log.Error().Err(err).Str("order_sn", sn).Msg("lifecycle: ship call failed, order stays paid")
		return false, fmt.Errorf("lifecycle: failed to ship %s: %w", sn, err)
	}
	if !out.Success {
		log.Warn().Str("order_sn", sn).Str("message", out.Message).Msg("lifecycle: shipment rejected, order stays paid")
		return false, fmt.Errorf("lifecycle: %s: %w: %s", sn, ErrShipRejected, out.Message)
	}

	payload, err := json.Marshal(delivery)
	if err != nil {
		return false, fmt.Errorf("lifecycle: failed to encode delivery for %s: %w", sn, err)
	}
	if err := s.repo.MarkShipped(ctx, sn, code, types.JSONText(payload), at); err != nil {
		if errors.Is(err, ErrStateConflict) {
			log.Warn().Str("order_sn", sn).Msg("lifecycle: order left paid state concurrently")
			return true, nil
		}
		log.Error().Err(err).Str("order_sn", sn).Msg("lifecycle: shipped upstream but failed to persist")
		return false, fmt.Errorf("lifecycle: failed to persist shipment of %s: %w", sn, err)
	}

	log.Info().Str("order_sn", sn).Msg("lifecycle: order auto-fulfilled")
	return true, nil
}

// confirmShipped handles an order the platform already reports as shipped. A stored order
// still paid with a code assigned was shipped by an earlier attempt whose response was lost;
// it is moved to shipped with the code it was shipped with.
func (s *service) confirmShipped(ctx context.Context, sn string) (bool, error) {
	stored, err := s.repo.GetBySN(ctx, sn)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Info().Str("order_sn", sn).Msg("lifecycle: order shipped elsewhere, skipping")
			return false, nil
		}
		return false, fmt.Errorf("lifecycle: failed to load order %s: %w", sn, err)
	}
	if stored.Status == StatusShipped {
		return true, nil
	}
	if stored.Status != StatusPaid || stored.Code() == "" {
		return false, nil
	}

	release, err := s.locker.Lock(ctx, "ship:"+sn)
	if err != nil {
		return false, fmt.Errorf("lifecycle: failed to lock %s: %w", sn, err)
	}
	defer release()

	at := s.now()
	payload, err := json.Marshal(s.delivery(stored.Code(), at))
	if err != nil {
		return false, fmt.Errorf("lifecycle: failed to encode delivery for %s: %w", sn, err)
	}
	if err := s.repo.MarkShipped(ctx, sn, stored.Code(), types.JSONText(payload), at); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return true, nil
		}
		return false, fmt.Errorf("lifecycle: failed to persist shipment of %s: %w", sn, err)
	}

	log.Warn().Str("order_sn", sn).Msg("lifecycle: shipment confirmed by platform after a failed ship call")
	return true, nil
}

func (s *service) delivery(code string, at time.Time) upstream.Delivery {
	return upstream.Delivery{
		GoodsType:      "virtual",
		DeliveryMethod: "auto",
		DeliveryContent: upstream.DeliveryContent{
			Type:         "card_password",
			Content:      code,
			Instructions: s.cfg.Instructions,
		},
		DeliveryTime: at.Format(upstream.TimeLayout),
	}
}

func (s *service) ProcessBySN(ctx context.Context, orderSN string) (bool, error) {
	return s.ProcessOrder(ctx, upstream.Order{OrderSN: orderSN})
}

func (s *service) Monitor(ctx context.Context) (MonitorReport, error) {
	started := s.now()
	report := MonitorReport{}
	if id, err := uuid.NewV4(); err == nil {
		report.RunID = id.String()
	}
	logger := log.With().Str("run_id", report.RunID).Logger()
	logger.Info().Msg("lifecycle: monitor run started")

	pending, err := s.FetchPending(ctx, s.cfg.PendingWindow)
	if err != nil {
		return report, err
	}
	report.Fetched = len(pending)

	seen := make(map[string]bool, len(pending))
	for _, raw := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		seen[raw.OrderSN] = true
		ok, err := s.ProcessOrder(ctx, raw)
		switch {
		case err != nil:
			report.Failed++
			metrics.OrdersProcessedTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Str("order_sn", raw.OrderSN).Msg("lifecycle: order processing failed")
		case ok:
			report.Processed++
			metrics.OrdersProcessedTotal.WithLabelValues("shipped").Inc()
		default:
			report.Skipped++
			metrics.OrdersProcessedTotal.WithLabelValues("skipped").Inc()
		}
	}

	// orders whose ship call failed after the code was assigned drop out of the paid listing
	// once the platform marks them shipped, so they are rechecked by order number
	stranded, err := s.repo.ListAwaitingShipment(ctx, s.cfg.PageSize)
	if err != nil {
		logger.Error().Err(err).Msg("lifecycle: failed to list orders awaiting shipment")
	}
	for _, o := range stranded {
		if seen[o.OrderSN] {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		ok, err := s.ProcessBySN(ctx, o.OrderSN)
		switch {
		case err != nil:
			report.Failed++
			metrics.OrdersProcessedTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Str("order_sn", o.OrderSN).Msg("lifecycle: stranded order recheck failed")
		case ok:
			report.Reconciled++
			metrics.OrdersProcessedTotal.WithLabelValues("reconciled").Inc()
		}
	}

	report.Duration = s.now().Sub(started)
	logger.Info().
		Int("fetched", report.Fetched).
		Int("processed", report.Processed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("reconciled", report.Reconciled).
		Msg("lifecycle: monitor run finished")
	return report, nil
}

func (s *service) GetOrder(ctx context.Context, orderSN string) (*Order, error) {
	o, err := s.repo.GetBySN(ctx, orderSN)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Str("order_sn", orderSN).Msg("lifecycle: failed to fetch order")
		return nil, fmt.Errorf("lifecycle: failed to fetch order: %w", err)
	}
	return o, nil
}

func (s *service) ListOrders(ctx context.Context, filter ListFilter) (Page[Order], error) {
	page, err := s.repo.List(ctx, filter)
	if err != nil {
		return page, fmt.Errorf("lifecycle: failed to list orders: %w", err)
	}
	return page, nil
}

func (s *service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.repo.Stats(ctx)
	if err != nil {
		return st, fmt.Errorf("lifecycle: failed to compute stats: %w", err)
	}
	return st, nil
}

func (s *service) eligible(o *upstream.Order) bool {
	for _, g := range o.GoodsList {
		if slices.Contains(s.cfg.VirtualGoodsTypes, g.GoodsType) {
			return true
		}
	}
	return false
}

func (s *service) fromUpstream(u *upstream.Order) (*Order, error) {
	items := make([]LineItem, 0, len(u.GoodsList))
	for _, g := range u.GoodsList {
		items = append(items, LineItem{
			GoodsID:   g.GoodsID,
			GoodsName: g.GoodsName,
			GoodsType: g.GoodsType,
			Quantity:  g.Quantity,
			Price:     g.Price,
		})
	}
	goods, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to encode goods of %s: %w", u.OrderSN, err)
	}

	o := &Order{
		OrderSN:   u.OrderSN,
		BuyerID:   u.BuyerID,
		BuyerName: u.BuyerName,
		Amount:    u.OrderAmount,
		Status:    Status(u.OrderStatus),
		GoodsInfo: types.JSONText(goods),
	}
	if u.PayTime != "" {
		if t, err := time.ParseInLocation(upstream.TimeLayout, u.PayTime, time.Local); err == nil {
			utc := t.UTC()
			o.PayTime = &utc
		}
	}
	return o, nil
}
