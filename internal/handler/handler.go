// Package handler serves the operator dashboard API.
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/auth"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/order"
	"github.com/vasiliy-maslov/autoverify/internal/redemption"
	"github.com/vasiliy-maslov/autoverify/internal/upstream"
)

const (
	stateCookie    = "oauth_state"
	dateLayout     = "2006-01-02"
	requestTimeout = 60 * time.Second
)

type VerifyRequest struct {
	OrderSN          string `json:"order_sn" validate:"required,max=64"`
	VerificationCode string `json:"verification_code" validate:"required,max=64"`
}

// BatchVerifyRequest only bounds the envelope; each entry is checked by the
// redemption engine so one bad entry does not reject its siblings.
type BatchVerifyRequest struct {
	Entries []redemption.Entry `json:"entries" validate:"required,min=1,max=100"`
}

type ProcessOrderRequest struct {
	OrderSN string `json:"order_sn" validate:"required,max=64"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ProcessOrderResponse struct {
	OrderSN string `json:"order_sn"`
	Shipped bool   `json:"shipped"`
}

type Handler struct {
	orders     order.Service
	redemption redemption.Service
	auth       auth.Service
	operator   *auth.Operator
	validate   *validator.Validate
}

func NewHandler(orders order.Service, redemption redemption.Service, authSvc auth.Service, operator *auth.Operator) *Handler {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if operator == nil {
		operator = auth.NewOperator(config.AuthConfig{})
	}
	return &Handler{
		orders:     orders,
		redemption: redemption,
		auth:       authSvc,
		operator:   operator,
		validate:   validate,
	}
}

// NewRouter builds the dashboard router with the standard middleware stack.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/oauth/login", h.handleOAuthLogin)
	router.Get("/oauth/callback", h.handleOAuthCallback)

	router.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.handleLogin)
		r.Get("/auth/status", h.handleAuthStatus)
		r.Get("/orders", h.handleListOrders)
		r.Get("/orders/{sn}", h.handleGetOrder)
		r.Get("/verification-records", h.handleListRecords)
		r.Get("/stats", h.handleStats)

		r.Group(func(r chi.Router) {
			r.Use(h.operator.Middleware)
			r.Post("/verify", h.handleVerify)
			r.Post("/verify/batch", h.handleBatchVerify)
			r.Post("/process-order", h.handleProcessOrder)
			r.Post("/monitor", h.handleMonitor)
			r.Post("/auto-verify", h.handleAutoVerify)
		})
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.redemption.Verify(r.Context(), req.OrderSN, req.VerificationCode, order.MethodManual)
	if err != nil {
		log.Error().Err(err).Str("order_sn", req.OrderSN).Msg("handler: verify failed")
		respondWithJSON(w, mapErrorToStatusCode(err), res)
		return
	}
	respondWithJSON(w, statusForResult(res), res)
}

func (h *Handler) handleBatchVerify(w http.ResponseWriter, r *http.Request) {
	var req BatchVerifyRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	respondWithJSON(w, http.StatusOK, h.redemption.BatchVerify(r.Context(), req.Entries))
}

func (h *Handler) handleProcessOrder(w http.ResponseWriter, r *http.Request) {
	var req ProcessOrderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	shipped, err := h.orders.ProcessBySN(r.Context(), req.OrderSN)
	if err != nil {
		log.Error().Err(err).Str("order_sn", req.OrderSN).Msg("handler: process order failed")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to process order")
		return
	}
	respondWithJSON(w, http.StatusOK, ProcessOrderResponse{OrderSN: req.OrderSN, Shipped: shipped})
}

func (h *Handler) handleMonitor(w http.ResponseWriter, r *http.Request) {
	report, err := h.orders.Monitor(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("handler: monitor run failed")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to fetch pending orders")
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleAutoVerify(w http.ResponseWriter, r *http.Request) {
	report, err := h.redemption.AutoVerifyUnverified(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("handler: auto-verify run failed")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to run auto-verification")
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size, err := pageParams(q.Get("page"), q.Get("page_size"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid paging parameters")
		return
	}
	filter := order.ListFilter{Page: page, PageSize: size}
	if v := q.Get("status"); v != "" {
		st, err := order.ParseStatus(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid status parameter")
			return
		}
		filter.Status = &st
	}

	result, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to list orders")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to list orders")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")
	if sn == "" {
		respondWithError(w, http.StatusBadRequest, "Order number cannot be empty")
		return
	}

	o, err := h.orders.GetOrder(r.Context(), sn)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			respondWithError(w, http.StatusNotFound, "Order not found")
			return
		}
		log.Error().Err(err).Str("order_sn", sn).Msg("handler: failed to get order")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to get order")
		return
	}
	respondWithJSON(w, http.StatusOK, o)
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size, err := pageParams(q.Get("page"), q.Get("page_size"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid paging parameters")
		return
	}
	from, err := parseTimeParam(q.Get("from"), false)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid from parameter")
		return
	}
	to, err := parseTimeParam(q.Get("to"), true)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid to parameter")
		return
	}

	if q.Get("source") == "upstream" {
		rq := upstream.RecordQuery{OrderSN: q.Get("order_sn"), Page: page, PageSize: size}
		if from != nil {
			rq.Start = *from
		}
		if to != nil {
			rq.End = *to
		}
		records, err := h.redemption.UpstreamRecords(r.Context(), rq)
		if err != nil {
			log.Error().Err(err).Msg("handler: failed to list upstream records")
			respondWithError(w, mapErrorToStatusCode(err), "Failed to list upstream records")
			return
		}
		respondWithJSON(w, http.StatusOK, records)
		return
	}

	result, err := h.redemption.ListRecords(r.Context(), order.RecordFilter{
		OrderSN:  q.Get("order_sn"),
		From:     from,
		To:       to,
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to list verification records")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to list verification records")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.orders.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to load stats")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to load stats")
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	token, expires, err := h.operator.Login(req.Username, req.Password)
	if err != nil {
		var msg string
		if errors.Is(err, auth.ErrInvalidCredentials) {
			msg = "Invalid username or password"
		} else {
			msg = "Login is not available"
		}
		respondWithError(w, mapErrorToStatusCode(err), msg)
		return
	}
	respondWithJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires})
}

func (h *Handler) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.auth.Status(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to load authorization status")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to load authorization status")
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (h *Handler) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	state, err := uuid.NewV4()
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to generate oauth state")
		respondWithError(w, http.StatusInternalServerError, "Failed to start authorization")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state.String(),
		Path:     "/oauth",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.auth.AuthorizeURL(state.String()), http.StatusFound)
}

func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != q.Get("state") {
		log.Warn().Msg("handler: oauth callback with mismatched state")
		respondWithError(w, http.StatusBadRequest, "Invalid authorization state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/oauth", MaxAge: -1})

	a, err := h.auth.HandleCallback(r.Context(), q.Get("code"))
	if err != nil {
		var msg string
		if errors.Is(err, auth.ErrMissingCode) {
			msg = "Authorization code is required"
		} else {
			log.Error().Err(err).Msg("handler: oauth callback failed")
			msg = "Failed to authorize shop"
		}
		respondWithError(w, mapErrorToStatusCode(err), msg)
		return
	}
	respondWithJSON(w, http.StatusOK, a)
}

func pageParams(pageStr, sizeStr string) (int, int, error) {
	page, size := 1, 20
	var err error
	if pageStr != "" {
		if page, err = strconv.Atoi(pageStr); err != nil || page < 1 {
			return 0, 0, errors.New("invalid page parameter")
		}
	}
	if sizeStr != "" {
		if size, err = strconv.Atoi(sizeStr); err != nil || size < 1 || size > 500 {
			return 0, 0, errors.New("invalid page_size parameter")
		}
	}
	return page, size, nil
}

// parseTimeParam accepts RFC 3339 or a bare date. A bare upper bound covers the whole day.
func parseTimeParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(dateLayout, v, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
