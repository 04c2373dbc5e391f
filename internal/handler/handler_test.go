package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/autoverify/internal/auth"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/order"
	"github.com/vasiliy-maslov/autoverify/internal/redemption"
	"github.com/vasiliy-maslov/autoverify/internal/upstream"
)

type mockOrderService struct {
	order.Service
	processBySNFunc func(ctx context.Context, sn string) (bool, error)
	monitorFunc     func(ctx context.Context) (order.MonitorReport, error)
	getOrderFunc    func(ctx context.Context, sn string) (*order.Order, error)
	listOrdersFunc  func(ctx context.Context, filter order.ListFilter) (order.Page[order.Order], error)
	statsFunc       func(ctx context.Context) (order.Stats, error)
}

func (m *mockOrderService) ProcessBySN(ctx context.Context, sn string) (bool, error) {
	return m.processBySNFunc(ctx, sn)
}

func (m *mockOrderService) Monitor(ctx context.Context) (order.MonitorReport, error) {
	return m.monitorFunc(ctx)
}

func (m *mockOrderService) GetOrder(ctx context.Context, sn string) (*order.Order, error) {
	return m.getOrderFunc(ctx, sn)
}

func (m *mockOrderService) ListOrders(ctx context.Context, filter order.ListFilter) (order.Page[order.Order], error) {
	return m.listOrdersFunc(ctx, filter)
}

func (m *mockOrderService) Stats(ctx context.Context) (order.Stats, error) {
	return m.statsFunc(ctx)
}

type mockRedemptionService struct {
	redemption.Service
	verifyFunc      func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error)
	batchFunc       func(ctx context.Context, entries []redemption.Entry) redemption.BatchResult
	autoFunc        func(ctx context.Context) (redemption.AutoReport, error)
	listRecordsFunc func(ctx context.Context, filter order.RecordFilter) (order.Page[order.VerificationRecord], error)
	upstreamFunc    func(ctx context.Context, q upstream.RecordQuery) (*upstream.RecordPage, error)
}

func (m *mockRedemptionService) Verify(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error) {
	return m.verifyFunc(ctx, sn, code, method)
}

func (m *mockRedemptionService) BatchVerify(ctx context.Context, entries []redemption.Entry) redemption.BatchResult {
	return m.batchFunc(ctx, entries)
}

func (m *mockRedemptionService) AutoVerifyUnverified(ctx context.Context) (redemption.AutoReport, error) {
	return m.autoFunc(ctx)
}

func (m *mockRedemptionService) ListRecords(ctx context.Context, filter order.RecordFilter) (order.Page[order.VerificationRecord], error) {
	return m.listRecordsFunc(ctx, filter)
}

func (m *mockRedemptionService) UpstreamRecords(ctx context.Context, q upstream.RecordQuery) (*upstream.RecordPage, error) {
	return m.upstreamFunc(ctx, q)
}

type mockAuthService struct {
	auth.Service
	authorizeURLFunc func(state string) string
	callbackFunc     func(ctx context.Context, code string) (*auth.ShopAuthorization, error)
	statusFunc       func(ctx context.Context) (auth.Status, error)
}

func (m *mockAuthService) AuthorizeURL(state string) string {
	return m.authorizeURLFunc(state)
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*auth.ShopAuthorization, error) {
	return m.callbackFunc(ctx, code)
}

func (m *mockAuthService) Status(ctx context.Context) (auth.Status, error) {
	return m.statusFunc(ctx)
}

func newTestRouter(orders order.Service, red redemption.Service, authSvc auth.Service, op *auth.Operator) http.Handler {
	return NewRouter(NewHandler(orders, red, authSvc, op))
}

func doRequest(t *testing.T, h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_Verify(t *testing.T) {
	verifiedAt := time.Date(2025, 4, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		body           string
		verify         func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error)
		expectedStatus int
		expectedKind   redemption.Kind
	}{
		{
			name: "success",
			body: `{"order_sn":"ORD0001","verification_code":"K3F9QZ2Y7PLM1ABC"}`,
			verify: func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error) {
				assert.Equal(t, "ORD0001", sn)
				assert.Equal(t, "K3F9QZ2Y7PLM1ABC", code)
				assert.Equal(t, order.MethodManual, method)
				return redemption.Result{Success: true, Kind: redemption.KindOK, OrderSN: sn, VerifiedAt: &verifiedAt}, nil
			},
			expectedStatus: http.StatusOK,
			expectedKind:   redemption.KindOK,
		},
		{
			name: "malformed code",
			body: `{"order_sn":"ORD0001","verification_code":"bad!"}`,
			verify: func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error) {
				return redemption.Result{Kind: redemption.KindValidation, Reason: redemption.ReasonInvalidCode, OrderSN: sn}, nil
			},
			expectedStatus: http.StatusBadRequest,
			expectedKind:   redemption.KindValidation,
		},
		{
			name: "not found",
			body: `{"order_sn":"ORD9999","verification_code":"K3F9QZ2Y7PLM1ABC"}`,
			verify: func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error) {
				return redemption.Result{Kind: redemption.KindNotFound, Message: "not found", OrderSN: sn}, nil
			},
			expectedStatus: http.StatusNotFound,
			expectedKind:   redemption.KindNotFound,
		},
		{
			name: "already verified",
			body: `{"order_sn":"ORD0001","verification_code":"K3F9QZ2Y7PLM1ABC"}`,
			verify: func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error) {
				return redemption.Result{Kind: redemption.KindStateConflict, Reason: redemption.ReasonAlreadyVerified, OrderSN: sn}, nil
			},
			expectedStatus: http.StatusConflict,
			expectedKind:   redemption.KindStateConflict,
		},
		{
			name: "upstream rejected",
			body: `{"order_sn":"ORD0001","verification_code":"K3F9QZ2Y7PLM1ABC"}`,
			verify: func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error) {
				return redemption.Result{Kind: redemption.KindRejected, OrderSN: sn}, nil
			},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedKind:   redemption.KindRejected,
		},
		{
			name: "transport error",
			body: `{"order_sn":"ORD0001","verification_code":"K3F9QZ2Y7PLM1ABC"}`,
			verify: func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error) {
				err := &upstream.TransportError{Operation: "pdd.virtual.goods.verify", Attempts: 3, Err: context.DeadlineExceeded}
				return redemption.Result{Kind: redemption.KindTransportError, OrderSN: sn}, err
			},
			expectedStatus: http.StatusBadGateway,
			expectedKind:   redemption.KindTransportError,
		},
		{
			name: "persistence error",
			body: `{"order_sn":"ORD0001","verification_code":"K3F9QZ2Y7PLM1ABC"}`,
			verify: func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error) {
				return redemption.Result{Kind: redemption.KindPersistenceError, OrderSN: sn}, assert.AnError
			},
			expectedStatus: http.StatusInternalServerError,
			expectedKind:   redemption.KindPersistenceError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			red := &mockRedemptionService{verifyFunc: tt.verify}
			router := newTestRouter(&mockOrderService{}, red, &mockAuthService{}, nil)

			rr := doRequest(t, router, http.MethodPost, "/api/verify", tt.body, nil)
			require.Equal(t, tt.expectedStatus, rr.Code)

			var res redemption.Result
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
			assert.Equal(t, tt.expectedKind, res.Kind)
		})
	}
}

func TestHandler_Verify_BadRequests(t *testing.T) {
	red := &mockRedemptionService{verifyFunc: func(ctx context.Context, sn, code string, method order.Method) (redemption.Result, error) {
		t.Fatal("verify must not be called")
		return redemption.Result{}, nil
	}}
	router := newTestRouter(&mockOrderService{}, red, &mockAuthService{}, nil)

	tests := []struct {
		name        string
		body        string
		wantDetails map[string]string
	}{
		{name: "invalid json", body: `{invalid json}`},
		{name: "unknown field", body: `{"order_sn":"ORD0001","verification_code":"X","extra":1}`},
		{name: "missing fields", body: `{}`, wantDetails: map[string]string{"order_sn": "is required", "verification_code": "is required"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, router, http.MethodPost, "/api/verify", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, rr.Code)
			if tt.wantDetails != nil {
				var resp ValidationErrorResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
				if diff := cmp.Diff(tt.wantDetails, resp.Details); diff != "" {
					t.Errorf("validation details mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestHandler_BatchVerify(t *testing.T) {
	red := &mockRedemptionService{batchFunc: func(ctx context.Context, entries []redemption.Entry) redemption.BatchResult {
		want := []redemption.Entry{
			{OrderSN: "ORD0001", VerificationCode: "K3F9QZ2Y7PLM1ABC"},
			{OrderSN: "ORD0002", VerificationCode: "bad!"},
		}
		assert.Equal(t, want, entries)
		return redemption.BatchResult{BatchID: "b-1", Total: 2, Success: 1, Failed: 1}
	}}
	router := newTestRouter(&mockOrderService{}, red, &mockAuthService{}, nil)

	body := `{"entries":[{"order_sn":"ORD0001","verification_code":"K3F9QZ2Y7PLM1ABC"},{"order_sn":"ORD0002","verification_code":"bad!"}]}`
	rr := doRequest(t, router, http.MethodPost, "/api/verify/batch", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var res redemption.BatchResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 1, res.Failed)

	rr = doRequest(t, router, http.MethodPost, "/api/verify/batch", `{"entries":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_BatchVerify_BadEntryDoesNotAbortSiblings(t *testing.T) {
	ctx := context.Background()
	repo := order.NewMemoryRepository()
	client := upstream.NewSyntheticClient(config.SyntheticConfig{SuccessRate: 1, Seed: 1})
	for _, sn := range []string{"ORD0001", "ORD0002", "ORD0003"} {
		_, _, err := repo.CreateIfAbsent(ctx, &order.Order{OrderSN: sn, Status: order.StatusPaid})
		require.NoError(t, err)
		require.NoError(t, repo.MarkShipped(ctx, sn, "CODE"+sn+"X", types.JSONText(`{}`), time.Now()))
		client.AddOrder(upstream.Order{OrderSN: sn, OrderStatus: int(order.StatusShipped)})
	}
	red := redemption.NewService(repo, client, nil, nil, 10)
	router := newTestRouter(&mockOrderService{}, red, &mockAuthService{}, nil)

	body := `{"entries":[` +
		`{"order_sn":"ORD0001","verification_code":"CODEORD0001X"},` +
		`{"order_sn":"ORD0002","verification_code":""},` +
		`{"order_sn":"ORD0003","verification_code":"CODEORD0003X"}]}`
	rr := doRequest(t, router, http.MethodPost, "/api/verify/batch", body, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res redemption.BatchResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 3)
	assert.Equal(t, redemption.KindValidation, res.Results[1].Kind)

	o, err := repo.GetBySN(ctx, "ORD0001")
	require.NoError(t, err)
	assert.True(t, o.Verified)
	o, err = repo.GetBySN(ctx, "ORD0002")
	require.NoError(t, err)
	assert.False(t, o.Verified)
}

func TestHandler_ListOrders(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		wantFilter     *order.ListFilter
		expectedStatus int
	}{
		{name: "defaults", query: "", wantFilter: &order.ListFilter{Page: 1, PageSize: 20}, expectedStatus: http.StatusOK},
		{name: "status by name", query: "?status=shipped&page=2&page_size=5", wantFilter: &order.ListFilter{Status: statusPtr(order.StatusShipped), Page: 2, PageSize: 5}, expectedStatus: http.StatusOK},
		{name: "status by number", query: "?status=4", wantFilter: &order.ListFilter{Status: statusPtr(order.StatusFinished), Page: 1, PageSize: 20}, expectedStatus: http.StatusOK},
		{name: "bad status", query: "?status=lost", expectedStatus: http.StatusBadRequest},
		{name: "bad page", query: "?page=0", expectedStatus: http.StatusBadRequest},
		{name: "page size too large", query: "?page_size=1000", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *order.ListFilter
			orders := &mockOrderService{listOrdersFunc: func(ctx context.Context, filter order.ListFilter) (order.Page[order.Order], error) {
				got = &filter
				return order.Page[order.Order]{Items: []order.Order{{OrderSN: "ORD0001"}}, Total: 1, Page: filter.Page, PageSize: filter.PageSize}, nil
			}}
			router := newTestRouter(orders, &mockRedemptionService{}, &mockAuthService{}, nil)

			rr := doRequest(t, router, http.MethodGet, "/api/orders"+tt.query, "", nil)
			require.Equal(t, tt.expectedStatus, rr.Code)
			if tt.wantFilter != nil {
				require.NotNil(t, got)
				assert.Equal(t, *tt.wantFilter, *got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func statusPtr(s order.Status) *order.Status { return &s }

func TestHandler_GetOrder(t *testing.T) {
	orders := &mockOrderService{getOrderFunc: func(ctx context.Context, sn string) (*order.Order, error) {
		if sn == "ORD0001" {
			code := "K3F9QZ2Y7PLM1ABC"
			return &order.Order{OrderSN: sn, Status: order.StatusShipped, VerificationCode: &code}, nil
		}
		return nil, order.ErrOrderNotFound
	}}
	router := newTestRouter(orders, &mockRedemptionService{}, &mockAuthService{}, nil)

	rr := doRequest(t, router, http.MethodGet, "/api/orders/ORD0001", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "K3F9QZ2Y7PLM1ABC")

	rr = doRequest(t, router, http.MethodGet, "/api/orders/ORD9999", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, `{"error":"Order not found"}`, rr.Body.String())
}

func TestHandler_ListRecords(t *testing.T) {
	var got order.RecordFilter
	red := &mockRedemptionService{
		listRecordsFunc: func(ctx context.Context, filter order.RecordFilter) (order.Page[order.VerificationRecord], error) {
			got = filter
			return order.Page[order.VerificationRecord]{Page: filter.Page, PageSize: filter.PageSize}, nil
		},
		upstreamFunc: func(ctx context.Context, q upstream.RecordQuery) (*upstream.RecordPage, error) {
			assert.Equal(t, "ORD0001", q.OrderSN)
			return &upstream.RecordPage{TotalCount: 3}, nil
		},
	}
	router := newTestRouter(&mockOrderService{}, red, &mockAuthService{}, nil)

	rr := doRequest(t, router, http.MethodGet, "/api/verification-records?order_sn=ORD0001&from=2025-04-01&to=2025-04-30", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ORD0001", got.OrderSN)
	require.NotNil(t, got.From)
	require.NotNil(t, got.To)
	assert.Equal(t, 30*24*time.Hour-time.Nanosecond, got.To.Sub(*got.From))

	rr = doRequest(t, router, http.MethodGet, "/api/verification-records?from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/api/verification-records?source=upstream&order_sn=ORD0001", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"records":null,"total_count":3}`, rr.Body.String())
}

func TestHandler_StatsAndRuns(t *testing.T) {
	orders := &mockOrderService{
		statsFunc: func(ctx context.Context) (order.Stats, error) {
			return order.Stats{TotalOrders: 4, VerifiableOrders: 1}, nil
		},
		monitorFunc: func(ctx context.Context) (order.MonitorReport, error) {
			return order.MonitorReport{}, &upstream.APIError{Operation: "pdd.order.list.get", Message: "access token expired"}
		},
		processBySNFunc: func(ctx context.Context, sn string) (bool, error) {
			return sn == "ORD0001", nil
		},
	}
	red := &mockRedemptionService{autoFunc: func(ctx context.Context) (redemption.AutoReport, error) {
		return redemption.AutoReport{Scanned: 3, Verified: 2, Failed: 1}, nil
	}}
	router := newTestRouter(orders, red, &mockAuthService{}, nil)

	rr := doRequest(t, router, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st order.Stats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
	assert.Equal(t, 4, st.TotalOrders)

	rr = doRequest(t, router, http.MethodPost, "/api/monitor", "", nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rr = doRequest(t, router, http.MethodPost, "/api/auto-verify", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var report redemption.AutoReport
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&report))
	assert.Equal(t, 2, report.Verified)

	rr = doRequest(t, router, http.MethodPost, "/api/process-order", `{"order_sn":"ORD0001"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"order_sn":"ORD0001","shipped":true}`, rr.Body.String())
}

func TestHandler_OperatorAuth(t *testing.T) {
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	op := auth.NewOperator(config.AuthConfig{
		JWTSecret:            "test-secret",
		OperatorUsername:     "admin",
		OperatorPasswordHash: hash,
		TokenTTL:             time.Hour,
	})
	orders := &mockOrderService{
		statsFunc: func(ctx context.Context) (order.Stats, error) { return order.Stats{}, nil },
		monitorFunc: func(ctx context.Context) (order.MonitorReport, error) {
			return order.MonitorReport{Fetched: 2, Processed: 2}, nil
		},
	}
	router := newTestRouter(orders, &mockRedemptionService{}, &mockAuthService{}, op)

	rr := doRequest(t, router, http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code, "read routes stay open")

	rr = doRequest(t, router, http.MethodPost, "/api/monitor", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, router, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, router, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"s3cret-pass"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var login LoginResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&login))
	require.NotEmpty(t, login.Token)

	rr = doRequest(t, router, http.MethodPost, "/api/monitor", "", http.Header{"Authorization": {"Bearer " + login.Token}})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandler_LoginWithoutSecret(t *testing.T) {
	router := newTestRouter(&mockOrderService{}, &mockRedemptionService{}, &mockAuthService{}, nil)
	rr := doRequest(t, router, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"x"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandler_OAuthFlow(t *testing.T) {
	var gotCode string
	authSvc := &mockAuthService{
		authorizeURLFunc: func(state string) string {
			return "https://mms.pinduoduo.com/open.html?state=" + url.QueryEscape(state)
		},
		callbackFunc: func(ctx context.Context, code string) (*auth.ShopAuthorization, error) {
			gotCode = code
			if code == "" {
				return nil, auth.ErrMissingCode
			}
			return &auth.ShopAuthorization{ShopID: "42", AccessToken: "secret-token", IsActive: true}, nil
		},
	}
	router := newTestRouter(&mockOrderService{}, &mockRedemptionService{}, authSvc, nil)

	rr := doRequest(t, router, http.MethodGet, "/oauth/login", "", nil)
	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, state, cookies[0].Value)

	callback := func(query string, cookie string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/oauth/callback"+query, nil)
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: "oauth_state", Value: cookie})
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rr = callback("?code=abc&state=forged", state)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, gotCode)

	rr = callback("?state="+state, state)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = callback("?code=abc&state="+state, state)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "abc", gotCode)
	assert.False(t, strings.Contains(rr.Body.String(), "secret-token"))
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	router := newTestRouter(&mockOrderService{}, &mockRedemptionService{}, &mockAuthService{}, nil)

	rr := doRequest(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())

	rr = doRequest(t, router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
