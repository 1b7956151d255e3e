package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	catalogrepository "github.com/smallbiznis/patronage/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/patronage/internal/catalog/service"
	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/config"
	customerservice "github.com/smallbiznis/patronage/internal/customer/service"
	entitlementservice "github.com/smallbiznis/patronage/internal/entitlement/service"
	"github.com/smallbiznis/patronage/internal/events"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/smallbiznis/patronage/internal/gateway/fake"
	ledgerservice "github.com/smallbiznis/patronage/internal/ledger/service"
	"github.com/smallbiznis/patronage/internal/observability"
	paymentservice "github.com/smallbiznis/patronage/internal/payment/service"
	subscriptionrepository "github.com/smallbiznis/patronage/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/patronage/internal/subscription/service"
	"github.com/smallbiznis/patronage/internal/testkit"
	userrepository "github.com/smallbiznis/patronage/internal/user/repository"
	userservice "github.com/smallbiznis/patronage/internal/user/service"
	webhookrepository "github.com/smallbiznis/patronage/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/patronage/internal/webhook/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	engine  *gin.Engine
	gateway *fake.Gateway
	clock   *clock.FakeClock
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testkit.OpenDB(t)
	node := testkit.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	gw := fake.NewGateway(clk, "")
	log := zap.NewNop()
	cfg := config.Config{DefaultCurrency: "USD", HTTPAddr: ":0"}
	policy := config.NewStaticBillingPolicy(config.DefaultBillingPolicy())
	published := events.NewRecorder()

	users := userrepository.Provide()
	subRepo := subscriptionrepository.Provide()
	sync := subscriptionservice.NewSync(subscriptionservice.SyncParams{
		Log: log, GenID: node, Clock: clk, Repo: subRepo, Users: users,
	})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg, Policy: policy, Users: users,
	})
	processor := webhookservice.New(webhookservice.Params{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Policy:        policy,
		Repo:          webhookrepository.Provide(),
		Gateway:       gw,
		Subscriptions: subRepo,
		Sync:          subscriptionservice.ProvideStateSync(sync),
		Ledger:        ledger,
		Users:         users,
		Publisher:     published,
	})
	customers := customerservice.New(customerservice.Params{DB: db, Log: log, Users: users, Gateway: gw})
	catalog := catalogservice.New(catalogservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
		Repo: catalogrepository.Provide(), Users: users, Gateway: gw,
	})
	subscriptions := subscriptionservice.New(subscriptionservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      subRepo,
		Users:     users,
		Sync:      sync,
		Customers: customers,
		Catalog:   catalog,
		Gateway:   gw,
		Publisher: published,
		Replayer:  webhookservice.ProvideReplayer(processor),
	})

	engine := NewEngine(observability.Config{LogLevel: "info"}, nil)
	NewServer(ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		Clock:           clk,
		Log:             log,
		UserSvc:         userservice.New(userservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: users}),
		CustomerSvc:     customers,
		CatalogSvc:      catalog,
		SubscriptionSvc: subscriptions,
		LedgerSvc:       ledger,
		EntitlementSvc:  entitlementservice.New(entitlementservice.Params{DB: db, Log: log, Subscriptions: subRepo}),
		PaymentSvc: paymentservice.New(paymentservice.Params{
			DB: db, Log: log, Config: cfg, Users: users, Customers: customers, Gateway: gw,
		}),
		WebhookSvc: webhookservice.ProvideService(processor),
	})

	return testServer{engine: engine, gateway: gw, clock: clk}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error errorPayload    `json:"error"`
}

func (s testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	return s.serve(t, req)
}

func (s testServer) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (s testServer) deliver(t *testing.T, d fake.Delivery) *httptest.ResponseRecorder {
	t.Helper()
	rec, _ := s.serve(t, d.Request("/webhooks/billing"))
	return rec
}

func (s testServer) createUser(t *testing.T, username string) string {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/api/users", map[string]string{
		"username": username,
		"email":    username + "@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var user struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &user))
	return user.ID
}

func (s testServer) setTier(t *testing.T, creatorID, amount string) {
	t.Helper()
	rec, _ := s.do(t, http.MethodPut, "/api/creators/"+creatorID+"/tiers", map[string]string{
		"interval": "month",
		"amount":   amount,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

type subscriptionView struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	ProcessorSubscriptionID string `json:"processor_subscription_id"`
	CancelAtPeriodEnd       bool   `json:"cancel_at_period_end"`
}

func (s testServer) subscribe(t *testing.T, subscriberID, creatorID string) (subscriptionView, string) {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/api/subscriptions", map[string]string{
		"subscriber_id": subscriberID,
		"creator_id":    creatorID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		Subscription subscriptionView `json:"subscription"`
		ClientSecret string           `json:"client_secret"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res.Subscription, res.ClientSecret
}

func (s testServer) entitled(t *testing.T, subscriberID, creatorID string) bool {
	t.Helper()
	rec, env := s.do(t, http.MethodGet, "/api/entitlements?subscriber_id="+subscriberID+"&creator_id="+creatorID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		Entitled bool `json:"entitled"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res.Entitled
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec, _ := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscriptionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	creator := s.createUser(t, "creator")
	fan := s.createUser(t, "fan")
	s.setTier(t, creator, "5.00")

	sub, secret := s.subscribe(t, fan, creator)
	assert.Equal(t, "incomplete", sub.Status)
	assert.NotEmpty(t, secret)
	assert.False(t, s.entitled(t, fan, creator), "subscribe alone must not grant access")

	require.Equal(t, http.StatusOK, s.deliver(t, s.gateway.Activate(sub.ProcessorSubscriptionID)).Code)
	paid := s.gateway.InvoicePaid(sub.ProcessorSubscriptionID)
	require.Equal(t, http.StatusOK, s.deliver(t, paid).Code)
	require.Equal(t, http.StatusOK, s.deliver(t, s.gateway.Redeliver(paid)).Code)

	assert.True(t, s.entitled(t, fan, creator))
	assert.False(t, s.entitled(t, creator, fan))

	rec, env := s.do(t, http.MethodGet, "/api/creators/"+creator+"/earnings", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary struct {
		Net     decimal.Decimal `json:"net"`
		Entries int64           `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.True(t, summary.Net.Equal(decimal.NewFromInt(5)), "net %s", summary.Net)
	assert.Equal(t, int64(1), summary.Entries)

	rec, env = s.do(t, http.MethodGet, "/api/creators/"+creator+"/subscriber-count", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var count struct {
		SubscriberCount int64 `json:"subscriber_count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &count))
	assert.Equal(t, int64(1), count.SubscriberCount)

	rec, env = s.do(t, http.MethodPost, "/api/subscriptions/"+sub.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cancelled subscriptionView
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.True(t, cancelled.CancelAtPeriodEnd)
	assert.True(t, s.entitled(t, fan, creator), "cancel at period end keeps access")

	rec, env = s.do(t, http.MethodGet, "/api/subscribers/"+fan+"/subscriptions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []subscriptionView
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, sub.ID, listed[0].ID)
}

func TestWebhookRejectsTamperedDelivery(t *testing.T) {
	s := newTestServer(t)
	creator := s.createUser(t, "creator")
	fan := s.createUser(t, "fan")
	s.setTier(t, creator, "5.00")
	sub, _ := s.subscribe(t, fan, creator)

	rec, env := s.serve(t, fake.Tampered(s.gateway.Activate(sub.ProcessorSubscriptionID)).Request("/webhooks/billing"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "authenticity_error", env.Error.Type)
	assert.False(t, s.entitled(t, fan, creator))
}

func TestWebhookAcknowledgesUnhandledEvents(t *testing.T) {
	s := newTestServer(t)
	rec := s.deliver(t, s.gateway.Unhandled("customer.updated"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookEmptyBody(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.serve(t, httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Type)
}

func TestDuplicateSubscribeConflicts(t *testing.T) {
	s := newTestServer(t)
	creator := s.createUser(t, "creator")
	fan := s.createUser(t, "fan")
	s.setTier(t, creator, "5.00")
	s.subscribe(t, fan, creator)

	rec, env := s.do(t, http.MethodPost, "/api/subscriptions", map[string]string{
		"subscriber_id": fan,
		"creator_id":    creator,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "subscription_exists", env.Error.Code)
}

func TestGatewayOutageIsRetryable(t *testing.T) {
	s := newTestServer(t)
	creator := s.createUser(t, "creator")
	fan := s.createUser(t, "fan")
	s.setTier(t, creator, "5.00")
	s.gateway.FailNext(fake.OpCreateSubscription, gatewaydomain.ErrUpstreamUnavailable)

	rec, env := s.do(t, http.MethodPost, "/api/subscriptions", map[string]string{
		"subscriber_id": fan,
		"creator_id":    creator,
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "gateway_unavailable", env.Error.Code)
}

func TestPayPerViewIntent(t *testing.T) {
	s := newTestServer(t)
	creator := s.createUser(t, "creator")
	fan := s.createUser(t, "fan")

	body, err := json.Marshal(map[string]string{
		"buyer_id":    fan,
		"creator_id":  creator,
		"amount":      "3.50",
		"content_ref": "post/1",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/pay-per-view", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotencyKey, "client-key-1")

	rec, env := s.serve(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var intent struct {
		PaymentIntentID string `json:"payment_intent_id"`
		ClientSecret    string `json:"client_secret"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &intent))
	assert.NotEmpty(t, intent.PaymentIntentID)
	assert.NotEmpty(t, intent.ClientSecret)
	assert.Equal(t, 1, s.gateway.Calls(fake.OpCreatePaymentIntent))
}

func TestRequestErrors(t *testing.T) {
	s := newTestServer(t)
	creator := s.createUser(t, "creator")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed path id", http.MethodGet, "/api/users/abc", nil, http.StatusBadRequest, ""},
		{"unknown user", http.MethodGet, "/api/users/12345", nil, http.StatusNotFound, "user_not_found"},
		{"bad username", http.MethodPost, "/api/users", map[string]string{"username": "", "email": "a@b.c"}, http.StatusBadRequest, "invalid_username"},
		{"taken username", http.MethodPost, "/api/users", map[string]string{"username": "creator", "email": "a@b.c"}, http.StatusConflict, "username_taken"},
		{"bad interval", http.MethodPut, "/api/creators/" + creator + "/tiers", map[string]string{"interval": "week", "amount": "5"}, http.StatusBadRequest, "invalid_interval"},
		{"bad period", http.MethodGet, "/api/creators/" + creator + "/earnings?period=decade", nil, http.StatusBadRequest, "invalid_period"},
		{"missing entitlement pair", http.MethodGet, "/api/entitlements?subscriber_id=" + creator, nil, http.StatusBadRequest, ""},
		{"unknown subscription", http.MethodGet, "/api/subscriptions/12345", nil, http.StatusNotFound, "subscription_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, env := s.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.code != "" {
				assert.Equal(t, tc.code, env.Error.Code)
			}
		})
	}
}

func TestMapErrorMasksUnclassifiedErrors(t *testing.T) {
	status, payload := mapError(errors.New("pq: connection refused to 10.0.0.1"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal server error", payload.Message)

	typ, code := classifyErrorForLog(gatewaydomain.ErrInvalidSignature)
	assert.Equal(t, "authenticity_error", typ)
	assert.Equal(t, "invalid_webhook_signature", code)
}

func TestPeekEventID(t *testing.T) {
	assert.Equal(t, "evt_1", peekEventID([]byte(`{"id":"evt_1","type":"invoice.paid"}`)))
	assert.Empty(t, peekEventID([]byte(`not json`)))
}
