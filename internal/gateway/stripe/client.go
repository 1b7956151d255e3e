package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/smallbiznis/patronage/internal/config"
	"github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/smallbiznis/patronage/internal/observability/metrics"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

// Gateway talks to Stripe. All calls share one circuit breaker so a
// processor outage fails fast instead of queueing request goroutines.
type Gateway struct {
	api           *client.API
	breaker       *gobreaker.CircuitBreaker[any]
	webhookSecret string
	tolerance     time.Duration
	log           *zap.Logger
	metrics       *metrics.Metrics
}

func New(p Params) (*Gateway, error) {
	cfg := p.Config.Gateway
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("billing gateway secret key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backends := stripelib.NewBackendsWithConfig(&stripelib.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripelib.Int64(cfg.MaxRetries),
	})

	log := p.Log.Named("gateway.stripe")
	return &Gateway{
		api:           client.New(cfg.SecretKey, backends),
		breaker:       newBreaker("stripe", cfg.BreakerFailures, cfg.BreakerTimeout, log),
		webhookSecret: cfg.WebhookSecret,
		tolerance:     cfg.WebhookTolerance,
		log:           log,
		metrics:       p.Metrics,
	}, nil
}

func (g *Gateway) observe(ctx context.Context, op string, err error) error {
	g.metrics.RecordGatewayCall(ctx, op, err)
	if err == nil {
		return nil
	}
	mapped := mapError(op, err)
	g.log.Warn("gateway call failed", zap.String("operation", op), zap.Error(mapped))
	return mapped
}

func metadata(params *stripelib.Params, kv map[string]string) {
	for k, v := range kv {
		if v != "" {
			params.AddMetadata(k, v)
		}
	}
}

func (g *Gateway) CreateCustomer(ctx context.Context, in domain.CreateCustomerInput) (domain.Customer, error) {
	params := &stripelib.CustomerParams{
		Email: stripelib.String(in.Email),
		Name:  stripelib.String(in.Name),
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	metadata(&params.Params, in.Metadata)

	cust, err := call(g.breaker, func() (*stripelib.Customer, error) {
		return g.api.Customers.New(params)
	})
	if err = g.observe(ctx, "create_customer", err); err != nil {
		return domain.Customer{}, err
	}
	return domain.Customer{ID: cust.ID, Email: cust.Email, Deleted: cust.Deleted, Metadata: cust.Metadata}, nil
}

func (g *Gateway) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx

	cust, err := call(g.breaker, func() (*stripelib.Customer, error) {
		return g.api.Customers.Get(id, params)
	})
	if err = g.observe(ctx, "get_customer", err); err != nil {
		return domain.Customer{}, err
	}
	return domain.Customer{ID: cust.ID, Email: cust.Email, Deleted: cust.Deleted, Metadata: cust.Metadata}, nil
}

func (g *Gateway) CreateProduct(ctx context.Context, in domain.CreateProductInput) (domain.Product, error) {
	params := &stripelib.ProductParams{Name: stripelib.String(in.Name)}
	if in.StatementDescriptor != "" {
		params.StatementDescriptor = stripelib.String(in.StatementDescriptor)
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	metadata(&params.Params, in.Metadata)

	product, err := call(g.breaker, func() (*stripelib.Product, error) {
		return g.api.Products.New(params)
	})
	if err = g.observe(ctx, "create_product", err); err != nil {
		return domain.Product{}, err
	}
	return domain.Product{ID: product.ID, Name: product.Name}, nil
}

func (g *Gateway) CreatePrice(ctx context.Context, in domain.CreatePriceInput) (domain.Price, error) {
	params := &stripelib.PriceParams{
		Currency:   stripelib.String(strings.ToLower(in.Currency)),
		UnitAmount: stripelib.Int64(in.AmountMinor),
		Product:    stripelib.String(in.ProductID),
		Recurring: &stripelib.PriceRecurringParams{
			Interval: stripelib.String(in.Interval),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)

	price, err := call(g.breaker, func() (*stripelib.Price, error) {
		return g.api.Prices.New(params)
	})
	if err = g.observe(ctx, "create_price", err); err != nil {
		return domain.Price{}, err
	}
	return domain.Price{
		ID:          price.ID,
		ProductID:   in.ProductID,
		AmountMinor: price.UnitAmount,
		Currency:    strings.ToUpper(string(price.Currency)),
		Interval:    in.Interval,
	}, nil
}

func (g *Gateway) CreateSubscription(ctx context.Context, in domain.CreateSubscriptionInput) (domain.RemoteSubscription, error) {
	params := &stripelib.SubscriptionParams{
		Customer: stripelib.String(in.CustomerID),
		Items: []*stripelib.SubscriptionItemsParams{
			{Price: stripelib.String(in.PriceID)},
		},
		PaymentBehavior: stripelib.String("default_incomplete"),
	}
	if in.TrialDays > 0 {
		params.TrialPeriodDays = stripelib.Int64(in.TrialDays)
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	params.AddExpand("latest_invoice.payment_intent")
	params.AddExpand("latest_invoice.confirmation_secret")
	metadata(&params.Params, in.Metadata)

	sub, err := call(g.breaker, func() (*stripelib.Subscription, error) {
		return g.api.Subscriptions.New(params)
	})
	if err = g.observe(ctx, "create_subscription", err); err != nil {
		return domain.RemoteSubscription{}, err
	}
	return remoteFrom(sub)
}

func (g *Gateway) CancelSubscription(ctx context.Context, in domain.CancelSubscriptionInput) (domain.RemoteSubscription, error) {
	var (
		sub *stripelib.Subscription
		err error
	)
	if in.Immediately {
		params := &stripelib.SubscriptionCancelParams{}
		params.Context = ctx
		params.SetIdempotencyKey(in.IdempotencyKey)
		sub, err = call(g.breaker, func() (*stripelib.Subscription, error) {
			return g.api.Subscriptions.Cancel(in.SubscriptionID, params)
		})
	} else {
		params := &stripelib.SubscriptionParams{CancelAtPeriodEnd: stripelib.Bool(true)}
		params.Context = ctx
		params.SetIdempotencyKey(in.IdempotencyKey)
		sub, err = call(g.breaker, func() (*stripelib.Subscription, error) {
			return g.api.Subscriptions.Update(in.SubscriptionID, params)
		})
	}
	if err = g.observe(ctx, "cancel_subscription", err); err != nil {
		return domain.RemoteSubscription{}, err
	}
	return remoteFrom(sub)
}

func (g *Gateway) CreatePaymentIntent(ctx context.Context, in domain.CreatePaymentIntentInput) (domain.PaymentIntent, error) {
	params := &stripelib.PaymentIntentParams{
		Amount:   stripelib.Int64(in.AmountMinor),
		Currency: stripelib.String(strings.ToLower(in.Currency)),
		AutomaticPaymentMethods: &stripelib.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripelib.Bool(true),
		},
	}
	if in.CustomerID != "" {
		params.Customer = stripelib.String(in.CustomerID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	metadata(&params.Params, in.Metadata)

	pi, err := call(g.breaker, func() (*stripelib.PaymentIntent, error) {
		return g.api.PaymentIntents.New(params)
	})
	if err = g.observe(ctx, "create_payment_intent", err); err != nil {
		return domain.PaymentIntent{}, err
	}
	return domain.PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountMinor:  pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Status:       string(pi.Status),
		Metadata:     pi.Metadata,
	}, nil
}

func (g *Gateway) ListPaymentMethods(ctx context.Context, customerID string) ([]domain.PaymentMethod, error) {
	methods, err := call(g.breaker, func() ([]domain.PaymentMethod, error) {
		params := &stripelib.PaymentMethodListParams{
			Customer: stripelib.String(customerID),
			Type:     stripelib.String("card"),
		}
		params.Context = ctx

		out := make([]domain.PaymentMethod, 0)
		iter := g.api.PaymentMethods.List(params)
		for iter.Next() {
			pm := iter.PaymentMethod()
			item := domain.PaymentMethod{ID: pm.ID}
			if pm.Card != nil {
				item.Brand = string(pm.Card.Brand)
				item.Last4 = pm.Card.Last4
				item.ExpMonth = pm.Card.ExpMonth
				item.ExpYear = pm.Card.ExpYear
			}
			out = append(out, item)
		}
		return out, iter.Err()
	})
	if err = g.observe(ctx, "list_payment_methods", err); err != nil {
		return nil, err
	}
	return methods, nil
}

func (g *Gateway) ParseWebhook(_ context.Context, payload []byte, headers http.Header) (domain.Event, error) {
	return ParseEvent(payload, headers.Get(SignatureHeader), g.webhookSecret, g.tolerance)
}

// remoteFrom decodes the raw API response so both the legacy and the
// item-level billing period shapes are understood.
func remoteFrom(sub *stripelib.Subscription) (domain.RemoteSubscription, error) {
	var raw []byte
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		raw = sub.LastResponse.RawJSON
	} else {
		encoded, err := json.Marshal(sub)
		if err != nil {
			return domain.RemoteSubscription{}, err
		}
		raw = encoded
	}
	return DecodeSubscription(raw)
}

var _ domain.PaymentGateway = (*Gateway)(nil)
