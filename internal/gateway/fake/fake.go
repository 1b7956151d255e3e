// Package fake is an in-memory payment gateway. It honors idempotency keys,
// supports failure injection and produces signed webhook deliveries in the
// processor's wire format so the real parser is exercised end to end.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/config"
	"github.com/smallbiznis/patronage/internal/gateway/domain"
	stripegw "github.com/smallbiznis/patronage/internal/gateway/stripe"
	"go.uber.org/fx"
)

const DefaultWebhookSecret = "whsec_fake_gateway"

type customer struct {
	domain.Customer
	cards []domain.PaymentMethod
}

type subscription struct {
	id                string
	customerID        string
	price             domain.Price
	status            string
	periodStart       time.Time
	periodEnd         time.Time
	trialEnd          time.Time
	cancelAtPeriodEnd bool
	canceledAt        time.Time
	metadata          map[string]string
	clientSecret      string
}

type paymentIntent struct {
	domain.PaymentIntent
	chargeID string
}

// Gateway is safe for concurrent use.
type Gateway struct {
	mu     sync.Mutex
	clock  clock.Clock
	secret string
	seq    int

	customers     map[string]*customer
	products      map[string]domain.Product
	prices        map[string]domain.Price
	subscriptions map[string]*subscription
	intents       map[string]*paymentIntent
	idempotent    map[string]any
	failures      map[string][]error
	calls         map[string]int
}

type Params struct {
	fx.In

	Config config.Config
	Clock  clock.Clock
}

func New(p Params) *Gateway {
	secret := strings.TrimSpace(p.Config.Gateway.WebhookSecret)
	if secret == "" {
		secret = DefaultWebhookSecret
	}
	return NewGateway(p.Clock, secret)
}

func NewGateway(clk clock.Clock, secret string) *Gateway {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if secret == "" {
		secret = DefaultWebhookSecret
	}
	return &Gateway{
		clock:         clk,
		secret:        secret,
		customers:     map[string]*customer{},
		products:      map[string]domain.Product{},
		prices:        map[string]domain.Price{},
		subscriptions: map[string]*subscription{},
		intents:       map[string]*paymentIntent{},
		idempotent:    map[string]any{},
		failures:      map[string][]error{},
		calls:         map[string]int{},
	}
}

// Operation names accepted by FailNext and Calls.
const (
	OpCreateCustomer      = "create_customer"
	OpGetCustomer         = "get_customer"
	OpCreateProduct       = "create_product"
	OpCreatePrice         = "create_price"
	OpCreateSubscription  = "create_subscription"
	OpCancelSubscription  = "cancel_subscription"
	OpCreatePaymentIntent = "create_payment_intent"
	OpListPaymentMethods  = "list_payment_methods"
)

// FailNext queues err as the result of the next call to op.
func (g *Gateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], err)
}

// Calls reports how many times op reached the gateway, replays included.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *Gateway) WebhookSecret() string { return g.secret }

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_fake_%d", prefix, g.seq)
}

// begin records the call and pops an injected failure. Callers hold g.mu.
func (g *Gateway) begin(op string) error {
	g.calls[op]++
	queue := g.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	g.failures[op] = queue[1:]
	return err
}

func replay[T any](g *Gateway, key string) (T, bool) {
	var zero T
	if key == "" {
		return zero, false
	}
	v, ok := g.idempotent[key]
	if !ok {
		return zero, false
	}
	out, ok := v.(T)
	return out, ok
}

func (g *Gateway) remember(key string, v any) {
	if key != "" {
		g.idempotent[key] = v
	}
}

func copyMeta(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (g *Gateway) CreateCustomer(_ context.Context, in domain.CreateCustomerInput) (domain.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin(OpCreateCustomer); err != nil {
		return domain.Customer{}, err
	}
	if out, ok := replay[domain.Customer](g, in.IdempotencyKey); ok {
		return out, nil
	}
	c := &customer{Customer: domain.Customer{ID: g.nextID("cus"), Email: in.Email, Metadata: copyMeta(in.Metadata)}}
	g.customers[c.ID] = c
	g.remember(in.IdempotencyKey, c.Customer)
	return c.Customer, nil
}

func (g *Gateway) GetCustomer(_ context.Context, id string) (domain.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin(OpGetCustomer); err != nil {
		return domain.Customer{}, err
	}
	c, ok := g.customers[id]
	if !ok {
		return domain.Customer{}, fmt.Errorf("get customer %s: %w", id, domain.ErrNotFound)
	}
	return c.Customer, nil
}

// DeleteCustomer marks a customer deleted on the processor side.
func (g *Gateway) DeleteCustomer(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.customers[id]; ok {
		c.Deleted = true
	}
}

// ForgetCustomer removes a customer entirely, as if it never existed.
func (g *Gateway) ForgetCustomer(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.customers, id)
}

// AttachCard adds a card payment method to a customer.
func (g *Gateway) AttachCard(customerID, brand, last4 string) domain.PaymentMethod {
	g.mu.Lock()
	defer g.mu.Unlock()
	pm := domain.PaymentMethod{ID: g.nextID("pm"), Brand: brand, Last4: last4, ExpMonth: 12, ExpYear: int64(g.clock.Now().Year() + 3)}
	if c, ok := g.customers[customerID]; ok {
		c.cards = append(c.cards, pm)
	}
	return pm
}

func (g *Gateway) CreateProduct(_ context.Context, in domain.CreateProductInput) (domain.Product, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin(OpCreateProduct); err != nil {
		return domain.Product{}, err
	}
	if out, ok := replay[domain.Product](g, in.IdempotencyKey); ok {
		return out, nil
	}
	p := domain.Product{ID: g.nextID("prod"), Name: in.Name}
	g.products[p.ID] = p
	g.remember(in.IdempotencyKey, p)
	return p, nil
}

func (g *Gateway) CreatePrice(_ context.Context, in domain.CreatePriceInput) (domain.Price, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin(OpCreatePrice); err != nil {
		return domain.Price{}, err
	}
	if out, ok := replay[domain.Price](g, in.IdempotencyKey); ok {
		return out, nil
	}
	if _, ok := g.products[in.ProductID]; !ok {
		return domain.Price{}, fmt.Errorf("create price: %w", domain.ErrRejected)
	}
	p := domain.Price{
		ID:          g.nextID("price"),
		ProductID:   in.ProductID,
		AmountMinor: in.AmountMinor,
		Currency:    strings.ToUpper(in.Currency),
		Interval:    in.Interval,
	}
	g.prices[p.ID] = p
	g.remember(in.IdempotencyKey, p)
	return p, nil
}

func addInterval(t time.Time, interval string) time.Time {
	if interval == "year" {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

func (g *Gateway) CreateSubscription(_ context.Context, in domain.CreateSubscriptionInput) (domain.RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin(OpCreateSubscription); err != nil {
		return domain.RemoteSubscription{}, err
	}
	if out, ok := replay[domain.RemoteSubscription](g, in.IdempotencyKey); ok {
		return out, nil
	}
	if _, ok := g.customers[in.CustomerID]; !ok {
		return domain.RemoteSubscription{}, fmt.Errorf("create subscription: %w", domain.ErrNotFound)
	}
	price, ok := g.prices[in.PriceID]
	if !ok {
		return domain.RemoteSubscription{}, fmt.Errorf("create subscription: %w", domain.ErrNotFound)
	}

	now := g.clock.Now().Truncate(time.Second)
	sub := &subscription{
		id:          g.nextID("sub"),
		customerID:  in.CustomerID,
		price:       price,
		status:      "incomplete",
		periodStart: now,
		periodEnd:   addInterval(now, price.Interval),
		metadata:    copyMeta(in.Metadata),
	}
	if in.TrialDays > 0 {
		sub.status = "trialing"
		sub.trialEnd = now.AddDate(0, 0, int(in.TrialDays))
		sub.periodEnd = sub.trialEnd
	} else {
		sub.clientSecret = g.nextID("pi") + "_secret"
	}
	g.subscriptions[sub.id] = sub

	out := g.remote(sub)
	g.remember(in.IdempotencyKey, out)
	return out, nil
}

func (g *Gateway) CancelSubscription(_ context.Context, in domain.CancelSubscriptionInput) (domain.RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin(OpCancelSubscription); err != nil {
		return domain.RemoteSubscription{}, err
	}
	sub, ok := g.subscriptions[in.SubscriptionID]
	if !ok {
		return domain.RemoteSubscription{}, fmt.Errorf("cancel subscription: %w", domain.ErrNotFound)
	}
	if in.Immediately {
		if sub.status != "canceled" {
			sub.status = "canceled"
			sub.canceledAt = g.clock.Now().Truncate(time.Second)
		}
	} else {
		sub.cancelAtPeriodEnd = true
	}
	return g.remote(sub), nil
}

func (g *Gateway) CreatePaymentIntent(_ context.Context, in domain.CreatePaymentIntentInput) (domain.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin(OpCreatePaymentIntent); err != nil {
		return domain.PaymentIntent{}, err
	}
	if out, ok := replay[domain.PaymentIntent](g, in.IdempotencyKey); ok {
		return out, nil
	}
	id := g.nextID("pi")
	pi := &paymentIntent{
		PaymentIntent: domain.PaymentIntent{
			ID:           id,
			ClientSecret: id + "_secret",
			AmountMinor:  in.AmountMinor,
			Currency:     strings.ToUpper(in.Currency),
			Status:       "requires_payment_method",
			Metadata:     copyMeta(in.Metadata),
		},
		chargeID: g.nextID("ch"),
	}
	g.intents[id] = pi
	g.remember(in.IdempotencyKey, pi.PaymentIntent)
	return pi.PaymentIntent, nil
}

func (g *Gateway) ListPaymentMethods(_ context.Context, customerID string) ([]domain.PaymentMethod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.begin(OpListPaymentMethods); err != nil {
		return nil, err
	}
	c, ok := g.customers[customerID]
	if !ok {
		return nil, fmt.Errorf("list payment methods: %w", domain.ErrNotFound)
	}
	return append([]domain.PaymentMethod(nil), c.cards...), nil
}

func (g *Gateway) ParseWebhook(_ context.Context, payload []byte, headers http.Header) (domain.Event, error) {
	return stripegw.ParseEvent(payload, headers.Get(stripegw.SignatureHeader), g.secret, 5*time.Minute)
}

// Subscription returns the processor-side view of a subscription.
func (g *Gateway) Subscription(id string) (domain.RemoteSubscription, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[id]
	if !ok {
		return domain.RemoteSubscription{}, false
	}
	return g.remote(sub), true
}

func (g *Gateway) remote(sub *subscription) domain.RemoteSubscription {
	raw, err := json.Marshal(g.subscriptionObject(sub))
	if err != nil {
		panic(fmt.Sprintf("fake gateway: encode subscription: %v", err))
	}
	remote, err := stripegw.DecodeSubscription(raw)
	if err != nil {
		panic(fmt.Sprintf("fake gateway: decode subscription: %v", err))
	}
	remote.ClientSecret = sub.clientSecret
	return remote
}

var _ domain.PaymentGateway = (*Gateway)(nil)
