package loyalty

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"loyalty/cmd/internal/merchant"
)

// DefaultHoldTTL is the hold lifetime when neither config nor merchant settings override it.
const DefaultHoldTTL = 120 * time.Second

// CustomerResolver maps the opaque user token presented at checkout to a customer id.
type CustomerResolver interface {
	ResolveCustomer(ctx context.Context, merchantID, userToken string) (string, error)
}

// TokenIsCustomerID treats the token as the customer id itself.
type TokenIsCustomerID struct{}

func (TokenIsCustomerID) ResolveCustomer(_ context.Context, _ string, userToken string) (string, error) {
	id := strings.TrimSpace(userToken)
	if id == "" {
		return "", invalid("userToken", "required")
	}
	return id, nil
}

// Config holds settlement tuning.
type Config struct {
	HoldTTL     time.Duration
	SharePolicy SharePolicy
}

func (c Config) withDefaults() Config {
	if c.HoldTTL <= 0 {
		c.HoldTTL = DefaultHoldTTL
	}
	if c.SharePolicy == nil {
		c.SharePolicy = FullRefund
	}
	return c
}

// Service is the QuoteEngine and SettlementCoordinator.
type Service struct {
	store     Store
	merchants merchant.Directory
	customers CustomerResolver
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithCustomerResolver(r CustomerResolver) Option {
	return func(s *Service) {
		if r != nil {
			s.customers = r
		}
	}
}

// NewService wires a Service.
func NewService(store Store, merchants merchant.Directory, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("loyalty: nil store")
	}
	if merchants == nil {
		return nil, errors.New("loyalty: nil merchant directory")
	}
	s := &Service{
		store:     store,
		merchants: merchants,
		customers: TokenIsCustomerID{},
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Merchant returns settings for id, mapping an unknown merchant to ErrMerchantNotFound.
func (s *Service) Merchant(ctx context.Context, merchantID string) (merchant.Settings, error) {
	if strings.TrimSpace(merchantID) == "" {
		return merchant.Settings{}, invalid("merchantId", "required")
	}
	ms, err := s.merchants.Get(ctx, merchantID)
	if errors.Is(err, merchant.ErrNotFound) {
		return merchant.Settings{}, ErrMerchantNotFound
	}
	return ms, err
}

func (s *Service) holdTTL(ms merchant.Settings) time.Duration {
	if ms.HoldTTL > 0 {
		return ms.HoldTTL
	}
	return s.cfg.HoldTTL
}
