package coupon

import (
	"context"

	"github.com/go-faster/errors"
)

// Service exposes coupon administration.
type Service struct {
	repo Repository
}

// NewService creates a Service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create validates and stores a new coupon. The usage counter always starts
// at zero.
func (s *Service) Create(ctx context.Context, c *Coupon) error {
	c.UsageCount = 0
	if err := Validate(c); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return errors.Wrap(err, "create coupon")
	}
	return nil
}

// Get returns the coupon with the given code.
func (s *Service) Get(ctx context.Context, code string) (*Coupon, error) {
	c, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "find coupon")
	}
	return c, nil
}

// Usages returns the coupon and its redemption records, newest first.
func (s *Service) Usages(ctx context.Context, code string) (*Coupon, []Usage, error) {
	c, err := s.Get(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	usages, err := s.repo.ListUsages(ctx, c.ID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list usages")
	}
	return c, usages, nil
}
