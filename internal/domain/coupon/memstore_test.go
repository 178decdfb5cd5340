package coupon

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store. Transactions are serialized by txMu,
// which plays the role of the coupon row lock, and their writes are
// buffered until commit so a failing transaction leaves no trace.
type memStore struct {
	txMu sync.Mutex

	mu       sync.Mutex
	coupons  map[string]*Coupon
	usages   []Usage
	attached map[string]attachment

	// conflicts makes the next N IncrementUsage calls fail with ErrConflict.
	conflicts int
	// failAttach makes AttachToOrder fail, after the counter was bumped.
	failAttach error
}

type attachment struct {
	couponID int64
	discount decimal.Decimal
}

func newMemStore(coupons ...*Coupon) *memStore {
	s := &memStore{
		coupons:  make(map[string]*Coupon),
		attached: make(map[string]attachment),
	}
	for i, c := range coupons {
		if c.ID == 0 {
			c.ID = int64(i + 1)
		}
		s.coupons[c.Code] = c
	}
	return s
}

func (s *memStore) FindByCode(_ context.Context, code string) (*Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) HasIdentityUsed(_ context.Context, couponID int64, email, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return identityMatch(s.usages, couponID, email, phone), nil
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{s: s, counts: make(map[int64]int), attached: make(map[string]attachment)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	// A cancelled context aborts the commit, as it does for a database tx.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.coupons {
		if n, ok := tx.counts[c.ID]; ok {
			c.UsageCount = n
		}
	}
	s.usages = append(s.usages, tx.usages...)
	for id, a := range tx.attached {
		s.attached[id] = a
	}
	return nil
}

func (s *memStore) usageCount(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coupons[code].UsageCount
}

func (s *memStore) usageRecords() []Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Usage(nil), s.usages...)
}

type memTx struct {
	s        *memStore
	counts   map[int64]int
	usages   []Usage
	attached map[string]attachment
}

func (t *memTx) LockByCode(ctx context.Context, code string) (*Coupon, error) {
	return t.s.FindByCode(ctx, code)
}

func (t *memTx) HasIdentityUsed(_ context.Context, couponID int64, email, phone string) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return identityMatch(t.s.usages, couponID, email, phone) ||
		identityMatch(t.usages, couponID, email, phone), nil
}

func (t *memTx) HasOrderUsage(_ context.Context, couponID int64, orderID string) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, set := range [][]Usage{t.s.usages, t.usages} {
		for _, u := range set {
			if u.CouponID == couponID && u.OrderID == orderID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *memTx) RecordUsage(ctx context.Context, u *Usage) error {
	dup, _ := t.HasOrderUsage(ctx, u.CouponID, u.OrderID)
	if dup {
		return &DuplicateUsageError{CouponID: u.CouponID, OrderID: u.OrderID}
	}
	t.usages = append(t.usages, *u)
	return nil
}

func (t *memTx) IncrementUsage(_ context.Context, couponID int64, expected int) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.s.conflicts > 0 {
		t.s.conflicts--
		return 0, ErrConflict
	}
	for _, c := range t.s.coupons {
		if c.ID != couponID {
			continue
		}
		if c.UsageCount != expected {
			return 0, ErrConflict
		}
		if limit, ok := c.Limit(); ok && expected >= limit {
			return 0, ErrConflict
		}
		t.counts[couponID] = expected + 1
		return expected + 1, nil
	}
	return 0, ErrNotFound
}

func (t *memTx) AttachToOrder(_ context.Context, orderID string, couponID int64, discount decimal.Decimal) error {
	if t.s.failAttach != nil {
		return t.s.failAttach
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.attached[orderID]; ok {
		return ErrOrderNotEligible
	}
	t.attached[orderID] = attachment{couponID: couponID, discount: discount}
	return nil
}

func identityMatch(usages []Usage, couponID int64, email, phone string) bool {
	for _, u := range usages {
		if u.CouponID != couponID {
			continue
		}
		if email != "" && u.Identity.Email == email {
			return true
		}
		if phone != "" && u.Identity.Phone == phone {
			return true
		}
	}
	return false
}

type increment struct {
	couponID int64
	count    int
	limit    int
}

type recordingAuditor struct {
	mu    sync.Mutex
	calls []increment
}

func (a *recordingAuditor) AuditCouponIncrement(_ context.Context, couponID int64, newCount, limit int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, increment{couponID: couponID, count: newCount, limit: limit})
}

func (a *recordingAuditor) increments() []increment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]increment(nil), a.calls...)
}

// cancellingStore cancels the request context right after the named step
// of the application transaction succeeds.
type cancellingStore struct {
	*memStore
	after  string
	cancel context.CancelFunc
}

func (s *cancellingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.memStore.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &cancellingTx{Tx: tx, store: s})
	})
}

type cancellingTx struct {
	Tx
	store *cancellingStore
}

func (t *cancellingTx) step(name string) {
	if t.store.after == name {
		t.store.cancel()
	}
}

func (t *cancellingTx) IncrementUsage(ctx context.Context, couponID int64, expected int) (int, error) {
	n, err := t.Tx.IncrementUsage(ctx, couponID, expected)
	t.step("increment")
	return n, err
}

func (t *cancellingTx) RecordUsage(ctx context.Context, u *Usage) error {
	err := t.Tx.RecordUsage(ctx, u)
	t.step("record")
	return err
}

func (t *cancellingTx) AttachToOrder(ctx context.Context, orderID string, couponID int64, discount decimal.Decimal) error {
	err := t.Tx.AttachToOrder(ctx, orderID, couponID, discount)
	t.step("attach")
	return err
}

// downStore fails every transaction before it starts.
type downStore struct {
	*memStore
	err error
}

func (s *downStore) InTx(context.Context, func(ctx context.Context, tx Tx) error) error {
	return s.err
}
