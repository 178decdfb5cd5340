package product

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProductRepo struct {
	stock map[string]int
}

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*Product, error) {
	q, ok := m.stock[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Product{ID: id, Stock: q}, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, _ []string) ([]Product, error) {
	return nil, nil
}

func (m *mockProductRepo) SetStock(_ context.Context, id string, quantity int) (*StockLevel, error) {
	if _, ok := m.stock[id]; !ok {
		return nil, ErrNotFound
	}
	m.stock[id] = quantity
	return &StockLevel{ProductID: id, Quantity: quantity}, nil
}

type stockAudit struct {
	productID string
	quantity  int
}

type mockAuditor struct {
	calls []stockAudit
}

func (m *mockAuditor) AuditStockChange(_ context.Context, productID string, quantity int) {
	m.calls = append(m.calls, stockAudit{productID: productID, quantity: quantity})
}

func TestGet(t *testing.T) {
	svc := NewService(&mockProductRepo{stock: map[string]int{"p1": 3}}, &mockAuditor{})

	p, err := svc.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stock)

	_, err = svc.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetStock(t *testing.T) {
	repo := &mockProductRepo{stock: map[string]int{"p1": 3}}
	auditor := &mockAuditor{}
	svc := NewService(repo, auditor)

	level, err := svc.SetStock(context.Background(), "p1", 10)

	require.NoError(t, err)
	assert.Equal(t, 10, level.Quantity)
	assert.Equal(t, 10, repo.stock["p1"])
	assert.Equal(t, []stockAudit{{productID: "p1", quantity: 10}}, auditor.calls)
}

func TestSetStock_Negative(t *testing.T) {
	repo := &mockProductRepo{stock: map[string]int{"p1": 3}}
	auditor := &mockAuditor{}
	svc := NewService(repo, auditor)

	_, err := svc.SetStock(context.Background(), "p1", -1)

	require.ErrorIs(t, err, ErrNegativeStock)
	assert.Equal(t, 3, repo.stock["p1"])
	assert.Empty(t, auditor.calls)
}

func TestSetStock_NotFound(t *testing.T) {
	auditor := &mockAuditor{}
	svc := NewService(&mockProductRepo{stock: map[string]int{}}, auditor)

	_, err := svc.SetStock(context.Background(), "missing", 1)

	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, auditor.calls)
}
