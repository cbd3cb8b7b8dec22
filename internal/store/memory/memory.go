// Package memory содержит хранилище в памяти процесса. Используется в тестах и демо-режиме.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/store"
)

// ErrClosed возвращается при обращении к закрытому хранилищу.
var ErrClosed = errors.New("memory store closed")

// Store хранит данные в памяти. Транзакции выполняются последовательно
// над копией данных и публикуются целиком при успехе.
type Store struct {
	mu     sync.Mutex
	data   *data
	closed bool
}

type data struct {
	products     map[string]model.Product
	adjustments  map[string]model.InventoryAdjustment
	adjOrder     []string
	alerts       map[string]model.StockAlert
	alertOrder   []string
	transactions map[string]model.Transaction
	txOrder      []string
	customers    map[string]model.Customer
	custTx       map[string]model.CustomerTransaction
	custTxOrder  []string
	queue        map[int64]model.QueueEntry
	queueByRef   map[model.EntityRef]int64
	queueSeq     int64
	sequences    map[string]int64
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{data: &data{
		products:     make(map[string]model.Product),
		adjustments:  make(map[string]model.InventoryAdjustment),
		alerts:       make(map[string]model.StockAlert),
		transactions: make(map[string]model.Transaction),
		customers:    make(map[string]model.Customer),
		custTx:       make(map[string]model.CustomerTransaction),
		queue:        make(map[int64]model.QueueEntry),
		queueByRef:   make(map[model.EntityRef]int64),
		sequences:    make(map[string]int64),
	}}
}

func (d *data) clone() *data {
	return &data{
		products:     maps.Clone(d.products),
		adjustments:  maps.Clone(d.adjustments),
		adjOrder:     slices.Clone(d.adjOrder),
		alerts:       maps.Clone(d.alerts),
		alertOrder:   slices.Clone(d.alertOrder),
		transactions: maps.Clone(d.transactions),
		txOrder:      slices.Clone(d.txOrder),
		customers:    maps.Clone(d.customers),
		custTx:       maps.Clone(d.custTx),
		custTxOrder:  slices.Clone(d.custTxOrder),
		queue:        maps.Clone(d.queue),
		queueByRef:   maps.Clone(d.queueByRef),
		queueSeq:     d.queueSeq,
		sequences:    maps.Clone(d.sequences),
	}
}

// InTx выполняет fn над копией данных и сохраняет её, если fn завершилась без ошибки.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	snapshot := s.data.clone()
	if err := fn(&tx{d: snapshot}); err != nil {
		return err
	}
	s.data = snapshot
	return nil
}

// Close закрывает хранилище.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type tx struct {
	d *data
}

func (t *tx) NextSequence(_ context.Context, name string) (int64, error) {
	t.d.sequences[name]++
	return t.d.sequences[name], nil
}

func (t *tx) GetProduct(_ context.Context, id string) (*model.Product, error) {
	p, ok := t.d.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (t *tx) ListProducts(_ context.Context) ([]model.Product, error) {
	res := make([]model.Product, 0, len(t.d.products))
	for _, p := range t.d.products {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (t *tx) PutProduct(_ context.Context, p *model.Product) error {
	t.d.products[p.ID] = *p
	return nil
}

func (t *tx) UpdateStock(_ context.Context, productID string, quantity int, updatedAt time.Time) error {
	p, ok := t.d.products[productID]
	if !ok {
		return fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	p.StockQuantity = quantity
	p.UpdatedAt = updatedAt
	t.d.products[productID] = p
	return nil
}

func (t *tx) GetAdjustment(_ context.Context, id string) (*model.InventoryAdjustment, error) {
	a, ok := t.d.adjustments[id]
	if !ok {
		return nil, fmt.Errorf("adjustment %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (t *tx) InsertAdjustment(_ context.Context, a *model.InventoryAdjustment) error {
	if _, ok := t.d.adjustments[a.ID]; ok {
		return fmt.Errorf("adjustment %s: %w", a.ID, store.ErrAlreadyExists)
	}
	t.d.adjustments[a.ID] = *a
	t.d.adjOrder = append(t.d.adjOrder, a.ID)
	return nil
}

func (t *tx) ListAdjustments(_ context.Context, productID string) ([]model.InventoryAdjustment, error) {
	var res []model.InventoryAdjustment
	for _, id := range t.d.adjOrder {
		if a := t.d.adjustments[id]; a.ProductID == productID {
			res = append(res, a)
		}
	}
	return res, nil
}

func (t *tx) ActiveAlerts(_ context.Context, productID string) ([]model.StockAlert, error) {
	var res []model.StockAlert
	for _, id := range t.d.alertOrder {
		if a := t.d.alerts[id]; a.IsActive && a.ProductID == productID {
			res = append(res, a)
		}
	}
	return res, nil
}

func (t *tx) ListActiveAlerts(_ context.Context) ([]model.StockAlert, error) {
	var res []model.StockAlert
	for _, id := range t.d.alertOrder {
		if a := t.d.alerts[id]; a.IsActive {
			res = append(res, a)
		}
	}
	return res, nil
}

func (t *tx) InsertAlert(_ context.Context, a *model.StockAlert) error {
	if _, ok := t.d.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s: %w", a.ID, store.ErrAlreadyExists)
	}
	t.d.alerts[a.ID] = *a
	t.d.alertOrder = append(t.d.alertOrder, a.ID)
	return nil
}

func (t *tx) ResolveAlert(_ context.Context, id string, resolvedAt time.Time) error {
	a, ok := t.d.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, store.ErrNotFound)
	}
	a.IsActive = false
	a.ResolvedAt = &resolvedAt
	t.d.alerts[id] = a
	return nil
}

func (t *tx) InsertTransaction(_ context.Context, trx *model.Transaction) error {
	if _, ok := t.d.transactions[trx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", trx.ID, store.ErrAlreadyExists)
	}
	for _, other := range t.d.transactions {
		if other.TransactionNumber == trx.TransactionNumber {
			return fmt.Errorf("transaction number %s: %w", trx.TransactionNumber, store.ErrAlreadyExists)
		}
	}
	t.d.transactions[trx.ID] = copyTransaction(*trx)
	t.d.txOrder = append(t.d.txOrder, trx.ID)
	return nil
}

func (t *tx) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	trx, ok := t.d.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	res := copyTransaction(trx)
	return &res, nil
}

func (t *tx) GetTransactionByNumber(_ context.Context, number string) (*model.Transaction, error) {
	for _, trx := range t.d.transactions {
		if trx.TransactionNumber == number {
			res := copyTransaction(trx)
			return &res, nil
		}
	}
	return nil, fmt.Errorf("transaction number %s: %w", number, store.ErrNotFound)
}

func (t *tx) ListTransactionsByStatus(_ context.Context, status model.TransactionStatus) ([]model.Transaction, error) {
	var res []model.Transaction
	for _, id := range t.d.txOrder {
		if trx := t.d.transactions[id]; trx.Status == status {
			res = append(res, copyTransaction(trx))
		}
	}
	return res, nil
}

func (t *tx) ListRefunds(_ context.Context, originalID string) ([]model.Transaction, error) {
	var res []model.Transaction
	for _, id := range t.d.txOrder {
		if trx := t.d.transactions[id]; trx.IsRefund && trx.OriginalTransactionID == originalID {
			res = append(res, copyTransaction(trx))
		}
	}
	return res, nil
}

func (t *tx) UpdateTransactionStatus(_ context.Context, id string, status model.TransactionStatus, completedAt *time.Time, updatedAt time.Time) error {
	trx, ok := t.d.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	trx.Status = status
	trx.UpdatedAt = updatedAt
	if completedAt != nil {
		at := *completedAt
		trx.CompletedAt = &at
	}
	t.d.transactions[id] = trx
	return nil
}

func (t *tx) MarkTransactionSynced(_ context.Context, id string) error {
	trx, ok := t.d.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	trx.IsSynced = true
	t.d.transactions[id] = trx
	return nil
}

func (t *tx) GetCustomer(_ context.Context, id string) (*model.Customer, error) {
	c, ok := t.d.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", id, store.ErrNotFound)
	}
	return &c, nil
}

func (t *tx) PutCustomer(_ context.Context, c *model.Customer) error {
	t.d.customers[c.ID] = *c
	return nil
}

func customerTxKey(customerID, transactionID string) string {
	return customerID + "|" + transactionID
}

func (t *tx) GetCustomerTransaction(_ context.Context, customerID, transactionID string) (*model.CustomerTransaction, error) {
	ct, ok := t.d.custTx[customerTxKey(customerID, transactionID)]
	if !ok {
		return nil, fmt.Errorf("customer transaction %s/%s: %w", customerID, transactionID, store.ErrNotFound)
	}
	return &ct, nil
}

func (t *tx) InsertCustomerTransaction(_ context.Context, ct *model.CustomerTransaction) error {
	key := customerTxKey(ct.CustomerID, ct.TransactionID)
	if _, ok := t.d.custTx[key]; ok {
		return fmt.Errorf("customer transaction %s: %w", key, store.ErrAlreadyExists)
	}
	t.d.custTx[key] = *ct
	t.d.custTxOrder = append(t.d.custTxOrder, key)
	return nil
}

func (t *tx) ListCustomerTransactions(_ context.Context, customerID string) ([]model.CustomerTransaction, error) {
	var res []model.CustomerTransaction
	for _, key := range t.d.custTxOrder {
		if ct := t.d.custTx[key]; ct.CustomerID == customerID {
			res = append(res, ct)
		}
	}
	return res, nil
}

func (t *tx) InsertQueueEntry(_ context.Context, e *model.QueueEntry) error {
	if _, ok := t.d.queueByRef[e.Ref]; ok {
		return fmt.Errorf("queue entry %s: %w", e.Ref.RecordID(), store.ErrAlreadyExists)
	}
	t.d.queueSeq++
	e.Seq = t.d.queueSeq
	t.d.queue[e.Seq] = copyEntry(*e)
	t.d.queueByRef[e.Ref] = e.Seq
	return nil
}

func (t *tx) GetQueueEntry(_ context.Context, ref model.EntityRef) (*model.QueueEntry, error) {
	seq, ok := t.d.queueByRef[ref]
	if !ok {
		return nil, fmt.Errorf("queue entry %s: %w", ref.RecordID(), store.ErrNotFound)
	}
	e := copyEntry(t.d.queue[seq])
	return &e, nil
}

func (t *tx) ListQueueEntries(_ context.Context, status model.SyncStatus, limit int) ([]model.QueueEntry, error) {
	var res []model.QueueEntry
	for _, e := range t.d.queue {
		if e.Status == status {
			res = append(res, copyEntry(e))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (t *tx) UpdateQueueEntry(_ context.Context, e *model.QueueEntry) error {
	cur, ok := t.d.queue[e.Seq]
	if !ok {
		return fmt.Errorf("queue entry %d: %w", e.Seq, store.ErrNotFound)
	}
	cur.Status = e.Status
	cur.Attempts = e.Attempts
	cur.LastError = e.LastError
	cur.UpdatedAt = e.UpdatedAt
	t.d.queue[e.Seq] = cur
	return nil
}

func (t *tx) CountQueueByStatus(_ context.Context) (map[model.SyncStatus]int, error) {
	res := make(map[model.SyncStatus]int)
	for _, e := range t.d.queue {
		res[e.Status]++
	}
	return res, nil
}

func copyTransaction(t model.Transaction) model.Transaction {
	t.Items = slices.Clone(t.Items)
	t.Payments = slices.Clone(t.Payments)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

func copyEntry(e model.QueueEntry) model.QueueEntry {
	e.Payload = slices.Clone(e.Payload)
	if e.Parent != nil {
		p := *e.Parent
		e.Parent = &p
	}
	return e
}
