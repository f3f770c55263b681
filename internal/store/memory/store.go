// Package memory provides an in-process payment ledger for development and
// single-instance deployments. Multi-instance correctness requires the
// postgres ledger; nothing here survives a restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/store"
)

// Store implements store.PaymentRepository and store.MerchantRepository.
// One mutex covers everything: the per-nonce lock discipline degenerates to
// whole-store exclusion, which is correct (if coarse) in a single process.
type Store struct {
	mu        sync.Mutex
	payments  map[string]*model.Payment
	events    []model.PaymentEvent
	merchants map[string]*model.Merchant
	nextEvent int64
}

func New() *Store {
	return &Store{
		payments:  make(map[string]*model.Payment),
		merchants: make(map[string]*model.Merchant),
		nextEvent: 1,
	}
}

func (s *Store) InsertIfAbsent(_ context.Context, p *model.Payment) (store.InsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.Nonce]; ok {
		return store.InsertExists, nil
	}

	now := time.Now().UTC()
	cp := clonePayment(p)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.payments[p.Nonce] = cp
	return store.InsertCreated, nil
}

func (s *Store) Transition(_ context.Context, nonce string, next model.PaymentStatus, update store.TransitionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[nonce]
	if !ok {
		return store.ErrPaymentNotFound
	}
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, p.Status, next)
	}

	p.Status = next
	if p.IncomingTxHash == nil && update.IncomingTxHash != nil {
		h := *update.IncomingTxHash
		p.IncomingTxHash = &h
	}
	if p.OutgoingTxHash == nil && update.OutgoingTxHash != nil {
		h := *update.OutgoingTxHash
		p.OutgoingTxHash = &h
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Get(_ context.Context, nonce string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[nonce]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (s *Store) ListIncomplete(_ context.Context) ([]model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Payment
	for _, p := range s.payments {
		if p.Status == model.StatusIncomingComplete || p.Status == model.StatusOutgoingSubmitted {
			out = append(out, *clonePayment(p))
		}
	}
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, nonce, eventType string, data map[string]string) error {
	if data == nil {
		data = map[string]string{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, model.PaymentEvent{
		ID:        s.nextEvent,
		Nonce:     nonce,
		EventType: eventType,
		EventData: payload,
		CreatedAt: time.Now().UTC(),
	})
	s.nextEvent++
	return nil
}

func (s *Store) ListEvents(_ context.Context, nonce string) ([]model.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PaymentEvent
	for _, e := range s.events {
		if e.Nonce == nonce {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) FindByAddress(_ context.Context, address string) (*model.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.merchants[strings.ToLower(address)]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// SeedMerchant registers a merchant for dev setups without a database.
func (s *Store) SeedMerchant(m model.Merchant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	m.Address = strings.ToLower(m.Address)
	m.CreatedAt = now
	m.UpdatedAt = now
	s.merchants[m.Address] = &m
}

func clonePayment(p *model.Payment) *model.Payment {
	cp := *p
	if p.TotalAmount != nil {
		cp.TotalAmount = new(big.Int).Set(p.TotalAmount)
	}
	if p.MerchantAmount != nil {
		cp.MerchantAmount = new(big.Int).Set(p.MerchantAmount)
	}
	if p.FeeAmount != nil {
		cp.FeeAmount = new(big.Int).Set(p.FeeAmount)
	}
	if p.IncomingTxHash != nil {
		h := *p.IncomingTxHash
		cp.IncomingTxHash = &h
	}
	if p.OutgoingTxHash != nil {
		h := *p.OutgoingTxHash
		cp.OutgoingTxHash = &h
	}
	return &cp
}
