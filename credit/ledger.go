package credit

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/kbukum/runkit/errors"
)

// Ledger tracks spend for one run against a ceiling fixed at construction.
// used + reserved never exceeds the ceiling.
type Ledger struct {
	mu sync.Mutex

	runID         string
	userRemaining *big.Int
	taskMax       *big.Int
	initialSpent  *big.Int
	allowed       *big.Int

	used         *big.Int
	reserved     *big.Int
	reservations map[string]*big.Int
}

// NewLedger creates a ledger for runID. spent is what the run had already
// spent before this ledger existed (non-zero when resuming).
func NewLedger(runID string, userRemaining, taskMax, spent *big.Int) *Ledger {
	clone := func(v *big.Int) *big.Int {
		if v == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(v)
	}
	l := &Ledger{
		runID:         runID,
		userRemaining: clone(userRemaining),
		taskMax:       clone(taskMax),
		initialSpent:  clone(spent),
		used:          new(big.Int),
		reserved:      new(big.Int),
		reservations:  make(map[string]*big.Int),
	}
	l.allowed = CalculateMaxCredits(l.userRemaining, l.taskMax, l.initialSpent)
	return l
}

// Allowed returns the ceiling captured at construction.
func (l *Ledger) Allowed() *big.Int {
	return new(big.Int).Set(l.allowed)
}

func (l *Ledger) availableLocked() *big.Int {
	a := new(big.Int).Sub(l.allowed, l.used)
	return a.Sub(a, l.reserved)
}

// Available returns what can still be debited or reserved.
func (l *Ledger) Available() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableLocked()
}

// Exhausted reports whether nothing more can be spent.
func (l *Ledger) Exhausted() bool {
	return l.Available().Sign() <= 0
}

func (l *Ledger) check(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.InvalidInput("amount", "credit amount must be a non-negative integer")
	}
	if avail := l.availableLocked(); amount.Cmp(avail) > 0 {
		return errors.CreditExhausted(l.runID, amount.String(), avail.String())
	}
	return nil
}

// Debit spends amount, or fails with CREDIT_EXHAUSTED leaving the ledger
// unchanged.
func (l *Ledger) Debit(amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(amount); err != nil {
		return err
	}
	l.used.Add(l.used, amount)
	return nil
}

// Reserve holds amount under id for an in-flight execution.
func (l *Ledger) Reserve(id string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.reservations[id]; exists {
		return errors.Conflict(fmt.Sprintf("reservation %q already exists", id))
	}
	if err := l.check(amount); err != nil {
		return err
	}
	l.reserved.Add(l.reserved, amount)
	l.reservations[id] = new(big.Int).Set(amount)
	return nil
}

// Release drops the reservation id without spending it.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(id)
}

func (l *Ledger) releaseLocked(id string) {
	if r, ok := l.reservations[id]; ok {
		l.reserved.Sub(l.reserved, r)
		delete(l.reservations, id)
	}
}

// Commit releases reservation id and debits actual. When actual exceeds
// what is left, only the remainder is charged and CREDIT_EXHAUSTED is
// returned so the caller can stop spending.
func (l *Ledger) Commit(id string, actual *big.Int) error {
	if actual == nil || actual.Sign() < 0 {
		return errors.InvalidInput("amount", "credit amount must be a non-negative integer")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(id)
	avail := l.availableLocked()
	if actual.Cmp(avail) > 0 {
		l.used.Add(l.used, avail)
		return errors.CreditExhausted(l.runID, actual.String(), avail.String())
	}
	l.used.Add(l.used, actual)
	return nil
}

// Used returns what this ledger has debited.
func (l *Ledger) Used() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.used)
}

// Spent returns the run's total spend including what preceded the ledger.
func (l *Ledger) Spent() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Add(l.initialSpent, l.used)
}

// Snapshot is a serializable view of a Ledger. Amounts are decimal strings.
type Snapshot struct {
	UserRemaining string `json:"userRemainingCredits"`
	TaskMax       string `json:"taskMaxCredits"`
	Spent         string `json:"creditsSpent"`
	Allowed       string `json:"allowed"`
	Reserved      string `json:"reserved"`
}

// Snapshot returns the current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		UserRemaining: l.userRemaining.String(),
		TaskMax:       l.taskMax.String(),
		Spent:         new(big.Int).Add(l.initialSpent, l.used).String(),
		Allowed:       l.allowed.String(),
		Reserved:      l.reserved.String(),
	}
}

// Source reports a user's remaining credits.
type Source interface {
	GetRemainingCredits(ctx context.Context, userID string) (*big.Int, error)
}

// StaticSource is a Source backed by a fixed map. Users not in Balances get
// Default, or NOT_FOUND when Default is nil.
type StaticSource struct {
	mu       sync.RWMutex
	Balances map[string]*big.Int
	Default  *big.Int
}

// Set updates a user's balance.
func (s *StaticSource) Set(userID string, credits *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Balances == nil {
		s.Balances = make(map[string]*big.Int)
	}
	s.Balances[userID] = new(big.Int).Set(credits)
}

// GetRemainingCredits implements Source.
func (s *StaticSource) GetRemainingCredits(ctx context.Context, userID string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.Balances[userID]; ok {
		return new(big.Int).Set(v), nil
	}
	if s.Default != nil {
		return new(big.Int).Set(s.Default), nil
	}
	return nil, errors.NotFound("user credits", userID)
}
