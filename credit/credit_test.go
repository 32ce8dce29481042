package credit

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/kbukum/runkit/errors"
)

func TestCalculateMaxCredits(t *testing.T) {
	tests := []struct {
		user, task, spent int64
		want              int64
	}{
		{500000, 800000, 100000, 500000},
		{900000, 800000, 100000, 700000},
		{750000, 800000, 50000, 750000},
		{1500000, 1000000, 200000, 800000},
		{0, 800000, 0, 0},
		{500000, 800000, -1, 0},
		{500000, 0, 0, 0},
		{500000, 100, 200, 0},
	}
	for _, tc := range tests {
		got := CalculateMaxCredits(big.NewInt(tc.user), big.NewInt(tc.task), big.NewInt(tc.spent))
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Errorf("CalculateMaxCredits(%d, %d, %d) = %s, want %d", tc.user, tc.task, tc.spent, got, tc.want)
		}
	}
}

func TestCalculateMaxCredits_BeyondInt64(t *testing.T) {
	huge, _ := new(big.Int).SetString("100000000000000000000000", 10)
	task, _ := new(big.Int).SetString("90000000000000000000001", 10)
	got := CalculateMaxCredits(huge, task, big.NewInt(1))
	want, _ := new(big.Int).SetString("90000000000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{"int", 1500000, "1500000", false},
		{"int64", int64(-3), "-3", false},
		{"uint64", uint64(1 << 63), "9223372036854775808", false},
		{"decimal string", "1500000", "1500000", false},
		{"decimal string with zero fraction", "1500000.000", "1500000", false},
		{"big string", "123456789012345678901234567890", "123456789012345678901234567890", false},
		{"json number", json.Number("42"), "42", false},
		{"big.Int pointer", big.NewInt(7), "7", false},
		{"big.Int value", *big.NewInt(8), "8", false},
		{"integral float", float64(2e6), "2000000", false},
		{"fractional string", "10.5", "", true},
		{"trailing dot", "10.", "", true},
		{"fractional float", 0.1, "", true},
		{"not a number", "ten", "", true},
		{"exponent", "1e6", "", true},
		{"nil", nil, "", true},
		{"bool", true, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if tc.wantErr {
				if !errors.HasCode(err, errors.ErrCodeInvalidInput) {
					t.Fatalf("expected INVALID_INPUT, got %v (%v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tc.want {
				t.Errorf("Normalize(%v) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalize_DoesNotAlias(t *testing.T) {
	in := big.NewInt(5)
	out, _ := Normalize(in)
	out.SetInt64(99)
	if in.Int64() != 5 {
		t.Error("Normalize must copy big.Int inputs")
	}
}

func TestLedger_DebitWithinCeiling(t *testing.T) {
	l := NewLedger("run-1", big.NewInt(500000), big.NewInt(800000), big.NewInt(100000))
	if l.Allowed().Int64() != 500000 {
		t.Fatalf("expected allowed 500000, got %s", l.Allowed())
	}
	if err := l.Debit(big.NewInt(400000)); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	err := l.Debit(big.NewInt(100001))
	if !errors.HasCode(err, errors.ErrCodeCreditExhausted) {
		t.Fatalf("expected CREDIT_EXHAUSTED, got %v", err)
	}
	if l.Used().Int64() != 400000 {
		t.Errorf("failed debit must not change the ledger, used=%s", l.Used())
	}
	if l.Spent().Int64() != 500000 {
		t.Errorf("expected total spent 500000, got %s", l.Spent())
	}
	if err := l.Debit(big.NewInt(-1)); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Errorf("negative debit should be invalid, got %v", err)
	}
}

func TestLedger_NilSpentMeansNothingSpent(t *testing.T) {
	l := NewLedger("run-1", big.NewInt(1000000), big.NewInt(1000000), nil)
	if l.Allowed().Int64() != 1000000 {
		t.Fatalf("expected allowed 1000000, got %s", l.Allowed())
	}
	if l.Exhausted() {
		t.Fatal("fresh ledger must not be exhausted")
	}
	if err := l.Debit(big.NewInt(5)); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if l.Spent().Int64() != 5 {
		t.Errorf("expected spent 5, got %s", l.Spent())
	}
}

func TestLedger_ZeroAllowed(t *testing.T) {
	l := NewLedger("run-1", big.NewInt(0), big.NewInt(800000), big.NewInt(0))
	if !l.Exhausted() {
		t.Error("expected exhausted ledger")
	}
	if err := l.Debit(big.NewInt(1)); !errors.HasCode(err, errors.ErrCodeCreditExhausted) {
		t.Errorf("expected CREDIT_EXHAUSTED, got %v", err)
	}
	if err := l.Debit(big.NewInt(0)); err != nil {
		t.Errorf("zero debit should succeed, got %v", err)
	}
}

func TestLedger_ReserveCommitRelease(t *testing.T) {
	l := NewLedger("run-1", big.NewInt(100), big.NewInt(100), big.NewInt(0))

	if err := l.Reserve("a", big.NewInt(60)); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve("b", big.NewInt(50)); !errors.HasCode(err, errors.ErrCodeCreditExhausted) {
		t.Fatalf("reservation beyond availability should fail, got %v", err)
	}
	if err := l.Reserve("a", big.NewInt(1)); !errors.HasCode(err, errors.ErrCodeConflict) {
		t.Fatalf("duplicate reservation should conflict, got %v", err)
	}

	if err := l.Commit("a", big.NewInt(40)); err != nil {
		t.Fatal(err)
	}
	if got := l.Available().Int64(); got != 60 {
		t.Errorf("expected 60 available after commit, got %d", got)
	}

	l.Reserve("c", big.NewInt(30))
	l.Release("c")
	if got := l.Available().Int64(); got != 60 {
		t.Errorf("release should restore availability, got %d", got)
	}

	err := l.Commit("d", big.NewInt(80))
	if !errors.HasCode(err, errors.ErrCodeCreditExhausted) {
		t.Fatalf("over-commit should report exhaustion, got %v", err)
	}
	if l.Used().Int64() != 100 {
		t.Errorf("over-commit must be capped at the ceiling, used=%s", l.Used())
	}
	snap := l.Snapshot()
	if snap.Spent != "100" || snap.Allowed != "100" || snap.Reserved != "0" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

// Concurrent branches must never together overspend the ceiling.
func TestLedger_ConcurrentDebitsNeverOverspend(t *testing.T) {
	l := NewLedger("run-1", big.NewInt(1000), big.NewInt(5000), big.NewInt(0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.Debit(big.NewInt(7)) == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if l.Used().Cmp(l.Allowed()) > 0 {
		t.Fatalf("overspent: used %s > allowed %s", l.Used(), l.Allowed())
	}
	if int64(succeeded*7) != l.Used().Int64() {
		t.Errorf("used %s does not match %d successful debits", l.Used(), succeeded)
	}
	if succeeded != 1000/7 {
		t.Errorf("expected %d successful debits, got %d", 1000/7, succeeded)
	}
}

func TestStaticSource(t *testing.T) {
	s := &StaticSource{}
	s.Set("u1", big.NewInt(10))

	got, err := s.GetRemainingCredits(context.Background(), "u1")
	if err != nil || got.Int64() != 10 {
		t.Fatalf("got %v, %v", got, err)
	}
	if _, err := s.GetRemainingCredits(context.Background(), "u2"); !errors.HasCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	s.Default = big.NewInt(3)
	if got, _ := s.GetRemainingCredits(context.Background(), "u2"); got.Int64() != 3 {
		t.Errorf("expected default 3, got %v", got)
	}
}
