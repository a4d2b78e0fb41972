package token

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
)

type fakeStore struct {
	token      *Token
	totals     Totals
	findCalls  atomic.Int64
	touchCalls atomic.Int64
	findErr    error
}

func (s *fakeStore) FindTokenByHash(_ context.Context, hash string) (*Token, error) {
	s.findCalls.Add(1)
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.token == nil || s.token.SecretHash != hash {
		return nil, ErrTokenNotFound
	}
	clone := *s.token
	return &clone, nil
}

func (s *fakeStore) UsageTotals(_ context.Context, _ string, _, _ time.Time) (Totals, error) {
	return s.totals, nil
}

func (s *fakeStore) TouchLastUsed(_ context.Context, _ string, _ time.Time) error {
	s.touchCalls.Add(1)
	return nil
}

func newTestToken(secret string) *Token {
	return &Token{
		ID:         "tok-1",
		SecretHash: HashSecret(secret),
		Owner:      "team-a",
		Balance:    100,
		DailyLimit: 1000,
		Active:     true,
	}
}

func TestValidateSuccessAndCacheHit(t *testing.T) {
	store := &fakeStore{token: newTestToken("sk-test")}
	validator := NewValidator(store)

	result, err := validator.Validate(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TokenID != "tok-1" || result.Balance != 100 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Synthetic {
		t.Fatalf("real validation must not be synthetic")
	}

	again, err := validator.Validate(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("unexpected error on cached validate: %v", err)
	}
	if again.TokenID != result.TokenID {
		t.Fatalf("cached result mismatch: %+v", again)
	}
	if calls := store.findCalls.Load(); calls != 1 {
		t.Fatalf("expected a single store read inside freshness window, got %d", calls)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	validator := NewValidator(&fakeStore{})

	_, err := validator.Validate(context.Background(), "sk-missing")
	if xerrors.CodeOf(err) != xerrors.CodeAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if xerrors.ReasonOf(err) != xerrors.ReasonNotFound {
		t.Fatalf("unexpected reason %q", xerrors.ReasonOf(err))
	}
}

func TestValidateInactiveToken(t *testing.T) {
	tok := newTestToken("sk-test")
	tok.Active = false
	validator := NewValidator(&fakeStore{token: tok})

	_, err := validator.Validate(context.Background(), "sk-test")
	if xerrors.ReasonOf(err) != xerrors.ReasonInactive {
		t.Fatalf("expected inactive reason, got %v", err)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	tok := newTestToken("sk-test")
	tok.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	validator := NewValidator(&fakeStore{token: tok})

	_, err := validator.Validate(context.Background(), "sk-test")
	if xerrors.CodeOf(err) != xerrors.CodeAuthentication || xerrors.ReasonOf(err) != xerrors.ReasonExpired {
		t.Fatalf("expected expired authentication error, got %v", err)
	}
}

func TestValidateExhaustedBalance(t *testing.T) {
	for _, balance := range []int64{0, 5} {
		tok := newTestToken("sk-test")
		tok.Balance = balance
		validator := NewValidator(&fakeStore{token: tok})

		_, err := validator.Validate(context.Background(), "sk-test")
		if xerrors.CodeOf(err) != xerrors.CodeQuotaExceeded {
			t.Fatalf("balance %d: expected quota error, got %v", balance, err)
		}
		if xerrors.ReasonOf(err) != xerrors.ReasonBalance {
			t.Fatalf("balance %d: unexpected reason %q", balance, xerrors.ReasonOf(err))
		}
	}
}

func TestValidateMinBalanceConfigurable(t *testing.T) {
	tok := newTestToken("sk-test")
	tok.Balance = 5

	// 默认下限 10,余额 5 被拒。
	validator := NewValidator(&fakeStore{token: tok})
	if _, err := validator.Validate(context.Background(), "sk-test"); xerrors.ReasonOf(err) != xerrors.ReasonBalance {
		t.Fatalf("expected balance rejection under the default floor, got %v", err)
	}

	// 下限调成 0 后,任何正余额都放行。
	validator = NewValidator(&fakeStore{token: tok}, WithMinBalance(0))
	result, err := validator.Validate(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("balance 5 must validate with floor 0: %v", err)
	}
	if result.Balance != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// 余额为零始终被拒,与下限无关。
	zero := newTestToken("sk-zero")
	zero.Balance = 0
	validator = NewValidator(&fakeStore{token: zero}, WithMinBalance(0))
	if _, err := validator.Validate(context.Background(), "sk-zero"); xerrors.ReasonOf(err) != xerrors.ReasonBalance {
		t.Fatalf("zero balance must still be rejected, got %v", err)
	}
}

func TestValidateDailyAndMonthlyLimits(t *testing.T) {
	tok := newTestToken("sk-test")
	tok.DailyLimit = 500
	tok.MonthlyLimit = 10000

	store := &fakeStore{token: tok, totals: Totals{Daily: 500, Monthly: 600}}
	validator := NewValidator(store)
	_, err := validator.Validate(context.Background(), "sk-test")
	if xerrors.ReasonOf(err) != xerrors.ReasonDaily {
		t.Fatalf("expected daily quota rejection, got %v", err)
	}

	store = &fakeStore{token: tok, totals: Totals{Daily: 10, Monthly: 10000}}
	validator = NewValidator(store)
	_, err = validator.Validate(context.Background(), "sk-test")
	if xerrors.ReasonOf(err) != xerrors.ReasonMonthly {
		t.Fatalf("expected monthly quota rejection, got %v", err)
	}
}

func TestInvalidateForcesReread(t *testing.T) {
	store := &fakeStore{token: newTestToken("sk-test")}
	validator := NewValidator(store)

	first, err := validator.Validate(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.token.Balance = 50
	validator.Invalidate(first.SecretHash)

	second, err := validator.Validate(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Balance != 50 {
		t.Fatalf("expected fresh balance 50 after invalidation, got %d", second.Balance)
	}
	if calls := store.findCalls.Load(); calls != 2 {
		t.Fatalf("expected 2 store reads, got %d", calls)
	}
}

func TestValidateCacheEvictsByCapacity(t *testing.T) {
	tok := newTestToken("sk-0")
	store := &fakeStore{token: tok}
	validator := NewValidator(store, WithValidatorCache(1, time.Minute))

	if _, err := validator.Validate(context.Background(), "sk-0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 第二个令牌挤掉第一个，第一个再次校验会回源。
	store.token = newTestToken("sk-1")
	if _, err := validator.Validate(context.Background(), "sk-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.token = newTestToken("sk-0")
	if _, err := validator.Validate(context.Background(), "sk-0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := store.findCalls.Load(); calls != 3 {
		t.Fatalf("expected 3 store reads after eviction, got %d", calls)
	}
}

func TestEphemeralStoreAlwaysValidates(t *testing.T) {
	validator := NewValidator(NewEphemeralStore())

	result, err := validator.Validate(context.Background(), "anything-goes")
	if err != nil {
		t.Fatalf("degraded mode must validate, got %v", err)
	}
	if !result.Synthetic {
		t.Fatalf("degraded validation must be marked synthetic")
	}
	if result.Balance <= 0 {
		t.Fatalf("synthetic token must carry an effectively unlimited balance")
	}
	if !result.AllowsModel("any-model") || !result.AllowsApplication("any-app") {
		t.Fatalf("synthetic token must not restrict models or applications")
	}
}
