package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jokbolink/jokbod/pkg/kv"
)

// consumeScript atomically checks the ledger balance and decrements it.
// A missing key reads as zero. Returns -1 when the balance cannot cover the
// amount, otherwise the new balance.
const consumeScript = `
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
  return -1
end
return redis.call('DECRBY', KEYS[1], amount)
`

// ConsumeUserTokens atomically debits amount from the user's ledger. The
// ledger never goes negative: concurrent calls exceeding the balance succeed
// only for a prefix that fits.
func (s *Service) ConsumeUserTokens(ctx context.Context, user string, amount int64) (int64, error) {
	if amount <= 0 {
		return s.GetUserTokens(ctx, user)
	}
	res, err := s.kv.Eval(ctx, consumeScript, []string{userTokensKey(user)}, amount)
	if err != nil {
		return 0, fmt.Errorf("%w: consume tokens: %v", ErrUnavailable, err)
	}
	balance, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result %T", res)
	}
	if balance < 0 {
		return 0, ErrInsufficientTokens
	}
	return balance, nil
}

// AddUserTokens credits the user's ledger and returns the new balance.
func (s *Service) AddUserTokens(ctx context.Context, user string, amount int64) (int64, error) {
	res, err := s.kv.Eval(ctx,
		`return redis.call('INCRBY', KEYS[1], ARGV[1])`,
		[]string{userTokensKey(user)}, amount)
	if err != nil {
		return 0, err
	}
	balance, _ := res.(int64)
	return balance, nil
}

// SetUserTokens overwrites the user's balance.
func (s *Service) SetUserTokens(ctx context.Context, user string, amount int64) error {
	return s.kv.Set(ctx, userTokensKey(user), amount, 0)
}

// GetUserTokens returns the user's current balance; a missing ledger is zero.
func (s *Service) GetUserTokens(ctx context.Context, user string) (int64, error) {
	val, err := s.kv.Get(ctx, userTokensKey(user))
	if errors.Is(err, kv.ErrNotFound) || (err == nil && val == "") {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseInt64(val), nil
}

// SetJobTokenBudget caps the tokens the job may spend. Zero removes the cap.
func (s *Service) SetJobTokenBudget(ctx context.Context, job string, budget int64) error {
	return s.kv.HSet(ctx, progressKey(job), "job_token_budget", budget)
}

// consumeForJobScript checks the job budget and the user ledger and, only
// when both cover the amount, records the spend on both in one atomic step.
// Returns -2 when the job budget is exhausted, -1 when the user ledger is,
// otherwise the user's new balance.
const consumeForJobScript = `
local amount = tonumber(ARGV[1])
local budget = tonumber(redis.call('HGET', KEYS[1], 'job_token_budget') or '0')
local spent = tonumber(redis.call('HGET', KEYS[1], 'job_tokens_spent') or '0')
if budget > 0 and spent + amount > budget then
  return -2
end
local balance = tonumber(redis.call('GET', KEYS[2]) or '0')
if balance < amount then
  return -1
end
redis.call('HINCRBY', KEYS[1], 'job_tokens_spent', amount)
return redis.call('DECRBY', KEYS[2], amount)
`

// ConsumeTokensForJob debits one unit of work from both the job budget and
// the owning user's ledger. The check and both debits run in one script, so
// concurrent chunk settles never spend past either limit. On insufficiency
// it requests cancellation of the job and returns ErrInsufficientTokens, so
// the caller stops without further charges.
func (s *Service) ConsumeTokensForJob(ctx context.Context, job, user string, amount int64) error {
	if amount <= 0 {
		return nil
	}

	res, err := s.kv.Eval(ctx, consumeForJobScript,
		[]string{progressKey(job), userTokensKey(user)}, amount)
	if err != nil {
		return fmt.Errorf("%w: consume job tokens: %v", ErrUnavailable, err)
	}
	result, ok := res.(int64)
	if !ok {
		return fmt.Errorf("unexpected script result %T", res)
	}

	switch result {
	case -2:
		slog.Warn("Job token budget exhausted", "job_id", job)
		_ = s.RequestCancel(ctx, job)
		return ErrInsufficientTokens
	case -1:
		slog.Warn("User token balance exhausted, cancelling job",
			"job_id", job, "user_id", user)
		_ = s.RequestCancel(ctx, job)
		return ErrInsufficientTokens
	default:
		return nil
	}
}
