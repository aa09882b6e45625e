package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as ::TEXT. Update* methods lock the row with SELECT ... FOR
// UPDATE and commit the mutation and its ledger rows in one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapErr translates driver errors into store sentinels.
func mapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Wallets ---

const walletCols = `user_id, balance::TEXT, pending_balance::TEXT,
	total_deposited::TEXT, total_withdrawn::TEXT, total_bet::TEXT, total_won::TEXT,
	is_active, is_verified, verification_level,
	daily_limit::TEXT, monthly_limit::TEXT, created_at, last_activity`

func scanWallet(row scanner) (*model.Wallet, error) {
	var w model.Wallet
	var bal, pend, dep, wd, bet, won, daily, monthly string
	if err := row.Scan(&w.UserID, &bal, &pend, &dep, &wd, &bet, &won,
		&w.IsActive, &w.IsVerified, &w.VerificationLevel,
		&daily, &monthly, &w.CreatedAt, &w.LastActivity); err != nil {
		return nil, err
	}
	w.Balance = num(bal)
	w.PendingBalance = num(pend)
	w.TotalDeposited = num(dep)
	w.TotalWithdrawn = num(wd)
	w.TotalBet = num(bet)
	w.TotalWon = num(won)
	w.DailyLimit = num(daily)
	w.MonthlyLimit = num(monthly)
	return &w, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return nil, mapErr("get wallet "+userID, err)
	}
	return w, nil
}

func (s *PostgresStore) EnsureWallet(ctx context.Context, w *model.Wallet) (*model.Wallet, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, pending_balance, total_deposited, total_withdrawn,
		                      total_bet, total_won, is_active, is_verified, verification_level,
		                      daily_limit, monthly_limit, created_at, last_activity)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8, $9, $10, $11::NUMERIC, $12::NUMERIC, $13, $14)
		 ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.Balance.String(), w.PendingBalance.String(),
		w.TotalDeposited.String(), w.TotalWithdrawn.String(),
		w.TotalBet.String(), w.TotalWon.String(),
		w.IsActive, w.IsVerified, w.VerificationLevel,
		w.DailyLimit.String(), w.MonthlyLimit.String(),
		w.CreatedAt, w.LastActivity,
	)
	if err != nil {
		return nil, mapErr("ensure wallet "+w.UserID, err)
	}
	return s.GetWallet(ctx, w.UserID)
}

func updateWalletRow(ctx context.Context, q querier, w *model.Wallet) error {
	_, err := q.Exec(ctx,
		`UPDATE wallets
		 SET balance = $2::NUMERIC, pending_balance = $3::NUMERIC,
		     total_deposited = $4::NUMERIC, total_withdrawn = $5::NUMERIC,
		     total_bet = $6::NUMERIC, total_won = $7::NUMERIC,
		     is_active = $8, is_verified = $9, verification_level = $10,
		     daily_limit = $11::NUMERIC, monthly_limit = $12::NUMERIC,
		     last_activity = $13
		 WHERE user_id = $1`,
		w.UserID, w.Balance.String(), w.PendingBalance.String(),
		w.TotalDeposited.String(), w.TotalWithdrawn.String(),
		w.TotalBet.String(), w.TotalWon.String(),
		w.IsActive, w.IsVerified, w.VerificationLevel,
		w.DailyLimit.String(), w.MonthlyLimit.String(),
		w.LastActivity,
	)
	return err
}

func (s *PostgresStore) UpdateWallet(ctx context.Context, userID string, fn WalletMutation) (*model.Wallet, error) {
	return s.updateWallet(ctx, userID, func(_ pgx.Tx, w *model.Wallet) ([]model.Transaction, error) {
		return fn(w)
	})
}

func (s *PostgresStore) UpdateWalletStaked(ctx context.Context, userID string, windows StakeWindows, fn StakeMutation) (*model.Wallet, error) {
	return s.updateWallet(ctx, userID, func(tx pgx.Tx, w *model.Wallet) ([]model.Transaction, error) {
		// Every stake row is written under this wallet's lock, so the sums
		// cannot move until we commit.
		var daily, monthly string
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(stake) FILTER (WHERE created_at >= $2), 0)::TEXT,
			        COALESCE(SUM(stake) FILTER (WHERE created_at >= $3), 0)::TEXT
			 FROM transactions
			 WHERE user_id = $1 AND status = $4 AND stake <> 0`,
			userID, windows.Daily, windows.Monthly, model.TxStatusCompleted).Scan(&daily, &monthly)
		if err != nil {
			return nil, fmt.Errorf("sum staked %s: %w", userID, err)
		}
		return fn(w, StakeTotals{Daily: num(daily), Monthly: num(monthly)})
	})
}

func (s *PostgresStore) updateWallet(ctx context.Context, userID string, fn func(tx pgx.Tx, w *model.Wallet) ([]model.Transaction, error)) (*model.Wallet, error) {
	var out *model.Wallet
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		w, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
		if err != nil {
			return mapErr("lock wallet "+userID, err)
		}
		txs, err := fn(tx, w)
		if err != nil {
			return err
		}
		for i := range txs {
			if err := insertTransaction(ctx, tx, &txs[i]); err != nil {
				return err
			}
		}
		if err := updateWalletRow(ctx, tx, w); err != nil {
			return mapErr("update wallet "+userID, err)
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Transaction log ---

const txCols = `id, user_id, type, amount::TEXT, pending_delta::TEXT, stake::TEXT,
	bet_id, payout_id, escrow_id, external_id, payment_method, status,
	COALESCE(idempotency_key, ''), description, created_at`

func scanTransaction(row scanner) (*model.Transaction, error) {
	var t model.Transaction
	var amount, pending, stake string
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &amount, &pending, &stake,
		&t.BetID, &t.PayoutID, &t.EscrowID, &t.ExternalID, &t.PaymentMethod, &t.Status,
		&t.IdempotencyKey, &t.Description, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Amount = num(amount)
	t.PendingDelta = num(pending)
	t.Stake = num(stake)
	return &t, nil
}

func insertTransaction(ctx context.Context, q querier, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, pending_delta, stake, bet_id, payout_id,
		                           escrow_id, external_id, payment_method, status,
		                           idempotency_key, description, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12,
		         NULLIF($13, ''), $14, $15)`,
		t.ID, t.UserID, t.Type, t.Amount.String(), t.PendingDelta.String(), t.Stake.String(),
		t.BetID, t.PayoutID, t.EscrowID, t.ExternalID, t.PaymentMethod, t.Status,
		t.IdempotencyKey, t.Description, t.CreatedAt,
	)
	return mapErr("insert transaction "+t.IdempotencyKey, err)
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	return insertTransaction(ctx, s.pool, t)
}

func (s *PostgresStore) CompletePendingTransaction(ctx context.Context, txID string, fn func(w *model.Wallet, t *model.Transaction) error) (*model.Wallet, error) {
	var out *model.Wallet
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+txCols+` FROM transactions WHERE id = $1 FOR UPDATE`, txID))
		if err != nil {
			return mapErr("lock transaction "+txID, err)
		}
		w, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id = $1 FOR UPDATE`, t.UserID))
		if err != nil {
			return mapErr("lock wallet "+t.UserID, err)
		}
		if err := fn(w, t); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE transactions
			 SET status = $2, amount = $3::NUMERIC, pending_delta = $4::NUMERIC, description = $5
			 WHERE id = $1`,
			t.ID, t.Status, t.Amount.String(), t.PendingDelta.String(), t.Description,
		); err != nil {
			return mapErr("complete transaction "+txID, err)
		}
		if err := updateWalletRow(ctx, tx, w); err != nil {
			return mapErr("update wallet "+w.UserID, err)
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+txCols+` FROM transactions WHERE external_id = $1 ORDER BY created_at LIMIT 1`, externalID))
	if err != nil {
		return nil, mapErr("get transaction external "+externalID, err)
	}
	return t, nil
}

func (s *PostgresStore) HasTransaction(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE idempotency_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has transaction %s: %w", key, err)
	}
	return exists, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txCols+` FROM transactions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SumStaked(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(stake), 0)::TEXT
		 FROM transactions
		 WHERE user_id = $1 AND status = $2 AND created_at >= $3 AND stake <> 0`,
		userID, model.TxStatusCompleted, since).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum staked %s: %w", userID, err)
	}
	return num(sum), nil
}

// --- Pools ---

const poolCols = `dispute_id, total_pool::TEXT, party_a_amount::TEXT, party_b_amount::TEXT,
	party_a_odds::TEXT, party_b_odds::TEXT, platform_fee_percentage::TEXT,
	platform_fee_collected::TEXT, is_active, winning_side, closed_at, created_at`

func scanPool(row scanner) (*model.BettingPool, error) {
	var p model.BettingPool
	var total, a, b, oddsA, oddsB, fee, collected string
	if err := row.Scan(&p.DisputeID, &total, &a, &b, &oddsA, &oddsB, &fee, &collected,
		&p.IsActive, &p.WinningSide, &p.ClosedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.TotalPoolAmount = num(total)
	p.PartyAAmount = num(a)
	p.PartyBAmount = num(b)
	p.PartyAOdds = num(oddsA)
	p.PartyBOdds = num(oddsB)
	p.PlatformFeePercentage = num(fee)
	p.PlatformFeeCollected = num(collected)
	return &p, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, disputeID string) (*model.BettingPool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx, `SELECT `+poolCols+` FROM betting_pools WHERE dispute_id = $1`, disputeID))
	if err != nil {
		return nil, mapErr("get pool "+disputeID, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePool(ctx context.Context, disputeID string, init func() *model.BettingPool, fn func(p *model.BettingPool) error) (*model.BettingPool, error) {
	var out *model.BettingPool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if init != nil {
			seed := init()
			if _, err := tx.Exec(ctx,
				`INSERT INTO betting_pools (dispute_id, total_pool, party_a_amount, party_b_amount,
				                            party_a_odds, party_b_odds, platform_fee_percentage,
				                            platform_fee_collected, is_active, created_at)
				 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
				         $7::NUMERIC, $8::NUMERIC, $9, $10)
				 ON CONFLICT (dispute_id) DO NOTHING`,
				disputeID, seed.TotalPoolAmount.String(), seed.PartyAAmount.String(), seed.PartyBAmount.String(),
				seed.PartyAOdds.String(), seed.PartyBOdds.String(), seed.PlatformFeePercentage.String(),
				seed.PlatformFeeCollected.String(), seed.IsActive, seed.CreatedAt,
			); err != nil {
				return mapErr("seed pool "+disputeID, err)
			}
		}

		p, err := scanPool(tx.QueryRow(ctx, `SELECT `+poolCols+` FROM betting_pools WHERE dispute_id = $1 FOR UPDATE`, disputeID))
		if err != nil {
			return mapErr("lock pool "+disputeID, err)
		}
		if err := fn(p); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE betting_pools
			 SET total_pool = $2::NUMERIC, party_a_amount = $3::NUMERIC, party_b_amount = $4::NUMERIC,
			     party_a_odds = $5::NUMERIC, party_b_odds = $6::NUMERIC,
			     platform_fee_percentage = $7::NUMERIC, platform_fee_collected = $8::NUMERIC,
			     is_active = $9, winning_side = $10, closed_at = $11
			 WHERE dispute_id = $1`,
			p.DisputeID, p.TotalPoolAmount.String(), p.PartyAAmount.String(), p.PartyBAmount.String(),
			p.PartyAOdds.String(), p.PartyBOdds.String(),
			p.PlatformFeePercentage.String(), p.PlatformFeeCollected.String(),
			p.IsActive, p.WinningSide, p.ClosedAt,
		); err != nil {
			return mapErr("update pool "+disputeID, err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Bets ---

const betCols = `id, user_id, dispute_id, amount::TEXT, predicted_winner, odds::TEXT,
	potential_payout::TEXT, status, payment_method, escrow_id, escrow_provider,
	payment_url, cancel_reason, placed_at, settled_at`

func scanBet(row scanner) (*model.Bet, error) {
	var b model.Bet
	var amount, odds, payout string
	if err := row.Scan(&b.ID, &b.UserID, &b.DisputeID, &amount, &b.PredictedWinner, &odds,
		&payout, &b.Status, &b.PaymentMethod, &b.EscrowID, &b.EscrowProvider,
		&b.PaymentURL, &b.CancelReason, &b.PlacedAt, &b.SettledAt); err != nil {
		return nil, err
	}
	b.Amount = num(amount)
	b.Odds = num(odds)
	b.PotentialPayout = num(payout)
	return &b, nil
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	defer rows.Close()
	var result []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateBet(ctx context.Context, b *model.Bet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bets (id, user_id, dispute_id, amount, predicted_winner, odds, potential_payout,
		                   status, payment_method, escrow_id, escrow_provider, payment_url,
		                   cancel_reason, placed_at, settled_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.ID, b.UserID, b.DisputeID, b.Amount.String(), b.PredictedWinner, b.Odds.String(),
		b.PotentialPayout.String(), b.Status, b.PaymentMethod, b.EscrowID, b.EscrowProvider,
		b.PaymentURL, b.CancelReason, b.PlacedAt, b.SettledAt,
	)
	return mapErr("create bet "+b.ID, err)
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx, `SELECT `+betCols+` FROM bets WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get bet "+id, err)
	}
	return b, nil
}

func (s *PostgresStore) UpdateBet(ctx context.Context, id string, fn func(b *model.Bet) error) (*model.Bet, error) {
	var out *model.Bet
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		b, err := scanBet(tx.QueryRow(ctx, `SELECT `+betCols+` FROM bets WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr("lock bet "+id, err)
		}
		if err := fn(b); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE bets
			 SET status = $2, escrow_id = $3, escrow_provider = $4, payment_url = $5,
			     cancel_reason = $6, settled_at = $7
			 WHERE id = $1`,
			b.ID, b.Status, b.EscrowID, b.EscrowProvider, b.PaymentURL, b.CancelReason, b.SettledAt,
		); err != nil {
			return mapErr("update bet "+id, err)
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListBetsByDispute(ctx context.Context, disputeID string, statuses ...model.BetStatus) ([]model.Bet, error) {
	filter := make([]string, len(statuses))
	for i, st := range statuses {
		filter[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+betCols+` FROM bets
		 WHERE dispute_id = $1 AND (cardinality($2::TEXT[]) = 0 OR status = ANY($2))
		 ORDER BY placed_at, id`, disputeID, filter)
	if err != nil {
		return nil, err
	}
	return scanBets(rows)
}

func (s *PostgresStore) ListBetsByUser(ctx context.Context, userID string, status model.BetStatus) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betCols+` FROM bets
		 WHERE user_id = $1 AND ($2::TEXT = '' OR status = $2::TEXT)
		 ORDER BY placed_at DESC`, userID, string(status))
	if err != nil {
		return nil, err
	}
	return scanBets(rows)
}

// --- Escrow ---

const escrowCols = `id, dispute_id, bet_id, provider, provider_tx_id, total_amount::TEXT,
	funded_amount::TEXT, currency, status, payer_user_id, recipient_user_id,
	created_at, funded_at, released_at`

func scanEscrow(row scanner) (*model.EscrowAccount, error) {
	var e model.EscrowAccount
	var total, funded string
	if err := row.Scan(&e.ID, &e.DisputeID, &e.BetID, &e.Provider, &e.ProviderTxID, &total,
		&funded, &e.Currency, &e.Status, &e.PayerUserID, &e.RecipientUserID,
		&e.CreatedAt, &e.FundedAt, &e.ReleasedAt); err != nil {
		return nil, err
	}
	e.TotalAmount = num(total)
	e.FundedAmount = num(funded)
	return &e, nil
}

func (s *PostgresStore) CreateEscrow(ctx context.Context, e *model.EscrowAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escrow_accounts (id, dispute_id, bet_id, provider, provider_tx_id, total_amount,
		                              funded_amount, currency, status, payer_user_id,
		                              recipient_user_id, created_at, funded_at, released_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.DisputeID, e.BetID, e.Provider, e.ProviderTxID, e.TotalAmount.String(),
		e.FundedAmount.String(), e.Currency, e.Status, e.PayerUserID,
		e.RecipientUserID, e.CreatedAt, e.FundedAt, e.ReleasedAt,
	)
	return mapErr("create escrow "+e.ID, err)
}

func (s *PostgresStore) GetEscrow(ctx context.Context, id string) (*model.EscrowAccount, error) {
	e, err := scanEscrow(s.pool.QueryRow(ctx, `SELECT `+escrowCols+` FROM escrow_accounts WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get escrow "+id, err)
	}
	return e, nil
}

func (s *PostgresStore) GetEscrowByProviderTx(ctx context.Context, provider, providerTxID string) (*model.EscrowAccount, error) {
	e, err := scanEscrow(s.pool.QueryRow(ctx,
		`SELECT `+escrowCols+` FROM escrow_accounts WHERE provider = $1 AND provider_tx_id = $2`,
		provider, providerTxID))
	if err != nil {
		return nil, mapErr("get escrow "+provider+"/"+providerTxID, err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEscrow(ctx context.Context, id string, fn func(e *model.EscrowAccount) error) (*model.EscrowAccount, error) {
	var out *model.EscrowAccount
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		e, err := scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowCols+` FROM escrow_accounts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr("lock escrow "+id, err)
		}
		if err := fn(e); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE escrow_accounts
			 SET provider_tx_id = $2, funded_amount = $3::NUMERIC, status = $4,
			     recipient_user_id = $5, funded_at = $6, released_at = $7, bet_id = $8
			 WHERE id = $1`,
			e.ID, e.ProviderTxID, e.FundedAmount.String(), e.Status,
			e.RecipientUserID, e.FundedAt, e.ReleasedAt, e.BetID,
		); err != nil {
			return mapErr("update escrow "+id, err)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListEscrowsByStatus(ctx context.Context, status model.EscrowStatus, createdBefore time.Time) ([]model.EscrowAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+escrowCols+` FROM escrow_accounts
		 WHERE status = $1 AND created_at < $2 ORDER BY created_at`, status, createdBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.EscrowAccount
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// --- Payouts ---

const payoutCols = `id, bet_id, user_id, dispute_id, amount::TEXT, payment_method, status,
	retry_count, error_message, needs_manual_review, created_at, processed_at, completed_at`

func scanPayout(row scanner) (*model.Payout, error) {
	var p model.Payout
	var amount string
	if err := row.Scan(&p.ID, &p.BetID, &p.UserID, &p.DisputeID, &amount, &p.PaymentMethod, &p.Status,
		&p.RetryCount, &p.ErrorMessage, &p.NeedsManualReview, &p.CreatedAt, &p.ProcessedAt, &p.CompletedAt); err != nil {
		return nil, err
	}
	p.Amount = num(amount)
	return &p, nil
}

func (s *PostgresStore) CreatePayout(ctx context.Context, p *model.Payout) (*model.Payout, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO payouts (id, bet_id, user_id, dispute_id, amount, payment_method, status,
		                      retry_count, error_message, needs_manual_review, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (bet_id) DO NOTHING`,
		p.ID, p.BetID, p.UserID, p.DisputeID, p.Amount.String(), p.PaymentMethod, p.Status,
		p.RetryCount, p.ErrorMessage, p.NeedsManualReview, p.CreatedAt,
	)
	if err != nil {
		return nil, false, mapErr("create payout for bet "+p.BetID, err)
	}
	stored, err := scanPayout(s.pool.QueryRow(ctx, `SELECT `+payoutCols+` FROM payouts WHERE bet_id = $1`, p.BetID))
	if err != nil {
		return nil, false, mapErr("get payout for bet "+p.BetID, err)
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	p, err := scanPayout(s.pool.QueryRow(ctx, `SELECT `+payoutCols+` FROM payouts WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get payout "+id, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePayout(ctx context.Context, id string, fn func(p *model.Payout) error) (*model.Payout, error) {
	var out *model.Payout
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutCols+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr("lock payout "+id, err)
		}
		if err := fn(p); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE payouts
			 SET status = $2, retry_count = $3, error_message = $4, needs_manual_review = $5,
			     processed_at = $6, completed_at = $7
			 WHERE id = $1`,
			p.ID, p.Status, p.RetryCount, p.ErrorMessage, p.NeedsManualReview, p.ProcessedAt, p.CompletedAt,
		); err != nil {
			return mapErr("update payout "+id, err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListPayoutsByStatus(ctx context.Context, statuses ...model.PayoutStatus) ([]model.Payout, error) {
	filter := make([]string, len(statuses))
	for i, st := range statuses {
		filter[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutCols+` FROM payouts WHERE status = ANY($1) ORDER BY created_at`, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// --- Settlement reports ---

const reportCols = `dispute_id, winning_side, settled_bets, winners, losers, cancelled,
	total_staked::TEXT, total_payout::TEXT, platform_fee::TEXT, payout_ids,
	pending_payouts, settled_at`

func scanReport(row scanner) (*model.SettlementReport, error) {
	var r model.SettlementReport
	var staked, payout, fee string
	if err := row.Scan(&r.DisputeID, &r.WinningSide, &r.SettledBets, &r.Winners, &r.Losers, &r.Cancelled,
		&staked, &payout, &fee, &r.PayoutIDs, &r.PendingPayouts, &r.SettledAt); err != nil {
		return nil, err
	}
	r.TotalStaked = num(staked)
	r.TotalPayout = num(payout)
	r.PlatformFee = num(fee)
	return &r, nil
}

func (s *PostgresStore) GetSettlementReport(ctx context.Context, disputeID string) (*model.SettlementReport, error) {
	r, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportCols+` FROM settlement_reports WHERE dispute_id = $1`, disputeID))
	if err != nil {
		return nil, mapErr("get settlement report "+disputeID, err)
	}
	return r, nil
}

func (s *PostgresStore) SaveSettlementReport(ctx context.Context, r *model.SettlementReport) (*model.SettlementReport, error) {
	payoutIDs := r.PayoutIDs
	if payoutIDs == nil {
		payoutIDs = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlement_reports (dispute_id, winning_side, settled_bets, winners, losers, cancelled,
		                                 total_staked, total_payout, platform_fee, payout_ids,
		                                 pending_payouts, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)
		 ON CONFLICT (dispute_id) DO NOTHING`,
		r.DisputeID, r.WinningSide, r.SettledBets, r.Winners, r.Losers, r.Cancelled,
		r.TotalStaked.String(), r.TotalPayout.String(), r.PlatformFee.String(), payoutIDs,
		r.PendingPayouts, r.SettledAt,
	)
	if err != nil {
		return nil, mapErr("save settlement report "+r.DisputeID, err)
	}
	return s.GetSettlementReport(ctx, r.DisputeID)
}

// --- Disputes ---

func (s *PostgresStore) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	var d model.Dispute
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, status, party_a_user_id, party_b_user_id, updated_at
		 FROM disputes WHERE id = $1`, id).
		Scan(&d.ID, &d.Title, &d.Status, &d.PartyAUserID, &d.PartyBUserID, &d.UpdatedAt)
	if err != nil {
		return nil, mapErr("get dispute "+id, err)
	}
	return &d, nil
}

func (s *PostgresStore) UpsertDispute(ctx context.Context, d *model.Dispute) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO disputes (id, title, status, party_a_user_id, party_b_user_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET title = EXCLUDED.title, status = EXCLUDED.status,
		     party_a_user_id = EXCLUDED.party_a_user_id, party_b_user_id = EXCLUDED.party_b_user_id,
		     updated_at = EXCLUDED.updated_at`,
		d.ID, d.Title, d.Status, d.PartyAUserID, d.PartyBUserID, d.UpdatedAt,
	)
	return mapErr("upsert dispute "+d.ID, err)
}

// --- Provider event inbox ---

func (s *PostgresStore) AppendProviderEvent(ctx context.Context, e *model.ProviderEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_events (id, provider, event_id, provider_tx_id, event_type, status,
		                              payload, received_at, attempts, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, '')`,
		e.ID, e.Provider, e.EventID, e.ProviderTxID, e.EventType, e.Status, e.Payload, e.ReceivedAt,
	)
	return mapErr("append provider event "+e.Provider+"/"+e.EventID, err)
}

func (s *PostgresStore) ListUnprocessedEvents(ctx context.Context, limit int) ([]model.ProviderEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, provider, event_id, provider_tx_id, event_type, status, payload,
		        received_at, processed_at, attempts, last_error
		 FROM provider_events
		 WHERE processed_at IS NULL AND attempts < $1
		 ORDER BY received_at
		 LIMIT $2`, MaxEventAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ProviderEvent
	for rows.Next() {
		var e model.ProviderEvent
		if err := rows.Scan(&e.ID, &e.Provider, &e.EventID, &e.ProviderTxID, &e.EventType, &e.Status,
			&e.Payload, &e.ReceivedAt, &e.ProcessedAt, &e.Attempts, &e.LastError); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, id string, procErr error) error {
	var tag pgconn.CommandTag
	var err error
	if procErr != nil {
		tag, err = s.pool.Exec(ctx,
			`UPDATE provider_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
			id, procErr.Error())
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE provider_events SET attempts = attempts + 1, last_error = '', processed_at = NOW() WHERE id = $1`,
			id)
	}
	if err != nil {
		return fmt.Errorf("mark event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("provider event %s: %w", id, ErrNotFound)
	}
	return nil
}
