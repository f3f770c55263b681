package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/store"
)

const paymentColumns = `nonce, payer_address, merchant_address, token_address, network,
	total_amount, merchant_amount, fee_amount, status,
	incoming_tx_hash, outgoing_tx_hash, created_at, updated_at`

// PaymentRepo is the durable payment ledger. Every mutating operation runs
// inside a transaction holding pg_advisory_xact_lock on a key derived from
// the nonce, so insert-check-insert and later status updates are serialized
// per nonce across all facilitator instances sharing the database.
type PaymentRepo struct {
	db *DB
}

func NewPaymentRepo(db *DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

// lockKey derives the advisory lock key from the nonce: the first 8 bytes
// of its SHA-256 as a signed 64-bit integer.
func lockKey(nonce string) int64 {
	sum := sha256.Sum256([]byte(nonce))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func (r *PaymentRepo) InsertIfAbsent(ctx context.Context, p *model.Payment) (store.InsertOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey(p.Nonce)); err != nil {
		return 0, fmt.Errorf("acquire nonce lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM payments WHERE nonce = $1)", p.Nonce,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check nonce: %w", err)
	}
	if exists {
		return store.InsertExists, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payments (nonce, payer_address, merchant_address, token_address, network,
			total_amount, merchant_amount, fee_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.Nonce, p.PayerAddress, p.MerchantAddress, p.TokenAddress, p.Network,
		p.TotalAmount.String(), p.MerchantAmount.String(), p.FeeAmount.String(), p.Status,
	); err != nil {
		return 0, fmt.Errorf("insert payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return store.InsertCreated, nil
}

func (r *PaymentRepo) Transition(ctx context.Context, nonce string, next model.PaymentStatus, update store.TransitionUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey(nonce)); err != nil {
		return fmt.Errorf("acquire nonce lock: %w", err)
	}

	var current model.PaymentStatus
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM payments WHERE nonce = $1 FOR UPDATE", nonce,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrPaymentNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, current, next)
	}

	// COALESCE keeps already populated hash columns untouched: hashes are
	// recorded exactly once and never overwritten.
	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $2,
			incoming_tx_hash = COALESCE(incoming_tx_hash, $3),
			outgoing_tx_hash = COALESCE(outgoing_tx_hash, $4),
			updated_at = now()
		WHERE nonce = $1
	`, nonce, next, update.IncomingTxHash, update.OutgoingTxHash); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (r *PaymentRepo) Get(ctx context.Context, nonce string) (*model.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE nonce = $1", nonce)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (r *PaymentRepo) ListIncomplete(ctx context.Context) ([]model.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status IN ($1, $2)
		ORDER BY created_at
	`, model.StatusIncomingComplete, model.StatusOutgoingSubmitted)
	if err != nil {
		return nil, fmt.Errorf("list incomplete: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PaymentRepo) AppendEvent(ctx context.Context, nonce, eventType string, data map[string]string) error {
	if data == nil {
		data = map[string]string{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_events (nonce, event_type, event_data)
		VALUES ($1, $2, $3)
	`, nonce, eventType, payload); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (r *PaymentRepo) ListEvents(ctx context.Context, nonce string) ([]model.PaymentEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, nonce, event_type, event_data, created_at
		FROM payment_events
		WHERE nonce = $1
		ORDER BY id
	`, nonce)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.PaymentEvent
	for rows.Next() {
		var e model.PaymentEvent
		if err := rows.Scan(&e.ID, &e.Nonce, &e.EventType, &e.EventData, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*model.Payment, error) {
	var (
		p                    model.Payment
		total, merchant, fee string
	)
	if err := row.Scan(
		&p.Nonce, &p.PayerAddress, &p.MerchantAddress, &p.TokenAddress, &p.Network,
		&total, &merchant, &fee, &p.Status,
		&p.IncomingTxHash, &p.OutgoingTxHash, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var ok bool
	if p.TotalAmount, ok = new(big.Int).SetString(total, 10); !ok {
		return nil, fmt.Errorf("parse total_amount %q", total)
	}
	if p.MerchantAmount, ok = new(big.Int).SetString(merchant, 10); !ok {
		return nil, fmt.Errorf("parse merchant_amount %q", merchant)
	}
	if p.FeeAmount, ok = new(big.Int).SetString(fee, 10); !ok {
		return nil, fmt.Errorf("parse fee_amount %q", fee)
	}
	return &p, nil
}
