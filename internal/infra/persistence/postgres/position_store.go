package postgres

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/ledger"
)

// PositionStore keeps the latest snapshot of every ledger position.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore constructs a PositionStore backed by pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const (
	positionUpsertSQL = `
INSERT INTO positions (
    strategy_id,
    exchange,
    symbol,
    side,
    signed_amount,
    entry_price,
    unrealized_pnl,
    realized_pnl,
    open_fills,
    updated_at
)
VALUES (
    @strategy_id,
    @exchange,
    @symbol,
    @side,
    @signed_amount,
    @entry_price,
    @unrealized_pnl,
    @realized_pnl,
    @open_fills::jsonb,
    NOW()
)
ON CONFLICT (strategy_id, exchange, symbol) DO UPDATE SET
    side = EXCLUDED.side,
    signed_amount = EXCLUDED.signed_amount,
    entry_price = EXCLUDED.entry_price,
    unrealized_pnl = EXCLUDED.unrealized_pnl,
    realized_pnl = EXCLUDED.realized_pnl,
    open_fills = EXCLUDED.open_fills,
    updated_at = NOW();
`

	positionSelectSQL = `
SELECT
    strategy_id,
    exchange,
    symbol,
    side,
    signed_amount::text,
    entry_price,
    unrealized_pnl,
    realized_pnl,
    open_fills
FROM positions
WHERE strategy_id = @strategy_id
ORDER BY exchange, symbol;
`
)

// SavePosition upserts p. It implements ledger.Store.
func (s *PositionStore) SavePosition(ctx context.Context, p ledger.Position) error {
	if s == nil || s.pool == nil {
		return ErrNoPool
	}
	amount, err := numericFromDecimal(p.SignedAmount)
	if err != nil {
		return err
	}
	fills := make(map[string]string, len(p.LastOrderFilled))
	for id, filled := range p.LastOrderFilled {
		fills[id] = filled.String()
	}
	openFills, err := json.Marshal(fills)
	if err != nil {
		return fmt.Errorf("marshal open fills: %w", err)
	}
	var side *string
	if p.Side != nil {
		v := string(*p.Side)
		side = &v
	}
	args := pgx.NamedArgs{
		"strategy_id":    p.StrategyID,
		"exchange":       p.Exchange,
		"symbol":         p.Symbol,
		"side":           side,
		"signed_amount":  amount,
		"entry_price":    p.EntryPrice,
		"unrealized_pnl": p.UnrealizedPnL,
		"realized_pnl":   p.RealizedPnL,
		"open_fills":     string(openFills),
	}
	if _, err := s.pool.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.Exchange, p.Symbol, err)
	}
	return nil
}

// LoadPositions returns every stored position of strategyID.
func (s *PositionStore) LoadPositions(ctx context.Context, strategyID string) ([]ledger.Position, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNoPool
	}
	strategyID = strings.TrimSpace(strategyID)
	if strategyID == "" {
		return nil, fmt.Errorf("strategy id required")
	}
	rows, err := s.pool.Query(ctx, positionSelectSQL, pgx.NamedArgs{"strategy_id": strategyID})
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Position
	for rows.Next() {
		var (
			p         ledger.Position
			side      *string
			amount    string
			openFills []byte
		)
		if err := rows.Scan(&p.StrategyID, &p.Exchange, &p.Symbol, &side, &amount,
			&p.EntryPrice, &p.UnrealizedPnL, &p.RealizedPnL, &openFills); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if side != nil {
			ps := schema.PositionSide(*side)
			p.Side = &ps
		}
		if p.SignedAmount, err = decimalFromText(amount); err != nil {
			return nil, err
		}
		if p.LastOrderFilled, err = decodeOpenFills(openFills); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return out, nil
}

func decodeOpenFills(raw []byte) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fills map[string]string
	if err := json.Unmarshal(raw, &fills); err != nil {
		return nil, fmt.Errorf("decode open fills: %w", err)
	}
	if len(fills) == 0 {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(fills))
	for id, v := range fills {
		d, err := decimalFromText(v)
		if err != nil {
			return nil, err
		}
		out[id] = d
	}
	return out, nil
}
