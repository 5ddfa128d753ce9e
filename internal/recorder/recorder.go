// Package recorder 成交流水记账：每笔被接受的成交和每笔找不到
// 所属订单的成交（recreated）都落到 sqlite，供下游对账与审计。
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/goconnect/internal/domain"
)

var recorderLog = logrus.WithField("component", "fill_recorder")

// SQLiteRecorder 实现 ports.FillRecorder
//
// trade_id 是主键：同一成交从轮询与推送各到一次时只落一行
// （INSERT OR IGNORE），与内存账本的去重口径一致。
type SQLiteRecorder struct {
	db *sql.DB
}

// Open 打开（必要时创建）流水库
func Open(dbPath string) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建流水库目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开流水库失败: %w", err)
	}
	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	recorderLog.Infof("🧾 成交流水库已打开: %s", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS fills (
  trade_id TEXT PRIMARY KEY,
  client_order_id TEXT NOT NULL,
  exchange_order_id TEXT,
  trading_pair TEXT NOT NULL,
  amount TEXT NOT NULL,
  price TEXT NOT NULL,
  quote_amount TEXT NOT NULL,
  fee TEXT NOT NULL,
  recreated INTEGER NOT NULL DEFAULT 0, -- 1 = 找不到所属订单、按旁路重建的成交
  fill_ts TEXT NOT NULL,
  recorded_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_client_order ON fills(client_order_id, fill_ts);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_pair_ts ON fills(trading_pair, fill_ts DESC);`,
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) insert(ctx context.Context, u domain.TradeUpdate, recreated bool) error {
	flag := 0
	if recreated {
		flag = 1
	}
	// 金额按十进制字符串存储，避免 REAL 的精度损失
	_, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO fills
  (trade_id,client_order_id,exchange_order_id,trading_pair,amount,price,quote_amount,fee,recreated,fill_ts,recorded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, u.TradeID, u.ClientOrderID, u.ExchangeOrderID, u.TradingPair,
		u.FillAmount.String(), u.FillPrice.String(), u.FillQuoteAmount.String(), u.Fee.String(),
		flag, u.Timestamp.Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// RecordFill 记录一笔已被订单账本接受的成交
func (r *SQLiteRecorder) RecordFill(ctx context.Context, u domain.TradeUpdate) error {
	return r.insert(ctx, u, false)
}

// RecordRecreatedFill 记录一笔找不到所属订单的成交
func (r *SQLiteRecorder) RecordRecreatedFill(ctx context.Context, u domain.TradeUpdate) error {
	return r.insert(ctx, u, true)
}

// FillRow 流水库中的一行成交记录
type FillRow struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Amount          string
	Price           string
	QuoteAmount     string
	Fee             string
	Recreated       bool
	FillTime        time.Time
}

// FillsForOrder 按 client order id 查询成交流水（审计与测试用）
func (r *SQLiteRecorder) FillsForOrder(ctx context.Context, clientOrderID string) ([]FillRow, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT trade_id,client_order_id,exchange_order_id,trading_pair,amount,price,quote_amount,fee,recreated,fill_ts
FROM fills WHERE client_order_id=? ORDER BY fill_ts
`, clientOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRow
	for rows.Next() {
		var f FillRow
		var recreated int
		var exchangeID sql.NullString
		var ts string
		if err := rows.Scan(&f.TradeID, &f.ClientOrderID, &exchangeID, &f.TradingPair,
			&f.Amount, &f.Price, &f.QuoteAmount, &f.Fee, &recreated, &ts); err != nil {
			return nil, err
		}
		if exchangeID.Valid {
			f.ExchangeOrderID = exchangeID.String
		}
		f.Recreated = recreated == 1
		f.FillTime, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close 关闭流水库
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
