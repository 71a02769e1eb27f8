package stock

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const reportPageSize = 500

// StockLine is one entity row of a stock report
// 在庫レポートの明細行
type StockLine struct {
	Entity
	Value        decimal.Decimal `json:"value"`         // 評価額
	NeedsReorder bool            `json:"needs_reorder"` // 発注要否
	Shortfall    int64           `json:"shortfall"`     // 発注点までの不足数
}

// StockReport summarizes quantity and valuation across all entities
// 在庫レポート
type StockReport struct {
	GeneratedAt    time.Time       `json:"generated_at"`
	Lines          []StockLine     `json:"lines"`
	TotalQuantity  int64           `json:"total_quantity"`
	TotalValue     decimal.Decimal `json:"total_value"`
	BelowThreshold int             `json:"below_threshold"`
}

// Reporter builds advisory stock reports. It never mutates stock.
// 在庫レポート作成
type Reporter struct {
	storage Storage
	logger  *zap.Logger
}

// NewReporter creates a new reporter
// 新しいレポート作成者を作成
func NewReporter(storage Storage, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		storage: storage,
		logger:  logger,
	}
}

// StockReport values every entity at quantity times unit cost and flags those below threshold
// 全在庫対象の評価額と発注要否を集計
func (r *Reporter) StockReport(ctx context.Context) (*StockReport, error) {
	entities, err := r.allEntities(ctx)
	if err != nil {
		return nil, err
	}

	report := &StockReport{
		GeneratedAt: now(),
		Lines:       make([]StockLine, 0, len(entities)),
		TotalValue:  decimal.Zero,
	}
	for _, e := range entities {
		line := newStockLine(e)
		report.Lines = append(report.Lines, line)
		report.TotalQuantity += e.Quantity
		report.TotalValue = report.TotalValue.Add(line.Value)
		if line.NeedsReorder {
			report.BelowThreshold++
		}
	}

	r.logger.Debug("在庫レポート作成完了",
		zap.Int("entities", len(report.Lines)),
		zap.Int("below_threshold", report.BelowThreshold),
		zap.String("total_value", report.TotalValue.StringFixed(2)),
	)
	return report, nil
}

// ReorderList returns entities below their reorder threshold, largest shortfall first
// 発注が必要な在庫対象を不足数の多い順に取得
func (r *Reporter) ReorderList(ctx context.Context) ([]StockLine, error) {
	entities, err := r.allEntities(ctx)
	if err != nil {
		return nil, err
	}

	lines := make([]StockLine, 0)
	for _, e := range entities {
		if e.NeedsReorder() {
			lines = append(lines, newStockLine(e))
		}
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].Shortfall != lines[j].Shortfall {
			return lines[i].Shortfall > lines[j].Shortfall
		}
		return lines[i].Name < lines[j].Name
	})
	return lines, nil
}

func (r *Reporter) allEntities(ctx context.Context) ([]Entity, error) {
	var all []Entity
	for offset := 0; ; offset += reportPageSize {
		page, err := r.storage.ListStockEntities(ctx, offset, reportPageSize)
		if err != nil {
			return nil, storageError("list_stock_entities", "在庫対象一覧取得に失敗しました", err)
		}
		all = append(all, page...)
		if len(page) < reportPageSize {
			return all, nil
		}
	}
}

func newStockLine(e Entity) StockLine {
	return StockLine{
		Entity:       e,
		Value:        e.Value(),
		NeedsReorder: e.NeedsReorder(),
		Shortfall:    e.Shortfall(),
	}
}
