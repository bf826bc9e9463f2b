// Package duereport は当日が期日の未払い請求書を定期的に集計するジョブを提供する。
// 件数と合計額をPrometheusのゲージに反映し、構造化ログに出力する。
package duereport

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/model"
)

// BillLister は請求書の抽出インターフェース。bill.Service が実装する。
type BillLister interface {
	ListBills(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error]
}

// DueGauge は集計結果の出力先。metrics.MetricsCollector の部分集合。
type DueGauge interface {
	SetBillsDueToday(count int, total float64)
}

// Summary は1回の集計結果。
type Summary struct {
	Count int
	Total decimal.Decimal
}

// Job は当日期日の請求書集計ジョブ。
type Job struct {
	bills  BillLister
	gauge  DueGauge
	logger *slog.Logger
}

// NewJob は新しいJobを生成する。
func NewJob(bills BillLister, gauge DueGauge, logger *slog.Logger) *Job {
	return &Job{
		bills:  bills,
		gauge:  gauge,
		logger: logger,
	}
}

// RunOnce は当日が期日の未払い請求書を1回集計する。
// 集計途中でエラーになった場合はゲージを更新しない。
func (j *Job) RunOnce(ctx context.Context) (Summary, error) {
	start := time.Now()

	var sum Summary
	for b, err := range j.bills.ListBills(ctx, billquery.MustBePaidToday()) {
		if err != nil {
			return Summary{}, fmt.Errorf("当日期日の請求書の取得に失敗: %w", err)
		}
		sum.Count++
		sum.Total = sum.Total.Add(b.Amount.Amount)
	}

	total, _ := sum.Total.Float64()
	j.gauge.SetBillsDueToday(sum.Count, total)

	j.logger.Info("当日期日の請求書を集計しました",
		slog.Int("count", sum.Count),
		slog.String("total", sum.Total.String()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return sum, nil
}

// Start は指定間隔で集計を繰り返す。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("期日レポートジョブを開始しました",
		slog.Duration("interval", interval),
	)

	j.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("期日レポートジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("期日レポートの集計に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
