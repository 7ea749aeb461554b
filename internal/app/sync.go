package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"cap-rebalancer/internal/history"
	"cap-rebalancer/internal/universe"
)

// SyncHistory 增量拉取行情并写入数据库。未指定 ticker 时使用当前市值层级。
func (a *App) SyncHistory(ctx context.Context, opts SyncOptions) error {
	rt, err := a.openRuntime(ctx, opts.Workers)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.store == nil {
		a.Logger.Warn().Msg("sync-history 未配置数据库：仅拉取，不写入")
	}

	tickers := opts.Tickers
	if len(tickers) == 0 {
		tickers = a.Config.History.Tickers
	}
	if len(tickers) == 0 {
		tickers, err = a.tierTickers(ctx, rt)
		if err != nil {
			return err
		}
	}

	results, syncErr := rt.history.SyncAll(ctx, tickers, rt.indices)
	if err := printSyncResults(os.Stdout, results); err != nil {
		return err
	}
	if syncErr != nil {
		return errors.New("部分 ticker 同步失败，请检查日志")
	}
	return nil
}

func (a *App) tierTickers(ctx context.Context, rt *runtime) ([]string, error) {
	seed, maxCap := a.capBand()
	candidates, err := rt.broker.FetchCandidateUniverse(ctx, seed, maxCap)
	if err != nil {
		return nil, fmt.Errorf("fetch candidate universe: %w", err)
	}
	tier, err := universe.SelectTier(candidates)
	if err != nil {
		return nil, err
	}

	tickers := make([]string, 0, len(tier))
	for _, c := range tier {
		tickers = append(tickers, c.Ticker)
	}
	a.Logger.Info().Strs("tickers", tickers).Msg("syncing current cap tier")
	return tickers, nil
}

// capBand is the market-cap screen: the seed up to seed times the multiplier.
func (a *App) capBand() (decimal.Decimal, decimal.Decimal) {
	seed := decimal.NewFromFloat(a.Config.Universe.SeedMarketCap)
	return seed, seed.Mul(decimal.NewFromFloat(a.Config.Universe.MaxCapMultiplier))
}

func printSyncResults(out io.Writer, results []history.SyncResult) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Ticker\tKind\tPoints\tInserted\tError")
	for _, r := range results {
		kind := "stock"
		if r.Index {
			kind = "index"
		}
		errMsg := ""
		if r.Err != nil {
			errMsg = sanitizeInline(r.Err.Error())
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%s\n", r.Ticker, kind, r.Points, r.Inserted, errMsg)
	}
	return writer.Flush()
}
