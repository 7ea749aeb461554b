package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"cap-rebalancer/internal/domain"
	"cap-rebalancer/internal/risk"
	"cap-rebalancer/internal/service"
)

// Rebalance runs one cycle immediately, ignoring the scheduler switch.
func (a *App) Rebalance(ctx context.Context, opts RebalanceOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateTrading(); err != nil {
		return err
	}
	rt, err := a.openRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.close()

	report, runErr := a.newService(rt, nil).RunCycle(ctx, service.TriggerCLI, opts.DryRun)
	if report.RunID != uuid.Nil {
		if err := printReport(os.Stdout, report); err != nil {
			return err
		}
	}
	return runErr
}

// Panic prints the current panic assessment of the reference index.
func (a *App) Panic(ctx context.Context) error {
	rt, err := a.openRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.close()

	assessment, err := rt.detector.Assess(ctx)
	if err != nil {
		return err
	}
	return printAssessment(os.Stdout, rt.detector.Ticker(), assessment)
}

func printReport(out io.Writer, r service.Report) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Run\t%s\n", r.RunID)
	fmt.Fprintf(writer, "Status\t%s\n", r.Status)
	fmt.Fprintf(writer, "Dry run\t%t\n", r.DryRun)
	fmt.Fprintf(writer, "Portfolio\t%s\n", formatDecimal(r.TotalValue, 2))
	fmt.Fprintf(writer, "Panic\t%t\t%s\n", r.Panic, r.PanicReason)
	fmt.Fprintf(writer, "Settled\t%t\t%s\n", r.Settled, r.SettlementError)
	if r.Error != "" {
		fmt.Fprintf(writer, "Error\t%s\n", sanitizeInline(r.Error))
	}

	fmt.Fprintln(writer, "\nSide\tTicker\tQty\tLimit\tRule")
	for _, orders := range [][]domain.OrderIntent{r.Sells, r.Buys} {
		for _, o := range orders {
			fmt.Fprintf(writer, "%s\t%s\t%d\t%.4f\t%s\n", o.Side, o.Ticker, o.Quantity, o.LimitPrice, o.Reason)
		}
	}

	if len(r.Skipped) > 0 {
		tickers := make([]string, 0, len(r.Skipped))
		for t := range r.Skipped {
			tickers = append(tickers, t)
		}
		sort.Strings(tickers)
		fmt.Fprintln(writer, "\nSkipped\tReason")
		for _, t := range tickers {
			fmt.Fprintf(writer, "%s\t%s\n", t, sanitizeInline(r.Skipped[t]))
		}
	}
	return writer.Flush()
}

func printAssessment(out io.Writer, ticker string, a risk.Assessment) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Index\t%s\n", ticker)
	fmt.Fprintf(writer, "Panic\t%t\n", a.Panic)
	fmt.Fprintf(writer, "Reason\t%s\n", a.Reason)
	if !a.Anchor.IsZero() {
		fmt.Fprintf(writer, "Recovery scan from\t%s\n", a.Anchor.Format(time.DateOnly))
	}
	if len(a.Drops) > 0 {
		fmt.Fprintln(writer, "\nDrop date\tClose\tReturn%")
		for _, d := range a.Drops {
			fmt.Fprintf(writer, "%s\t%.2f\t%.2f\n", d.Date.Format(time.DateOnly), d.Price, d.DailyReturnPct)
		}
	}
	return writer.Flush()
}
