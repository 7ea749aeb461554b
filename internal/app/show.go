package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"cap-rebalancer/internal/domain"
	"cap-rebalancer/internal/storage"
)

// Show prints recent audited orders, or recent runs when opts.Runs is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show audit trail")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Runs {
		runs, err := store.ListRecentRuns(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stdout, "no runs found")
			return nil
		}
		return printRuns(os.Stdout, runs)
	}

	orders, err := store.ListRecentOrders(ctx, opts.Limit)
	if err != nil {
		return err
	}
	orders = filterOrders(orders, opts.Side)
	if len(orders) == 0 {
		fmt.Fprintln(os.Stdout, "no orders found")
		return nil
	}
	return printOrders(os.Stdout, orders)
}

func filterOrders(orders []storage.OrderRecord, side domain.Side) []storage.OrderRecord {
	if side == "" {
		return orders
	}
	out := make([]storage.OrderRecord, 0, len(orders))
	for _, o := range orders {
		if domain.Side(o.Side) == side {
			out = append(out, o)
		}
	}
	return out
}

func printOrders(out io.Writer, orders []storage.OrderRecord) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRun\tSide\tTicker\tQty\tLimit\tRule\tStatus\tError")

	for _, o := range orders {
		errMsg := ""
		if o.Error != nil {
			errMsg = sanitizeInline(*o.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			o.CreatedAt.UTC().Format(time.RFC3339),
			shortID(o.RunID.String()),
			o.Side,
			o.Ticker,
			o.Quantity,
			formatDecimal(o.LimitPrice, 2),
			o.Reason,
			o.Status,
			errMsg,
		)
	}
	return writer.Flush()
}

func printRuns(out io.Writer, runs []storage.RunRecord) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tRun\tTrigger\tDry\tPanic\tValue\tSells\tBuys\tSkipped\tSettled\tStatus\tError")

	for _, r := range runs {
		errMsg := ""
		if r.Error != nil {
			errMsg = sanitizeInline(*r.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%t\t%t\t%s\t%d\t%d\t%d\t%t\t%s\t%s\n",
			r.StartedAt.UTC().Format(time.RFC3339),
			shortID(r.ID.String()),
			r.Trigger,
			r.DryRun,
			r.Panic,
			formatDecimal(r.TotalValue, 2),
			r.Sells,
			r.Buys,
			r.Skipped,
			r.Settled,
			r.Status,
			errMsg,
		)
	}
	return writer.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
