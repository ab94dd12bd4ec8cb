package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/pool"
	"github.com/mbd888/taintguard/internal/reports"
	"github.com/mbd888/taintguard/internal/rpcapi"
	"github.com/mbd888/taintguard/internal/taint"
)

// call runs one JSON-RPC method and prints the result as JSON or through
// render.
func call[T any](ctx *cli.Context, method string, render func(io.Writer, *T), args ...interface{}) error {
	ctxc := getContext()
	client, err := getClient(ctxc, ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var out T
	if err := client.CallContext(ctxc, &out, method, args...); err != nil {
		return err
	}
	if ctx.GlobalBool("json") || render == nil {
		printJSON(out)
		return nil
	}
	render(os.Stdout, &out)
	return nil
}

func newTable(w io.Writer, header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if len(header) > 0 {
		t.AppendHeader(table.Row(header))
	}
	return t
}

func requireArg(ctx *cli.Context, name string) (string, error) {
	if ctx.NArg() < 1 {
		return "", fmt.Errorf("%s argument missing", name)
	}
	return ctx.Args().First(), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var checkTaintCommand = cli.Command{
	Name:      "taint",
	Category:  "Lookup",
	Usage:     "Show the taint score of a transaction.",
	ArgsUsage: "txhash",
	Action: func(ctx *cli.Context) error {
		hash, err := requireArg(ctx, "txhash")
		if err != nil {
			return err
		}
		return call(ctx, "fraud_checkTransactionTaint", renderCheck, hash)
	},
}

func renderCheck(w io.Writer, c *taint.Check) {
	t := newTable(w, "FIELD", "VALUE")
	t.AppendRow(table.Row{"transaction", c.TxHash})
	t.AppendRow(table.Row{"score", c.ScoreBps.String()})
	t.AppendRow(table.Row{"risk", c.RiskLevel})
	t.AppendRow(table.Row{"hops", c.Hops})
	if c.Origin {
		t.AppendRow(table.Row{"origin", "yes"})
	}
	if c.Parent != "" {
		t.AppendRow(table.Row{"via", c.Parent})
	}
	if c.Provisional {
		t.AppendRow(table.Row{"provisional", "yes"})
	}
	t.Render()
}

var checkAddressCommand = cli.Command{
	Name:      "address",
	Category:  "Lookup",
	Usage:     "Show the fraud status of an address.",
	ArgsUsage: "address",
	Action: func(ctx *cli.Context) error {
		addr, err := requireArg(ctx, "address")
		if err != nil {
			return err
		}
		return call(ctx, "fraud_checkAddressFraud", renderAddress, addr)
	},
}

func renderAddress(w io.Writer, s *alerts.AddressStatus) {
	t := newTable(w, "ADDRESS", "FLAGGED", "ALERTS", "CRITICAL", "FREEZE")
	t.AppendRow(table.Row{s.Address, s.IsFlagged, s.AlertCount, s.CriticalAlerts, s.ShouldFreeze})
	t.Render()
}

var reportCommand = cli.Command{
	Name:     "report",
	Category: "Reports",
	Usage:    "File a stolen funds report.",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "tx", Usage: "hash of the theft transaction"},
		cli.StringFlag{Name: "victim", Usage: "address that should receive recovered funds"},
		cli.StringFlag{Name: "amount", Usage: "stolen amount in GXC"},
		cli.StringFlag{Name: "email", Usage: "contact email"},
		cli.StringFlag{Name: "description", Usage: "what happened"},
		cli.StringFlag{Name: "evidence", Usage: "supporting evidence"},
	},
	Action: func(ctx *cli.Context) error {
		for _, f := range []string{"tx", "victim", "amount"} {
			if ctx.String(f) == "" {
				return fmt.Errorf("--%s is required", f)
			}
		}
		return call[rpcapi.SubmitResult](ctx, "fraud_reportStolenFunds", nil,
			ctx.String("tx"), ctx.String("victim"), ctx.String("amount"),
			optional(ctx.String("email")), optional(ctx.String("description")),
			optional(ctx.String("evidence")))
	},
}

var reportStatusCommand = cli.Command{
	Name:      "status",
	Category:  "Reports",
	Usage:     "Show the review and execution status of a report.",
	ArgsUsage: "report-id",
	Action: func(ctx *cli.Context) error {
		id, err := requireArg(ctx, "report-id")
		if err != nil {
			return err
		}
		return call(ctx, "fraud_getReportStatus", renderStatus, id)
	},
}

func renderStatus(w io.Writer, s *reports.Status) {
	t := newTable(w, "REPORT", "FACTS", "EXECUTION", "RECOVERED", "NOTES")
	t.AppendRow(table.Row{s.ReportID, s.FactsStatus, s.ExecutionStatus, gxc.Format(s.RecoveredAmount), s.ExecutionNotes})
	t.Render()
}

var statisticsCommand = cli.Command{
	Name:     "stats",
	Category: "Reports",
	Usage:    "Show system-wide fraud statistics.",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "fraud_getFraudStatistics", renderStatistics)
	},
}

func renderStatistics(w io.Writer, s *reports.Statistics) {
	t := newTable(w, "METRIC", "VALUE")
	t.AppendRows([]table.Row{
		{"stolen transactions", s.TotalStolenTransactions},
		{"reports", s.TotalReports},
		{"pending", s.PendingReports},
		{"approved", s.ApprovedReports},
		{"rejected", s.RejectedReports},
		{"withdrawn", s.WithdrawnReports},
		{"executed reversals", s.ExecutedReversals},
		{"infeasible reversals", s.InfeasibleReversals},
		{"reported (GXC)", gxc.Format(s.TotalAmountReported)},
		{"recovered (GXC)", gxc.Format(s.TotalAmountRecovered)},
		{"alerts", s.TotalAlerts},
		{"flagged addresses", s.FlaggedAddresses},
	})
	sevs := slices.SortedFunc(maps.Keys(s.AlertsBySeverity), func(a, b alerts.Severity) int {
		return b.Rank() - a.Rank()
	})
	for _, sev := range sevs {
		t.AppendRow(table.Row{"alerts " + string(sev), s.AlertsBySeverity[sev]})
	}
	t.Render()
}

var poolBalanceCommand = cli.Command{
	Name:     "pool",
	Category: "Pool",
	Usage:    "Show the system pool balance.",
	Action: func(ctx *cli.Context) error {
		return call(ctx, "pool_getPoolBalance", func(w io.Writer, b *rpcapi.Balance) {
			fmt.Fprintf(w, "%s  %s GXC\n", b.PoolAddress, b.BalanceGxc)
		})
	},
}

var poolHistoryCommand = cli.Command{
	Name:     "poolhistory",
	Category: "Pool",
	Usage:    "List pool funding or spending entries.",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "spending", Usage: "list spending instead of funding"},
		cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum entries"},
	},
	Action: func(ctx *cli.Context) error {
		method := "pool_getPoolFundingHistory"
		if ctx.Bool("spending") {
			method = "pool_getPoolSpendingHistory"
		}
		limit := ctx.Int("limit")
		return call(ctx, method, renderEntries, &limit)
	},
}

func renderEntries(w io.Writer, entries *[]*pool.Entry) {
	t := newTable(w, "TIME", "SOURCE", "AMOUNT", "BALANCE", "REFERENCE")
	for _, e := range *entries {
		t.AppendRow(table.Row{
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.Source,
			gxc.Format(e.Amount), gxc.Format(e.BalanceAfter), e.Reference,
		})
	}
	t.Render()
}

var pendingReportsCommand = cli.Command{
	Name:     "pending",
	Category: "Review",
	Usage:    "List reports awaiting review.",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum reports"},
	},
	Action: func(ctx *cli.Context) error {
		limit := ctx.Int("limit")
		return call(ctx, "fraud_listPendingReports", renderReports, &limit)
	},
}

func renderReports(w io.Writer, rs *[]*reports.FraudReport) {
	t := newTable(w, "REPORT", "TRANSACTION", "VICTIM", "AMOUNT", "SUBMITTED")
	for _, r := range *rs {
		t.AppendRow(table.Row{
			r.ID, r.TxHash, r.ReporterAddress, gxc.Format(r.Amount),
			r.SubmittedAt.UTC().Format("2006-01-02 15:04"),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "TOTAL", strconv.Itoa(len(*rs))})
	t.Render()
}

// decision builds a review command taking a report id and an optional
// free-text flag.
func decision(name, usage, method, flag string) cli.Command {
	return cli.Command{
		Name:      name,
		Category:  "Review",
		Usage:     usage,
		ArgsUsage: "report-id",
		Flags: []cli.Flag{
			cli.StringFlag{Name: flag},
		},
		Action: func(ctx *cli.Context) error {
			id, err := requireArg(ctx, "report-id")
			if err != nil {
				return err
			}
			return call(ctx, method, renderStatus, id, optional(ctx.String(flag)))
		},
	}
}

var (
	approveCommand  = decision("approve", "Approve the facts of a report.", "fraud_approveFacts", "notes")
	rejectCommand   = decision("reject", "Reject the facts of a report.", "fraud_rejectFacts", "reason")
	withdrawCommand = decision("withdraw", "Withdraw a report before execution.", "fraud_withdrawReport", "reason")
)
