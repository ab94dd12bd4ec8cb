package mcpserver

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/reports"
	"github.com/mbd888/taintguard/internal/reversal"
	"github.com/mbd888/taintguard/internal/taint"
)

// maxListedNodes caps how many trace nodes are rendered.
const maxListedNodes = 25

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckTaint returns the taint summary of a transaction.
func (h *Handlers) HandleCheckTaint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txHash := req.GetString("tx_hash", "")
	if txHash == "" {
		return mcp.NewToolResultError("tx_hash is required"), nil
	}

	check, err := h.client.CheckTaint(ctx, txHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check taint: %v", err)), nil
	}
	return mcp.NewToolResultText(formatCheck(check)), nil
}

// HandleTraceTaint follows funds forward from a transaction.
func (h *Handlers) HandleTraceTaint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txHash := req.GetString("tx_hash", "")
	if txHash == "" {
		return mcp.NewToolResultError("tx_hash is required"), nil
	}

	tr, err := h.client.TraceTaint(ctx, txHash, req.GetInt("max_hops", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to trace funds: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTrace(tr)), nil
}

// HandleCheckAddress returns the fraud status of an address.
func (h *Handlers) HandleCheckAddress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	st, err := h.client.CheckAddress(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check address: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Address: %s\n", st.Address)
	fmt.Fprintf(&sb, "  Flagged: %s\n", yesNo(st.IsFlagged))
	fmt.Fprintf(&sb, "  Alerts: %d (%d critical)\n", st.AlertCount, st.CriticalAlerts)
	if st.ShouldFreeze {
		sb.WriteString("  Recommendation: FREEZE\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListAlerts lists recent alerts.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := h.client.RecentAlerts(ctx, req.GetInt("limit", 20), req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAlerts(page)), nil
}

// HandleReportStolenFunds files a report.
func (h *Handlers) HandleReportStolenFunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := reports.SubmitBody{
		TxHash:          req.GetString("tx_hash", ""),
		ReporterAddress: req.GetString("reporter_address", ""),
		Amount:          req.GetString("amount", ""),
		Email:           req.GetString("email", ""),
		Description:     req.GetString("description", ""),
	}
	if body.TxHash == "" || body.ReporterAddress == "" || body.Amount == "" {
		return mcp.NewToolResultError("tx_hash, reporter_address and amount are required"), nil
	}

	res, err := h.client.SubmitReport(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit report: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Report submitted.\n")
	fmt.Fprintf(&sb, "  Report ID: %s\n", res.ReportID)
	fmt.Fprintf(&sb, "  Status: %s\n", res.Status)
	sb.WriteString("\nUse get_report_status with this report_id to follow the review.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetReportStatus returns the status of a report.
func (h *Handlers) HandleGetReportStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("report_id", "")
	if id == "" {
		return mcp.NewToolResultError("report_id is required"), nil
	}

	st, err := h.client.ReportStatus(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get report status: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Report %s:\n", st.ReportID)
	fmt.Fprintf(&sb, "  Review: %s\n", st.FactsStatus)
	fmt.Fprintf(&sb, "  Reversal: %s\n", st.ExecutionStatus)
	if st.RecoveredAmount > 0 {
		fmt.Fprintf(&sb, "  Recovered: %s GXC\n", gxc.Format(st.RecoveredAmount))
	}
	if st.ExecutionNotes != "" {
		fmt.Fprintf(&sb, "  Notes: %s\n", st.ExecutionNotes)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetStatistics returns system-wide statistics.
func (h *Handlers) HandleGetStatistics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := h.client.Statistics(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get statistics: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatistics(s)), nil
}

// HandleGetPoolBalance returns the system pool balance.
func (h *Handlers) HandleGetPoolBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, err := h.client.PoolBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get pool balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("System pool %s\n  Balance: %s GXC\n", b.PoolAddress, gxc.Format(b.Balance))), nil
}

// HandleListPendingReports lists reports awaiting review.
func (h *Handlers) HandleListPendingReports(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := h.client.PendingReports(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pending reports: %v", err)), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No reports awaiting review."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d report(s) awaiting review:\n\n", len(list))
	for i, r := range list {
		fmt.Fprintf(&sb, "%d. %s  tx %s\n", i+1, r.ID, r.TxHash)
		fmt.Fprintf(&sb, "   %s GXC claimed by %s, submitted %s\n",
			gxc.Format(r.Amount), r.ReporterAddress, r.SubmittedAt.UTC().Format("2006-01-02 15:04"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckFeasibility dry-runs the reversal checks for a report.
func (h *Handlers) HandleCheckFeasibility(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("report_id", "")
	if id == "" {
		return mcp.NewToolResultError("report_id is required"), nil
	}

	v, err := h.client.Feasibility(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check feasibility: %v", err)), nil
	}
	return mcp.NewToolResultText(formatVerdict(v)), nil
}

func formatCheck(c *taint.Check) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", c.TxHash)
	fmt.Fprintf(&sb, "  Taint: %.4f (%s)\n", c.TaintScore, c.RiskLevel)
	switch {
	case c.Origin:
		sb.WriteString("  Origin: reported stolen\n")
	case c.Hops > 0:
		fmt.Fprintf(&sb, "  Hops from theft: %d\n", c.Hops)
	}
	if c.Parent != "" {
		fmt.Fprintf(&sb, "  Main tainted source: %s\n", c.Parent)
	}
	if c.Provisional {
		sb.WriteString("  Note: provisional score, not yet recorded\n")
	}
	return sb.String()
}

func formatTrace(tr *taint.Trace) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Trace from %s: %d transaction(s), %d unspent output(s)\n",
		tr.Root, len(tr.Nodes), len(tr.Unspent))
	if tr.Truncated {
		sb.WriteString("Trace stopped at the search horizon; results are incomplete.\n")
	}

	if len(tr.Nodes) > 0 {
		sb.WriteString("\nTransactions:\n")
		for i, n := range tr.Nodes {
			if i == maxListedNodes {
				fmt.Fprintf(&sb, "  ... %d more\n", len(tr.Nodes)-maxListedNodes)
				break
			}
			fmt.Fprintf(&sb, "  [hop %d] %s  taint %.4f\n", n.Hops, n.TxHash, n.Score.Float())
		}
	}

	if len(tr.Unspent) > 0 {
		var recoverable int64
		sb.WriteString("\nUnspent tainted outputs:\n")
		for _, o := range tr.Unspent {
			recoverable += o.Recoverable()
			fmt.Fprintf(&sb, "  %s  %s GXC  taint %.4f\n", o.Address, gxc.Format(o.Amount), o.Score.Float())
		}
		fmt.Fprintf(&sb, "\nRecoverable: %s GXC\n", gxc.Format(recoverable))
	}
	return sb.String()
}

func formatAlerts(page *AlertPage) string {
	if len(page.Alerts) == 0 {
		return "No alerts."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d alert(s):\n\n", len(page.Alerts))
	for i, a := range page.Alerts {
		fmt.Fprintf(&sb, "%d. [%s] %s  %s\n", i+1, a.Severity, a.Detector, a.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&sb, "   tx %s", a.TxHash)
		if a.Address != "" {
			fmt.Fprintf(&sb, "  address %s", a.Address)
		}
		sb.WriteString("\n")
		if a.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", a.Description)
		}
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore alerts available. cursor: %s\n", page.NextCursor)
	}
	return sb.String()
}

func formatStatistics(s *reports.Statistics) string {
	var sb strings.Builder
	sb.WriteString("Fraud statistics:\n")
	fmt.Fprintf(&sb, "  Stolen transactions: %d\n", s.TotalStolenTransactions)
	fmt.Fprintf(&sb, "  Flagged addresses: %d\n", s.FlaggedAddresses)
	fmt.Fprintf(&sb, "  Reports: %d total, %d pending, %d approved, %d rejected, %d withdrawn\n",
		s.TotalReports, s.PendingReports, s.ApprovedReports, s.RejectedReports, s.WithdrawnReports)
	fmt.Fprintf(&sb, "  Reversals: %d executed, %d infeasible\n", s.ExecutedReversals, s.InfeasibleReversals)
	fmt.Fprintf(&sb, "  Reported: %s GXC\n", gxc.Format(s.TotalAmountReported))
	fmt.Fprintf(&sb, "  Recovered: %s GXC\n", gxc.Format(s.TotalAmountRecovered))
	fmt.Fprintf(&sb, "  Alerts: %d\n", s.TotalAlerts)

	sevs := slices.SortedFunc(maps.Keys(s.AlertsBySeverity), func(a, b alerts.Severity) int {
		return b.Rank() - a.Rank()
	})
	for _, sev := range sevs {
		fmt.Fprintf(&sb, "    %s: %d\n", sev, s.AlertsBySeverity[sev])
	}
	return sb.String()
}

func formatVerdict(v *reversal.Verdict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Report %s (tx %s)\n", v.ReportID, v.TxHash)
	fmt.Fprintf(&sb, "  Feasible: %s\n", yesNo(v.Feasible))
	fmt.Fprintf(&sb, "  Taint: %.4f\n", v.Score.Float())
	fmt.Fprintf(&sb, "  Claimed: %s GXC\n", gxc.Format(v.Claimed))
	fmt.Fprintf(&sb, "  Recoverable: %s GXC\n", gxc.Format(v.Recoverable))
	fmt.Fprintf(&sb, "  Pool balance: %s GXC\n", gxc.Format(v.PoolBalance))
	if len(v.Reasons) > 0 {
		sb.WriteString("  Reasons:\n")
		for _, r := range v.Reasons {
			fmt.Fprintf(&sb, "    - %s\n", r)
		}
	}
	if len(v.CleanZoneHits) > 0 {
		fmt.Fprintf(&sb, "  Clean zone hits: %s\n", strings.Join(v.CleanZoneHits, ", "))
	}
	if v.Truncated {
		sb.WriteString("  Trace truncated at the search horizon\n")
	}
	return sb.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
