package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the taintguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckTaint = mcp.NewTool("check_transaction_taint",
	mcp.WithDescription(
		"Look up how much of a GXC transaction's value derives from reported stolen funds. "+
			"Returns a taint score between 0 and 1, a risk level, and the hop distance from the theft."),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("Transaction hash, 64 hex characters")),
)

var ToolTraceTaint = mcp.NewTool("trace_stolen_funds",
	mcp.WithDescription(
		"Follow funds forward from a transaction and list where tainted value went. "+
			"Shows reached transactions with their traced scores and unspent outputs still holding tainted value."),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("Transaction hash to trace from")),
	mcp.WithNumber("max_hops",
		mcp.Description("Stop after this many hops (server default if omitted)")),
)

var ToolCheckAddress = mcp.NewTool("check_address",
	mcp.WithDescription(
		"Check whether an address is flagged for fraud and how many alerts it has. "+
			"shouldFreeze is true once an address has accumulated enough critical alerts."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("GXC address")),
)

var ToolListAlerts = mcp.NewTool("list_recent_alerts",
	mcp.WithDescription(
		"List recent fraud detector alerts, newest first. "+
			"Pass the returned cursor to fetch the next page."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous call")),
)

var ToolReportStolenFunds = mcp.NewTool("report_stolen_funds",
	mcp.WithDescription(
		"File a report that a transaction moved stolen funds. "+
			"The report is reviewed by an administrator before any reversal is attempted."),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("Hash of the theft transaction")),
	mcp.WithString("reporter_address",
		mcp.Required(),
		mcp.Description("Victim address that should receive recovered funds")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Stolen amount in GXC (e.g. '12.5')")),
	mcp.WithString("email",
		mcp.Description("Contact email for the reviewer")),
	mcp.WithString("description",
		mcp.Description("What happened")),
)

var ToolGetReportStatus = mcp.NewTool("get_report_status",
	mcp.WithDescription(
		"Get the review and reversal status of a fraud report."),
	mcp.WithString("report_id",
		mcp.Required(),
		mcp.Description("Report ID returned by report_stolen_funds")),
)

var ToolGetStatistics = mcp.NewTool("get_fraud_statistics",
	mcp.WithDescription(
		"Get system-wide fraud statistics: reports by status, amounts reported and recovered, alerts by severity."),
)

var ToolGetPoolBalance = mcp.NewTool("get_pool_balance",
	mcp.WithDescription(
		"Get the system pool balance that funds victim reversals."),
)

var ToolListPendingReports = mcp.NewTool("list_pending_reports",
	mcp.WithDescription(
		"List fraud reports awaiting review. Requires an admin token."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of reports to return (default 20)")),
)

var ToolCheckFeasibility = mcp.NewTool("check_reversal_feasibility",
	mcp.WithDescription(
		"Dry-run the reversal checks for a report without changing anything. "+
			"Shows whether a reversal could proceed, the recoverable amount, and the reasons if not. Requires an admin token."),
	mcp.WithString("report_id",
		mcp.Required(),
		mcp.Description("Report ID")),
)
