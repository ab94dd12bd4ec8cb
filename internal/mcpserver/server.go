package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server. Review tools are registered
// only when an admin token is configured.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("taintguard", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckTaint, h.HandleCheckTaint)
	s.AddTool(ToolTraceTaint, h.HandleTraceTaint)
	s.AddTool(ToolCheckAddress, h.HandleCheckAddress)
	s.AddTool(ToolListAlerts, h.HandleListAlerts)
	s.AddTool(ToolReportStolenFunds, h.HandleReportStolenFunds)
	s.AddTool(ToolGetReportStatus, h.HandleGetReportStatus)
	s.AddTool(ToolGetStatistics, h.HandleGetStatistics)
	s.AddTool(ToolGetPoolBalance, h.HandleGetPoolBalance)

	if client.HasAdmin() {
		s.AddTool(ToolListPendingReports, h.HandleListPendingReports)
		s.AddTool(ToolCheckFeasibility, h.HandleCheckFeasibility)
	}

	return s
}
