package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"snow-script-runner/internal/config"
	"snow-script-runner/internal/monitor"
	"snow-script-runner/internal/pipeline"
	"snow-script-runner/internal/snow"
)

// Server exposes the script execution pipeline as MCP tools over stdio.
type Server struct {
	mcpServer *mcpsdk.Server
	runner    *pipeline.Runner
	remote    pipeline.RemoteAPI
	cfg       *config.Config
}

// New builds the ServiceNow client and pipeline runner from config and
// wires the tool set.
func New(cfg *config.Config) (*Server, error) {
	client, err := snow.NewClient(cfg.Instance.URL, cfg.Instance.Username, cfg.InstancePassword(), cfg.Instance.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("building instance client: %w", err)
	}

	runner, err := pipeline.NewRunner(pipeline.Options{
		API:          client,
		Config:       cfg.Pipeline,
		Metrics:      monitor.NewMetrics(),
		Tracer:       monitor.NewTracer(),
		MaxCodeBytes: cfg.Security.MaxCodeBytes,
	})
	if err != nil {
		return nil, err
	}

	return NewWithRunner(cfg, runner, client), nil
}

// NewWithRunner wires an MCP server around an existing runner. The remote
// is used directly by the output lookup tool.
func NewWithRunner(cfg *config.Config, runner *pipeline.Runner, remote pipeline.RemoteAPI) *Server {
	s := &Server{
		runner: runner,
		remote: remote,
		cfg:    cfg,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "snow-script-runner",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Close stops accepting new executions.
func (s *Server) Close() error {
	return s.runner.Close()
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name: "snow_execute_script",
		Description: "Execute an ES5 server-side script on the ServiceNow instance and wait for the result. " +
			"High-risk scripts are held for confirmation instead of running.",
	}, s.handleExecuteScript)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name: "snow_confirm_script_execution",
		Description: "Confirm and run a script that was previously held as high risk. " +
			"Pass the exact script returned in script_to_execute.",
	}, s.handleConfirmScript)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name: "snow_execute_background_script",
		Description: "Execute an ES5 background script on the ServiceNow instance without the risk confirmation gate. " +
			"Syntax checking still applies.",
	}, s.handleBackgroundScript)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name: "snow_get_script_output",
		Description: "Fetch the output of a previously submitted script execution by execution ID. " +
			"Useful after a timed-out execution that kept running on the instance.",
	}, s.handleGetScriptOutput)
}
