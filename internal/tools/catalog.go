// Package tools connects to an MCP server and exposes its tools as a text
// catalog that a language model can read and call by name.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// CatalogHeader prefixes the JSON tool listing returned by ListTools.
const CatalogHeader = "Available tools (JSON):\n"

// ErrNotConfigured is returned by Connect when neither a command nor a URL
// is set.
var ErrNotConfigured = errors.New("no MCP server configured")

// Config selects the MCP server. Command takes precedence over URL.
type Config struct {
	Command string
	Args    []string
	Env     []string
	URL     string
	Headers map[string]string

	ClientName    string
	ClientVersion string
}

// Catalog is an initialized MCP client session.
type Catalog struct {
	client *client.Client
	server mcp.Implementation
	logger *slog.Logger
}

// Connect launches or dials the configured MCP server and performs the
// protocol handshake.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Catalog, error) {
	var (
		c   *client.Client
		err error
	)
	switch {
	case cfg.Command != "":
		c, err = client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	case cfg.URL != "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("creating MCP client: %w", err)
	}
	cat, err := New(ctx, c, cfg.ClientName, cfg.ClientVersion, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	return cat, nil
}

// New starts c and initializes the session. It is used directly with
// in-process clients.
func New(ctx context.Context, c *client.Client, name, version string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = "sqlagent"
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting MCP client: %w", err)
	}
	res, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: name, Version: version},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initializing MCP session: %w", err)
	}
	logger.Debug("mcp session initialized", "server", res.ServerInfo.Name, "version", res.ServerInfo.Version)
	return &Catalog{client: c, server: res.ServerInfo, logger: logger}, nil
}

// Server reports the name and version announced by the MCP server.
func (c *Catalog) Server() mcp.Implementation {
	return c.server
}

// Tools returns the server's tool definitions.
func (c *Catalog) Tools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return res.Tools, nil
}

// ListTools returns the catalog as CatalogHeader followed by the JSON array
// of tool definitions.
func (c *Catalog) ListTools(ctx context.Context) (string, error) {
	list, err := c.Tools(ctx)
	if err != nil {
		return "", err
	}
	if list == nil {
		list = []mcp.Tool{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encoding tool catalog: %w", err)
	}
	return CatalogHeader + string(b), nil
}

// CallTool invokes the named tool with args, a JSON object text, and
// returns the JSON encoding of the MCP result. Tool-level failures come
// back as results carrying "isError":true. Malformed args produce such a
// result too, without contacting the server. A non-nil error means the
// server could not be reached or answered outside the protocol.
func (c *Catalog) CallTool(ctx context.Context, name, args string) (string, error) {
	params, err := decodeArgs(args)
	if err != nil {
		c.logger.Debug("tool args rejected", "tool", name, "error", err)
		return errorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	res, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: params},
	})
	if err != nil {
		return "", fmt.Errorf("calling tool %s: %w", name, err)
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding result of %s: %w", name, err)
	}
	return string(b), nil
}

// Close terminates the session and, for stdio servers, the subprocess.
func (c *Catalog) Close() error {
	return c.client.Close()
}

func decodeArgs(args string) (map[string]any, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func errorResult(msg string) (string, error) {
	b, err := json.Marshal(mcp.NewToolResultError(msg))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
