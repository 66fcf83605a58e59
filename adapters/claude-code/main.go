// Bridges the Claude Code SDK WebSocket protocol onto the crucible
// agent contract: the prompt goes in as the first user message, tool
// use is auto-approved, and token usage comes back out as the metrics
// file the harness prices runs from. Paths default from the CRUCIBLE_*
// environment the invoker exports, so the config only needs
//
//	agent:
//	  command: ["claude-code-adapter", "--port", "9876"]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/signalnine/crucible/internal/tokens"
)

// Exit codes the harness assigns meaning to.
const (
	exitFailure     = 1
	exitRateLimited = 75
)

// State represents the session's protocol state.
type State int

const (
	StateWaiting State = iota // Listening, no connection yet
	StateInit                 // Connected, awaiting system/init from CLI
	StateRunning              // Prompt sent, the model is working
	StateDone                 // Result received, ready to exit
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Envelope is the top-level message read from the wire. Different
// message types use different subsets of fields; names follow the
// Claude Code SDK protocol.
type Envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init fields (CLI → adapter)
	SessionID         string   `json:"session_id,omitempty"`
	UUID              string   `json:"uuid,omitempty"`
	Cwd               string   `json:"cwd,omitempty"`
	Tools             []string `json:"tools,omitempty"`
	Model             string   `json:"model,omitempty"`
	PermissionMode    string   `json:"permissionMode,omitempty"`
	ClaudeCodeVersion string   `json:"claude_code_version,omitempty"`

	// control_request fields (CLI → adapter)
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`

	// control_response fields (adapter → CLI)
	Response json.RawMessage `json:"response,omitempty"`

	// user/assistant message fields
	Message         json.RawMessage `json:"message,omitempty"`
	ParentToolUseID *string         `json:"parent_tool_use_id"` // null for top-level

	// result fields (CLI → adapter)
	IsError      *bool     `json:"is_error,omitempty"`
	Result       string    `json:"result,omitempty"`
	Errors       []string  `json:"errors,omitempty"`
	DurationMs   int       `json:"duration_ms,omitempty"`
	NumTurns     int       `json:"num_turns,omitempty"`
	TotalCostUSD float64   `json:"total_cost_usd,omitempty"`
	Usage        *SDKUsage `json:"usage,omitempty"`
}

// ControlRequestBody is the nested "request" inside a control_request.
type ControlRequestBody struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// AssistantMessage is the nested "message" inside an assistant envelope.
type AssistantMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *SDKUsage       `json:"usage,omitempty"`
}

// SDKUsage is token usage as the SDK reports it.
type SDKUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

func (u *SDKUsage) toUsage() tokens.Usage {
	return tokens.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

// Metrics is what the harness reads back. Usage, cost, turns and model
// are the pricing contract; the rest is diagnostic.
type Metrics struct {
	Usage      tokens.Usage `json:"usage"`
	CostUSD    float64      `json:"cost_usd"`
	Turns      int          `json:"turns"`
	Model      string       `json:"model,omitempty"`
	ToolsUsed  []string     `json:"tools_used,omitempty"`
	DurationMs int          `json:"duration_ms,omitempty"`
}

type ServerOpts struct {
	Prompt      string
	MetricsFile string
	Transcript  io.Writer // raw wire frames, one JSON object per line
	MaxTurns    int       // 0 means unlimited
	IdleTimeout time.Duration
	Debug       bool
}

type Server struct {
	state       State
	sessionID   string
	prompt      string
	metricsFile string
	transcript  io.Writer
	maxTurns    int
	idleTimeout time.Duration
	debug       bool

	metrics     Metrics
	toolsSeen   map[string]bool
	rateLimited bool
	resultError bool
}

func NewServer(opts *ServerOpts) *Server {
	return &Server{
		state:       StateWaiting,
		prompt:      opts.Prompt,
		metricsFile: opts.MetricsFile,
		transcript:  opts.Transcript,
		maxTurns:    opts.MaxTurns,
		idleTimeout: opts.IdleTimeout,
		debug:       opts.Debug,
		toolsSeen:   make(map[string]bool),
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.debug {
		log.Printf(format, args...)
	}
}

// record appends one wire frame to the transcript. Transcript failures
// never abort a session.
func (s *Server) record(data []byte) {
	if s.transcript == nil {
		return
	}
	if _, err := s.transcript.Write(append(data, '\n')); err != nil {
		s.logf("[WARN] transcript write: %v", err)
	}
}

func (s *Server) HandleConnection(ctx context.Context, conn *websocket.Conn) error {
	s.state = StateInit
	s.logf("[STATE] → %s", s.state)

	var loopErr error
	for s.state != StateDone {
		readCtx, cancel := context.WithTimeout(ctx, s.idleTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			loopErr = fmt.Errorf("read in state %s: %w", s.state, err)
			break
		}
		s.record(data)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logf("[RECV] malformed JSON: %s", string(data))
			continue
		}
		s.logf("[RECV] type=%s subtype=%s state=%s", env.Type, env.Subtype, s.state)

		responses, err := s.handleMessage(&env)
		if err != nil {
			loopErr = fmt.Errorf("handle message in state %s: %w", s.state, err)
			break
		}
		for _, resp := range responses {
			respData, err := json.Marshal(resp)
			if err != nil {
				loopErr = fmt.Errorf("marshal response: %w", err)
				break
			}
			s.logf("[SEND] %s", string(respData))
			s.record(respData)
			if err := conn.Write(ctx, websocket.MessageText, respData); err != nil {
				loopErr = fmt.Errorf("write response: %w", err)
				break
			}
		}
		if loopErr != nil {
			break
		}
	}

	// Whatever usage accumulated is written even when the session
	// broke, so the harness can still price the attempt.
	if err := s.writeMetrics(); err != nil && loopErr == nil {
		loopErr = err
	}
	return loopErr
}

func (s *Server) handleMessage(env *Envelope) ([]json.RawMessage, error) {
	switch s.state {
	case StateInit:
		return s.handleInit(env)
	case StateRunning:
		return s.handleRunning(env)
	default:
		return nil, fmt.Errorf("unexpected message in state %s", s.state)
	}
}

// handleInit handles the system/init message and sends the prompt.
func (s *Server) handleInit(env *Envelope) ([]json.RawMessage, error) {
	if env.Type != "system" || env.Subtype != "init" {
		return nil, fmt.Errorf("expected system/init, got type=%s subtype=%s", env.Type, env.Subtype)
	}

	s.sessionID = env.SessionID
	s.metrics.Model = env.Model
	s.logf("[INIT] session=%s model=%s version=%s tools=%v",
		env.SessionID, env.Model, env.ClaudeCodeVersion, env.Tools)

	userMsg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": s.prompt,
		},
		"parent_tool_use_id": nil,
		"session_id":         s.sessionID,
	}
	data, err := json.Marshal(userMsg)
	if err != nil {
		return nil, fmt.Errorf("marshal user message: %w", err)
	}

	s.state = StateRunning
	s.logf("[STATE] → %s", s.state)
	return []json.RawMessage{data}, nil
}

func (s *Server) handleRunning(env *Envelope) ([]json.RawMessage, error) {
	switch env.Type {
	case "control_request":
		return s.handleControlRequest(env)
	case "assistant":
		return s.handleAssistant(env)
	case "result":
		return s.handleResult(env)
	case "keep_alive", "stream_event", "tool_progress", "tool_use_summary", "system", "auth_status":
		// Silently consume informational messages
		return nil, nil
	default:
		s.logf("[WARN] unknown message type: %s", env.Type)
		return nil, nil
	}
}

// handleControlRequest auto-approves tool use. The harness runs agents
// unattended inside disposable workspaces; permission prompts would
// just hang the run.
func (s *Server) handleControlRequest(env *Envelope) ([]json.RawMessage, error) {
	var reqBody ControlRequestBody
	if err := json.Unmarshal(env.Request, &reqBody); err != nil {
		return nil, fmt.Errorf("unmarshal control request body: %w", err)
	}

	switch reqBody.Subtype {
	case "can_use_tool":
		if reqBody.ToolName != "" && !s.toolsSeen[reqBody.ToolName] {
			s.toolsSeen[reqBody.ToolName] = true
			s.metrics.ToolsUsed = append(s.metrics.ToolsUsed, reqBody.ToolName)
		}

		resp := map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "success",
				"request_id": env.RequestID,
				"response": map[string]any{
					"behavior":     "allow",
					"updatedInput": json.RawMessage(reqBody.Input),
				},
			},
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("marshal control response: %w", err)
		}
		return []json.RawMessage{data}, nil

	default:
		s.logf("[WARN] unknown control_request subtype: %s", reqBody.Subtype)
		return nil, nil
	}
}

// handleAssistant counts turns, accumulates usage, and enforces the
// turn budget.
func (s *Server) handleAssistant(env *Envelope) ([]json.RawMessage, error) {
	s.metrics.Turns++
	if s.maxTurns > 0 && s.metrics.Turns > s.maxTurns {
		return nil, fmt.Errorf("turn budget exhausted after %d turns", s.maxTurns)
	}

	if env.Message != nil {
		var msg AssistantMessage
		if err := json.Unmarshal(env.Message, &msg); err == nil {
			if msg.Usage != nil {
				s.metrics.Usage = s.metrics.Usage.Add(msg.Usage.toUsage())
			}
			if msg.Model != "" {
				s.metrics.Model = msg.Model
			}
		}
	}

	return nil, nil
}

// handleResult finalizes the session. Result usage is cumulative and
// overrides the per-message sums.
func (s *Server) handleResult(env *Envelope) ([]json.RawMessage, error) {
	if env.Usage != nil {
		s.metrics.Usage = env.Usage.toUsage()
	}
	if env.NumTurns > 0 {
		s.metrics.Turns = env.NumTurns
	}
	s.metrics.DurationMs = env.DurationMs
	s.metrics.CostUSD = env.TotalCostUSD

	if env.IsError != nil && *env.IsError {
		s.resultError = true
		s.rateLimited = looksRateLimited(env.Result) || looksRateLimited(strings.Join(env.Errors, " "))
		s.logf("[RESULT] error subtype=%s rate_limited=%v errors=%v", env.Subtype, s.rateLimited, env.Errors)
	} else {
		s.logf("[RESULT] success, cost=$%.4f, turns=%d", env.TotalCostUSD, env.NumTurns)
	}

	s.state = StateDone
	s.logf("[STATE] → %s", s.state)
	return nil, nil
}

func (s *Server) writeMetrics() error {
	if s.metricsFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := os.WriteFile(s.metricsFile, data, 0o644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	s.logf("[METRICS] written to %s", s.metricsFile)
	return nil
}

// looksRateLimited matches the markers the harness classifies on, so
// the adapter and the harness agree about what a 429 looks like.
func looksRateLimited(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "429")
}

func envInt(name string) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func main() {
	port := flag.Int("port", 9876, "WebSocket server port")
	promptFile := flag.String("prompt", os.Getenv("CRUCIBLE_PROMPT"), "prompt file (defaults to $CRUCIBLE_PROMPT)")
	metricsFile := flag.String("metrics", os.Getenv("CRUCIBLE_METRICS"), "metrics output path (defaults to $CRUCIBLE_METRICS)")
	transcriptFile := flag.String("transcript", os.Getenv("CRUCIBLE_TRANSCRIPT"), "transcript output path (defaults to $CRUCIBLE_TRANSCRIPT)")
	maxTurns := flag.Int("max-turns", envInt("CRUCIBLE_MAX_TURNS"), "abort after this many assistant turns (0 = unlimited)")
	idleTimeout := flag.Int("idle-timeout", 10, "minutes of silence before assuming stuck")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *promptFile == "" {
		log.Fatal("--prompt or CRUCIBLE_PROMPT is required")
	}
	promptData, err := os.ReadFile(*promptFile)
	if err != nil {
		log.Fatalf("reading prompt file: %v", err)
	}

	var transcript *os.File
	if *transcriptFile != "" {
		transcript, err = os.OpenFile(*transcriptFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("opening transcript file: %v", err)
		}
	}

	srv := NewServer(&ServerOpts{
		Prompt:      string(promptData),
		MetricsFile: *metricsFile,
		Transcript:  transcript,
		MaxTurns:    *maxTurns,
		IdleTimeout: time.Duration(*idleTimeout) * time.Minute,
		Debug:       *debug,
	})

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", *port))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("adapter listening on localhost:%d", *port)

	connCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	httpServer := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
				InsecureSkipVerify: true,
			})
			if err != nil {
				log.Printf("accept error: %v", err)
				return
			}
			select {
			case connCh <- conn:
			default:
				conn.Close(websocket.StatusPolicyViolation, "only one connection allowed")
			}
		}),
	}

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case err := <-errCh:
		log.Fatalf("http server failed: %v", err)
	}

	sessionErr := srv.HandleConnection(context.Background(), conn)
	if transcript != nil {
		transcript.Close()
	}
	httpServer.Close()

	switch {
	case sessionErr != nil:
		log.Printf("session error: %v", sessionErr)
		conn.Close(websocket.StatusInternalError, "session error")
		os.Exit(exitFailure)
	case srv.rateLimited:
		conn.Close(websocket.StatusNormalClosure, "rate limited")
		os.Exit(exitRateLimited)
	case srv.resultError:
		conn.Close(websocket.StatusNormalClosure, "agent reported failure")
		os.Exit(exitFailure)
	default:
		conn.Close(websocket.StatusNormalClosure, "done")
	}
}
