package invoke

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"

	"github.com/signalnine/crucible/internal/result"
)

// Container-side paths in the sandbox contract. The workspace is
// writable; the prompt is read-only; the out dir receives metrics and
// transcript so the host can read them after the container exits.
const (
	sandboxWorkspace = "/workspace"
	sandboxPrompt    = "/prompt.md"
	sandboxOut       = "/out"
)

// SandboxAgentInvoker runs the agent inside a container when the
// config names an image. The command template expands the same
// placeholders as ExecAgentInvoker, but with container-side paths.
type SandboxAgentInvoker struct {
	Image         string
	Command       []string
	CPULimit      float64
	MemoryLimitMB int64
	Env           map[string]string
}

func (inv *SandboxAgentInvoker) InvokeAgent(ctx context.Context, req *AgentRequest) (*result.AgentResult, error) {
	if inv.Image == "" {
		return nil, &Error{Kind: KindRuntime, Op: "agent", Err: fmt.Errorf("sandbox invoker requires an image")}
	}
	if err := os.MkdirAll(req.Workspace, 0o755); err != nil {
		return nil, &Error{Kind: KindRuntime, Op: "agent", Err: fmt.Errorf("creating workspace: %w", err)}
	}
	outDir := filepath.Dir(req.MetricsPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, &Error{Kind: KindRuntime, Op: "agent", Err: fmt.Errorf("creating agent dir: %w", err)}
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &Error{Kind: KindProcess, Op: "agent", Err: fmt.Errorf("creating docker client: %w", err)}
	}
	defer cli.Close()

	metricsInContainer := filepath.Join(sandboxOut, filepath.Base(req.MetricsPath))
	transcriptInContainer := filepath.Join(sandboxOut, filepath.Base(req.TranscriptPath))
	subst := map[string]string{
		"{prompt}":     sandboxPrompt,
		"{workspace}":  sandboxWorkspace,
		"{metrics}":    metricsInContainer,
		"{transcript}": transcriptInContainer,
		"{max_turns}":  strconv.Itoa(req.MaxTurns),
	}
	argv := expandCommand(inv.Command, subst)

	env := map[string]string{
		EnvPrompt:     sandboxPrompt,
		EnvWorkspace:  sandboxWorkspace,
		EnvMetrics:    metricsInContainer,
		EnvTranscript: transcriptInContainer,
		EnvMaxTurns:   strconv.Itoa(req.MaxTurns),
	}
	for k, v := range inv.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: req.Workspace, Target: sandboxWorkspace},
		{Type: mount.TypeBind, Source: req.PromptPath, Target: sandboxPrompt, ReadOnly: true},
		{Type: mount.TypeBind, Source: outDir, Target: sandboxOut},
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	if inv.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(inv.CPULimit * 1e9)
	}
	if inv.MemoryLimitMB > 0 {
		hostCfg.Memory = inv.MemoryLimitMB * 1024 * 1024
	}

	containerCfg := &container.Config{
		Image:      inv.Image,
		Cmd:        argv,
		Env:        envSlice,
		WorkingDir: sandboxWorkspace,
		Labels:     map[string]string{"crucible": "true"},
		User:       fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, &Error{Kind: KindProcess, Op: "agent", Err: fmt.Errorf("creating container: %w", err)}
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, &Error{Kind: KindProcess, Op: "agent", Err: fmt.Errorf("starting container: %w", err)}
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	exitCode, timedOut, waitErr := waitForExit(waitCtx, cli, containerID)
	duration := time.Since(start)
	if waitErr != nil {
		return nil, &Error{Kind: KindProcess, Op: "agent", Err: waitErr}
	}

	logs := containerLogs(cli, containerID)
	if _, statErr := os.Stat(req.TranscriptPath); statErr != nil {
		if writeErr := os.WriteFile(req.TranscriptPath, logs, 0o644); writeErr != nil {
			return nil, &Error{Kind: KindRuntime, Op: "agent", Err: fmt.Errorf("writing transcript: %w", writeErr)}
		}
	}

	res := &result.AgentResult{
		ExitCode:  exitCode,
		TimedOut:  timedOut,
		DurationS: int(duration.Seconds()),
	}
	if metrics, mErr := readAgentMetrics(req.MetricsPath); mErr == nil {
		res.Usage = metrics.Usage
		res.CostUSD = metrics.CostUSD
		res.Turns = metrics.Turns
		res.Model = metrics.Model
	}

	if timedOut {
		res.Error = tail(logs)
		return res, &Error{Kind: KindTimeout, Op: "agent", Err: context.DeadlineExceeded, Output: tail(logs)}
	}
	if classifyErr := Classify(waitCtx, "agent", exitCode, string(logs), nil); classifyErr != nil {
		res.Error = tail(logs)
		return res, classifyErr
	}
	return res, nil
}

// waitForExit blocks until the container stops or the wait context
// expires, in which case the container is killed and the run reports
// a timeout.
func waitForExit(ctx context.Context, cli *client.Client, containerID string) (exitCode int, timedOut bool, err error) {
	waitResult := cli.ContainerWait(ctx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for {
		select {
		case waitErr := <-waitResult.Error:
			if waitErr != nil {
				cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
				if ctx.Err() == context.DeadlineExceeded {
					return ExitTimeout, true, nil
				}
				return 0, false, fmt.Errorf("waiting for container: %w", waitErr)
			}
			// nil means nothing on this channel yet; keep waiting
		case status := <-waitResult.Result:
			return int(status.StatusCode), false, nil
		}
	}
}

func containerLogs(cli *client.Client, containerID string) []byte {
	logReader, err := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil
	}
	defer logReader.Close()
	data, _ := io.ReadAll(logReader)
	return data
}
