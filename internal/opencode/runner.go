// Package opencode wraps the opencode command-line generator as a subprocess.
package opencode

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// DefaultModel is used when a request does not name a model.
const DefaultModel = "openai/gpt-4o-mini"

// providerNamespace is prefixed onto bare model names ("gpt-4o-mini" ->
// "openai/gpt-4o-mini"). Names that already carry a namespace are kept as-is.
const providerNamespace = "openai"

// apiKeyEnvVar is the environment variable the opencode CLI reads its
// credential from.
const apiKeyEnvVar = "OPENAI_API_KEY"

// placeholderKeys are known non-credentials that ship in example configs and
// Docker images. A resolved secret matching one of these counts as absent.
var placeholderKeys = []string{
	"REPLACE_WITH_YOUR_OPENAI_API_KEY",
	"your-openai-api-key-here",
	"DOCKER_PLACEHOLDER_KEY",
}

// UsableKey reports whether key is a real credential.
func UsableKey(key string) bool {
	if key == "" {
		return false
	}
	for _, p := range placeholderKeys {
		if key == p {
			return false
		}
	}
	return true
}

// FormatModel normalizes a model name for the CLI. Bare names get the
// provider namespace prefix; empty input falls back to DefaultModel.
func FormatModel(model string) string {
	if model == "" {
		return DefaultModel
	}
	if strings.Contains(model, "/") {
		return model
	}
	return providerNamespace + "/" + model
}

// Invocation describes one generation run. APIKey and HomeDir are passed as
// per-invocation environment values; the process-wide environment is never
// mutated.
type Invocation struct {
	Prompt  string
	Model   string // already formatted, see FormatModel
	APIKey  string
	HomeDir string
}

// Process is a started generation subprocess.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the subprocess exits and releases its resources.
	Wait() error
}

// Runner launches generation subprocesses.
type Runner interface {
	Start(inv Invocation) (Process, error)
}

// Option configures the CLI runner.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// CLI runs the opencode binary. There is deliberately no context or timeout
// on a started process: once a generation is launched it runs to completion
// even if the requesting client goes away.
type CLI struct {
	binary string
}

// NewCLI constructs a CLI runner using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "opencode"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Start launches `opencode run --model <model> <prompt>` with stdout and
// stderr piped. The invocation's HOME and API key override the inherited
// environment for this process only.
func (c *CLI) Start(inv Invocation) (Process, error) {
	if inv.Prompt == "" {
		return nil, errors.New("prompt required")
	}

	model := inv.Model
	if model == "" {
		model = DefaultModel
	}

	cmd := exec.Command(c.binary, "run", "--model", model, inv.Prompt) //nolint:gosec
	cmd.Env = invocationEnv(inv)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.binary, err)
	}

	return &process{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// invocationEnv builds the subprocess environment: the inherited environment
// with HOME and the credential variable replaced.
func invocationEnv(inv Invocation) []string {
	env := make([]string, 0, len(os.Environ())+2)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "HOME=") || strings.HasPrefix(kv, apiKeyEnvVar+"=") {
			continue
		}
		env = append(env, kv)
	}
	if inv.HomeDir != "" {
		env = append(env, "HOME="+inv.HomeDir)
	}
	env = append(env, apiKeyEnvVar+"="+inv.APIKey)
	return env
}

type process struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }
func (p *process) Wait() error       { return p.cmd.Wait() }

var _ Runner = (*CLI)(nil)
