package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/exec"

	"gotts/internal/core"
)

// Placeholders recognised in command argument templates.
const (
	PlaceholderText      = "{text}"
	PlaceholderTextFile  = "{text_file}"
	PlaceholderOutput    = "{output}"
	PlaceholderLanguage  = "{language}"
	PlaceholderReference = "{reference}"
	PlaceholderSpeed     = "{speed}"
	PlaceholderModel     = "{model}"
)

// DefaultModel is the voice-cloning model passed as {model} when none is configured.
const DefaultModel = "tts_models/multilingual/multi-dataset/xtts_v2"

// DefaultCommandArgs drives the Coqui TTS command line with XTTS v2.
var DefaultCommandArgs = []string{
	"--model_name", PlaceholderModel,
	"--text", PlaceholderText,
	"--speaker_wav", PlaceholderReference,
	"--language_idx", PlaceholderLanguage,
	"--out_path", PlaceholderOutput,
}

// CommandEngine synthesizes speech by running a local TTS program once per request.
// The program writes a WAV file to {output}; everything else it prints is only
// used for error reporting.
type CommandEngine struct {
	path      string
	args      []string
	probeArgs []string
	model     string
	timeout   time.Duration
	env       map[string]string

	executor exec.Executor
	lookPath func(string) (string, error)
	resolved string
}

// NewCommandEngine creates a command engine. A nil executor runs real processes.
func NewCommandEngine(cfg CommandConfig, executor exec.Executor) (*CommandEngine, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("command engine: program path is required")
	}
	args := cfg.Args
	if len(args) == 0 {
		args = DefaultCommandArgs
	}
	if !containsPlaceholder(args, PlaceholderOutput) {
		return nil, fmt.Errorf("command engine: arguments must contain %s", PlaceholderOutput)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	if executor == nil {
		executor = exec.New(exec.WithInheritEnv(), exec.WithDisableColors())
	}

	return &CommandEngine{
		path:      cfg.Path,
		args:      args,
		probeArgs: cfg.ProbeArgs,
		model:     model,
		timeout:   cfg.Timeout,
		env:       cfg.Env,
		executor:  executor,
		lookPath:  osexec.LookPath,
	}, nil
}

// Name implements core.Engine.
func (e *CommandEngine) Name() string {
	return "command"
}

// Load resolves the program on PATH and runs the optional probe command.
func (e *CommandEngine) Load(ctx context.Context) error {
	resolved, err := e.lookPath(e.path)
	if err != nil {
		return fmt.Errorf("tts program %q not found: %w", e.path, err)
	}
	e.resolved = resolved

	if len(e.probeArgs) == 0 {
		return nil
	}
	res, err := e.command(ctx, "").Run(append([]string{resolved}, e.probeArgs...)...)
	if err != nil {
		return fmt.Errorf("tts program probe failed: %w", commandError(res, err))
	}
	slog.Debug("tts program probe succeeded", "program", resolved)
	return nil
}

// Synthesize runs the program for one utterance and returns the WAV it produced.
func (e *CommandEngine) Synthesize(ctx context.Context, p core.SynthesisParams) ([]byte, error) {
	program := e.resolved
	if program == "" {
		program = e.path
	}

	workDir, err := os.MkdirTemp("", "gotts-synth-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	textFile := filepath.Join(workDir, "input.txt")
	if err := os.WriteFile(textFile, []byte(p.Text), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input text: %w", err)
	}
	output := filepath.Join(workDir, "output.wav")

	args := expandArgs(e.args, strings.NewReplacer(
		PlaceholderTextFile, textFile,
		PlaceholderOutput, output,
		PlaceholderLanguage, p.Language,
		PlaceholderReference, p.ReferencePath,
		PlaceholderSpeed, strconv.FormatFloat(p.Speed, 'f', -1, 64),
		PlaceholderModel, e.model,
		PlaceholderText, p.Text,
	))

	start := time.Now()
	res, err := e.command(ctx, workDir).Run(append([]string{program}, args...)...)
	if err != nil {
		return nil, commandError(res, err)
	}

	audio, err := os.ReadFile(output)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("tts program exited successfully but wrote no audio")
		}
		return nil, fmt.Errorf("failed to read synthesized audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts program wrote an empty audio file")
	}

	slog.Debug("command synthesis finished", "bytes", len(audio), "duration", time.Since(start))
	return audio, nil
}

// Close implements core.Engine.
func (e *CommandEngine) Close() error {
	return nil
}

// command returns a fresh executor for one run; executors are not safe to share.
func (e *CommandEngine) command(ctx context.Context, dir string) exec.Executor {
	cmd := e.executor.Clone().WithContext(ctx)
	if dir != "" {
		cmd = cmd.WithDir(dir)
	}
	if len(e.env) > 0 {
		cmd = cmd.WithEnv(e.env)
	}
	if e.timeout > 0 {
		cmd = cmd.WithTimeout(e.timeout.String())
	}
	return cmd
}

// commandError prefers the program's own stderr over the generic exit error.
func commandError(res *exec.Result, err error) error {
	if res == nil {
		return err
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if msg == "" {
		return err
	}
	// Tracebacks end with the actual error
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = strings.TrimSpace(msg[i+1:])
	}
	return fmt.Errorf("%s (exit code %d): %w", msg, res.ExitCode, err)
}

func expandArgs(template []string, r *strings.Replacer) []string {
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}

func containsPlaceholder(args []string, placeholder string) bool {
	for _, a := range args {
		if strings.Contains(a, placeholder) {
			return true
		}
	}
	return false
}
