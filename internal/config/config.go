// Package config loads conductor configuration.
//
// Files are unified with an embedded CUE schema that supplies defaults and
// rejects unknown fields and out-of-range values. CUE, YAML and JSON
// files are accepted.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/countersign"
	"github.com/roach88/cellchain/internal/retry"
)

//go:embed schema.cue
var schemaSource string

// FailurePolicy decides what the conductor does when a consumer fails.
type FailurePolicy string

const (
	// Halt shuts the whole conductor down.
	Halt FailurePolicy = "halt"
	// Isolate logs the failure and keeps the other consumers running.
	Isolate FailurePolicy = "isolate"
)

// Config is the conductor configuration.
type Config struct {
	Database          string         `json:"database"`
	LogLevel          string         `json:"log_level"`
	Retry             Retry          `json:"retry"`
	Integration       Batch          `json:"integration"`
	Publish           Batch          `json:"publish"`
	Notify            Batch          `json:"notify"`
	Countersigning    Countersigning `json:"countersigning"`
	OnConsumerFailure FailurePolicy  `json:"on_consumer_failure"`
}

// Retry configures consumer retries.
type Retry struct {
	MaxAttempts      int `json:"max_attempts"`
	InitialBackoffMs int `json:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms"`
}

// Batch bounds how much one workflow invocation handles.
type Batch struct {
	BatchLimit int `json:"batch_limit"`
}

// Countersigning bounds accepted sessions.
type Countersigning struct {
	MaxSessionMs           int `json:"max_session_ms"`
	FutureStartToleranceMs int `json:"future_start_tolerance_ms"`
}

// Error is a configuration problem, with its source position when known.
type Error struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Default returns the configuration implied by the schema alone.
func Default() Config {
	cfg, err := decode(cuecontext.New(), "", nil)
	if err != nil {
		panic("config: embedded schema: " + err.Error())
	}
	return cfg
}

// Load reads and validates the file at path. The format follows the
// extension: .cue, .yaml, .yml or .json.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{Path: path, Message: err.Error()}
	}
	return Parse(path, data)
}

// Parse validates data as if read from path.
func Parse(path string, data []byte) (Config, error) {
	ctx := cuecontext.New()

	var v cue.Value
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue", ".json":
		v = ctx.CompileBytes(data, cue.Filename(path))
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, &Error{Path: path, Message: err.Error()}
		}
		if raw == nil {
			raw = map[string]any{}
		}
		v = ctx.Encode(raw)
	default:
		return Config{}, &Error{Path: path, Message: fmt.Sprintf("unsupported config format %q", ext)}
	}
	if err := v.Err(); err != nil {
		return Config{}, cueError(path, err)
	}
	return decode(ctx, path, &v)
}

func decode(ctx *cue.Context, path string, file *cue.Value) (Config, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, cueError("schema.cue", err)
	}
	if file == nil {
		empty := ctx.CompileString("{}")
		file = &empty
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(*file)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, cueError(path, err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return Config{}, cueError(path, err)
	}
	return cfg, nil
}

func cueError(path string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Path: path, Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Path: path, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		e.Pos = positions[0]
	}
	return e
}

// RetryPolicy returns the consumer retry policy.
func (c Config) RetryPolicy(clk clock.Clock) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff: retry.Exponential(
			time.Duration(c.Retry.InitialBackoffMs)*time.Millisecond,
			time.Duration(c.Retry.MaxBackoffMs)*time.Millisecond,
		),
		Clock: clk,
	}
}

// CountersignConfig returns the countersigning acceptance bounds.
func (c Config) CountersignConfig() countersign.Config {
	return countersign.Config{
		MaxSession:           time.Duration(c.Countersigning.MaxSessionMs) * time.Millisecond,
		FutureStartTolerance: time.Duration(c.Countersigning.FutureStartToleranceMs) * time.Millisecond,
	}
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
