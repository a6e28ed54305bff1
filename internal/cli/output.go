package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Node failure (a consumer stopped, a write was rejected)
	ExitCommandError = 2 // Command error (bad arguments, unreadable config or database)
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError returns an ExitError without an underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code and a message to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code for err. Errors that carry no code
// are node failures.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// envelope is the JSON shape of every command outcome.
type envelope struct {
	Status string     `json:"status"` // "ok" or "error"
	Data   any        `json:"data,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message"`
	Cause    string `json:"cause,omitempty"`
}

// textRenderer is implemented by results with a tabular text form.
type textRenderer interface {
	renderText(w io.Writer) error
}

// Printer writes command results and failures in the selected format.
// JSON results and failures both go to Out so a caller can parse one
// stream; text failures go to Err.
type Printer struct {
	JSON bool
	Out  io.Writer
	Err  io.Writer
}

// Result writes a successful result.
func (p *Printer) Result(data any) error {
	if p.JSON {
		return json.NewEncoder(p.Out).Encode(envelope{Status: "ok", Data: data})
	}
	if tr, ok := data.(textRenderer); ok {
		return tr.renderText(p.Out)
	}
	_, err := fmt.Fprintln(p.Out, data)
	return err
}

// Failure reports err.
func (p *Printer) Failure(err error) {
	if !p.JSON {
		fmt.Fprintf(p.errWriter(), "Error: %v\n", err)
		return
	}
	body := &errorBody{ExitCode: GetExitCode(err), Message: err.Error()}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		body.Message = exitErr.Message
		if exitErr.Err != nil {
			body.Cause = exitErr.Err.Error()
		}
	}
	_ = json.NewEncoder(p.Out).Encode(envelope{Status: "error", Error: body})
}

func (p *Printer) errWriter() io.Writer {
	if p.Err != nil {
		return p.Err
	}
	return p.Out
}

// Execute runs the cellchain command line with args, reports any failure
// in the selected output format and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	format, _ := cmd.PersistentFlags().GetString("format")
	p := &Printer{JSON: format == "json", Out: stdout, Err: stderr}
	p.Failure(err)
	return GetExitCode(err)
}
