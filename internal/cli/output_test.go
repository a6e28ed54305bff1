package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rendered struct{ name string }

func (r rendered) renderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "rendered %s\n", r.name)
	return err
}

func TestPrinter_JSONResult(t *testing.T) {
	buf := &bytes.Buffer{}
	p := &Printer{JSON: true, Out: buf}

	require.NoError(t, p.Result(rendered{name: "x"}))

	var env struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *errorBody      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	assert.Equal(t, "ok", env.Status)
	assert.Nil(t, env.Error)
	assert.NotEmpty(t, env.Data)
}

func TestPrinter_TextRendererAndFallback(t *testing.T) {
	buf := &bytes.Buffer{}
	p := &Printer{Out: buf}

	require.NoError(t, p.Result(rendered{name: "chain"}))
	require.NoError(t, p.Result("plain"))
	assert.Equal(t, "rendered chain\nplain\n", buf.String())
}

func TestPrinter_TextFailureGoesToErr(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	p := &Printer{Out: out, Err: errOut}

	p.Failure(WrapExitError(ExitCommandError, "failed to open database", errors.New("permission denied")))
	assert.Empty(t, out.String())
	assert.Equal(t, "Error: failed to open database: permission denied\n", errOut.String())
}

func TestPrinter_JSONFailure(t *testing.T) {
	tests := map[string]struct {
		err  error
		want errorBody
	}{
		"exit error with cause": {
			err:  WrapExitError(ExitCommandError, "invalid agent", errors.New("bad hex")),
			want: errorBody{ExitCode: ExitCommandError, Message: "invalid agent", Cause: "bad hex"},
		},
		"exit error without cause": {
			err:  NewExitError(ExitCommandError, "agent 01010101 has no chain"),
			want: errorBody{ExitCode: ExitCommandError, Message: "agent 01010101 has no chain"},
		},
		"plain error": {
			err:  errors.New("consumer publish_dht_ops failed"),
			want: errorBody{ExitCode: ExitFailure, Message: "consumer publish_dht_ops failed"},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			p := &Printer{JSON: true, Out: buf, Err: io.Discard}
			p.Failure(tt.err)

			var env envelope
			var body errorBody
			env.Error = &body
			require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
			assert.Equal(t, "error", env.Status)
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("run: %w", WrapExitError(ExitCommandError, "bad config", errors.New("parse")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
}

func TestExecute_ReportsFailureInFormat(t *testing.T) {
	db := filepath.Join(t.TempDir(), "node.db")
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}

	code := Execute(context.Background(), []string{"--db", db, "--format", "json", "chain", "nothex"}, out, errOut)
	assert.Equal(t, ExitCommandError, code)

	var env envelope
	require.NoError(t, json.Unmarshal(out.Bytes(), &env))
	assert.Equal(t, "error", env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid agent", env.Error.Message)
	assert.Empty(t, errOut.String())
}

func TestExecute_FlagErrorsAreCommandErrors(t *testing.T) {
	errOut := &bytes.Buffer{}
	code := Execute(context.Background(), []string{"ops", "--no-such-flag"}, io.Discard, errOut)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut.String(), "no-such-flag")
}

func TestExecute_Success(t *testing.T) {
	db := filepath.Join(t.TempDir(), "node.db")
	out := &bytes.Buffer{}
	code := Execute(context.Background(), []string{"--db", db, "agent", "list"}, out, io.Discard)
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "no agents\n", out.String())
}
