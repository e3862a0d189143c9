package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptRunnerSuccess(t *testing.T) {
	r := NewScriptRunner()
	result, err := r.Run(context.Background(), "echo hello world", "", nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, *result.ExitCode)
}

func TestScriptRunnerFailure(t *testing.T) {
	r := NewScriptRunner()
	_, err := r.Run(context.Background(), "false", "", nil, nil)
	require.Error(t, err)
}

func TestScriptRunnerRejectsEmptyCommand(t *testing.T) {
	r := NewScriptRunner()
	_, err := r.Run(context.Background(), "   ", "", nil, nil)
	require.Error(t, err)
}

func TestScriptRunnerTokenizesQuotedArguments(t *testing.T) {
	r := NewScriptRunner()
	result, err := r.Run(context.Background(), `echo "hello world"`, "", nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestHTTPExecutorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(nil)
	result, err := ex.Execute(context.Background(), `{"url":"`+srv.URL+`","method":"GET"}`, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRegistryExecuteUnknownAction(t *testing.T) {
	reg := New()
	reg.RegisterBuiltins()
	_, err := reg.Execute(context.Background(), "does-not-exist", "{}", nil)
	require.Error(t, err)
}

func TestRegistryExecuteShell(t *testing.T) {
	reg := New()
	reg.RegisterBuiltins()
	result, err := reg.Execute(context.Background(), "shell", `{"command":"echo hi"}`, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}
