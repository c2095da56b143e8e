package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/mohammad-safakhou/gaffer/internal/agent/core"
	srv "github.com/mohammad-safakhou/gaffer/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRunner struct {
	res core.TurnResult
	err error
}

func (f fixedRunner) RunTurn(context.Context, string, string) (core.TurnResult, error) {
	return f.res, f.err
}

func TestSay(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, say(context.Background(), fixedRunner{res: core.TurnResult{Reply: "Bench Watkins.", Unresolved: true}}, &out, "s", "who to bench?"))
	assert.Equal(t, "Bench Watkins.\n(unresolved)\n", out.String())

	out.Reset()
	err := say(context.Background(), fixedRunner{err: core.ErrLLMUnavailable}, &out, "s", "hi")
	assert.ErrorIs(t, err, core.ErrLLMUnavailable)
	assert.Equal(t, srv.Apology+"\n", out.String())
}

func TestRootCommands(t *testing.T) {
	root := rootCMD()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
	assert.True(t, names["chat"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
