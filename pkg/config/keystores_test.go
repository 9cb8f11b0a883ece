package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/pkg/endpoint"
)

func TestOpenKeystores(t *testing.T) {
	stores, err := OpenKeystores(context.Background(), map[string]endpoint.KeystoreConfig{
		"mem":  {Type: "badger", Options: map[string]any{"in_memory": true}},
		"disk": {Type: "file", Options: map[string]any{"dir": t.TempDir()}},
	}, nil)
	require.NoError(t, err)
	defer CloseKeystores(stores)

	assert.Len(t, stores, 2)
	assert.Contains(t, stores, "mem")
	assert.Contains(t, stores, "disk")
}

func TestOpenKeystores_Empty(t *testing.T) {
	stores, err := OpenKeystores(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, stores)
}

func TestOpenKeystores_UnknownType(t *testing.T) {
	_, err := OpenKeystores(context.Background(), map[string]endpoint.KeystoreConfig{
		"bad": {Type: "vault"},
	}, nil)
	assert.ErrorContains(t, err, "keystore bad")
}

func TestOpenKeystores_FailureClosesOpened(t *testing.T) {
	// "a-mem" opens first; "b-file" fails on a missing directory.
	_, err := OpenKeystores(context.Background(), map[string]endpoint.KeystoreConfig{
		"a-mem":  {Type: "badger", Options: map[string]any{"in_memory": true}},
		"b-file": {Type: "file", Options: map[string]any{"dir": "/nonexistent/dittonet"}},
	}, nil)
	assert.ErrorContains(t, err, "keystore b-file")
}

func TestOpenKeystores_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := OpenKeystores(ctx, map[string]endpoint.KeystoreConfig{
		"mem": {Type: "badger", Options: map[string]any{"in_memory": true}},
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
