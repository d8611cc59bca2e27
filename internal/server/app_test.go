package server

import (
	"context"
	"testing"

	"github.com/dmitrijs2005/budgetsync/internal/server/config"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore_Memory(t *testing.T) {
	store, err := OpenStore(context.Background(), &config.Config{Storage: config.StorageMemory})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestOpenStore_Unknown(t *testing.T) {
	_, err := OpenStore(context.Background(), &config.Config{Storage: "mongo"})
	assert.Error(t, err)
}

func TestNewArchiver_DisabledWithoutBucket(t *testing.T) {
	a, err := NewArchiver(context.Background(), &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestNewApp_Memory(t *testing.T) {
	var c config.Config
	c.LoadDefaults()
	c.Storage = config.StorageMemory

	app, err := NewApp(context.Background(), &c)
	require.NoError(t, err)
	require.NotNil(t, app.sync)
	require.NotNil(t, app.compactor)
	assert.NoError(t, app.store.Close())
}
