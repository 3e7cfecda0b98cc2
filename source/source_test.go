package source

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/config"
)

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(map[string]any{
		"owner":  map[string]any{"$oid": "64b7f0c2a1b2c3d4e5f60718"},
		"active": true,
	})
	require.NoError(t, err)

	oid, ok := f["owner"].(primitive.ObjectID)
	require.True(t, ok)
	assert.Equal(t, "64b7f0c2a1b2c3d4e5f60718", oid.Hex())
	assert.Equal(t, true, f["active"])

	f, err = ParseFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestOpen_Files(t *testing.T) {
	dir := t.TempDir()
	src, err := Open(context.Background(), &config.Config{SourceDir: dir}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Files{}, src)

	_, err = Open(context.Background(), &config.Config{SourceDir: filepath.Join(dir, "missing")}, zap.NewNop())
	assert.Error(t, err)
}
