//go:build integration

package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/forgehealth/pkg/config"
)

func setupMinIO(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start MinIO container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: Failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	store, err := New(ctx, config.ArchiveConfig{
		Endpoint:     "http://" + host + ":" + port.Port(),
		Region:       "us-east-1",
		Bucket:       "forgehealth-test",
		Prefix:       "snapshots",
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		UsePathStyle: true,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, store)
	return store
}

func TestArchiveMinIO(t *testing.T) {
	store := setupMinIO(t)
	ctx := context.Background()

	require.NoError(t, store.HealthCheck(ctx))
	assert.Equal(t, 0, store.PutMany(ctx, "releases", map[int64][]byte{7: []byte("snapshot")}))

	data, err := store.Get(ctx, "releases", 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), data)

	_, err = store.Get(ctx, "releases", 8)
	assert.ErrorIs(t, err, ErrNotFound)
}
