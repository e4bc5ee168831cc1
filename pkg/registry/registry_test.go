package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/pgdb/pgtest"
)

func testRegistry(t *testing.T, r Registry) {
	ctx := context.Background()

	a, err := r.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "example.com", a.Name)

	again, err := r.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := r.Resolve(ctx, "example.org")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	_, known, err := r.LastAccessed(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, known, "never accessed")

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Touch(ctx, a.ID, at))
	// An older touch does not move it back.
	require.NoError(t, r.Touch(ctx, a.ID, at.Add(-time.Hour)))
	last, known, err := r.LastAccessed(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, known)
	assert.True(t, at.Equal(last))

	_, _, err = r.LastAccessed(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrUnknownDomain)
	assert.ErrorIs(t, r.Touch(ctx, "00000000-0000-0000-0000-000000000000", at), ErrUnknownDomain)

	// Concurrent first resolution agrees on one id.
	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.Resolve(ctx, "concurrent.example")
			assert.NoError(t, err)
			ids[i] = d.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestMemory(t *testing.T) {
	testRegistry(t, NewMemory())
}

func TestPostgres(t *testing.T) {
	db := pgtest.Open(t)
	pgtest.Truncate(t, db, "domains")
	testRegistry(t, NewPostgres(db.Pool))
}
