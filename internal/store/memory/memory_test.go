package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jstrand/listcrawld/internal/crawl"
)

func TestEmptyStore(t *testing.T) {
	t.Parallel()

	s := New()
	pos, err := s.MaxAddressedPosition(context.Background())
	require.NoError(t, err)
	require.Nil(t, pos)

	total, err := s.CountTotal(context.Background())
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestSaveTracksMaxPositionAndDuplicates(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.Save(context.Background(), []crawl.Product{
		{URL: "a", Position: crawl.Position{PageID: 0, IndexInPage: 5}},
		{URL: "b", Position: crawl.Position{PageID: 2, IndexInPage: 1}},
		{URL: "a", Position: crawl.Position{PageID: 1, IndexInPage: 0}},
	})
	require.NoError(t, err)

	pos, err := s.MaxAddressedPosition(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.Equal(t, crawl.Position{PageID: 2, IndexInPage: 1}, *pos)

	total, err := s.CountTotal(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, total)

	dups, err := s.CountDuplicates(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, dups)
}

func TestSaveUpsertsByPosition(t *testing.T) {
	t.Parallel()

	s := New()
	pos := crawl.Position{PageID: 0, IndexInPage: 0}
	require.NoError(t, s.Save(context.Background(), []crawl.Product{{URL: "old", Position: pos}}))
	require.NoError(t, s.Save(context.Background(), []crawl.Product{{URL: "new", Position: pos}}))

	total, err := s.CountTotal(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, total)

	got, ok := s.Get(pos)
	require.True(t, ok)
	require.Equal(t, "new", got.URL)

	dups, err := s.CountDuplicates(context.Background())
	require.NoError(t, err)
	require.Zero(t, dups)
}
