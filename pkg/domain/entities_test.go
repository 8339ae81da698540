package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	for _, c := range Categories {
		got, err := ParseCategory(" " + string(c) + " ")
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCategory("thumbnails")
	assert.Error(t, err)
}

func TestPhotoNumber(t *testing.T) {
	n, ok := Photo(3).Value()
	assert.True(t, ok)
	assert.Equal(t, int32(3), n)
	assert.True(t, MissingPhoto.Missing())
	assert.True(t, math.IsNaN(MissingPhoto.Float()))
	assert.Equal(t, 3.0, Photo(3).Float())
}

func TestDecomposedImageConsistent(t *testing.T) {
	ok := DecomposedImage{Well: "B02", Photo: Photo(1)}
	assert.True(t, ok.Consistent())
	assert.False(t, DecomposedImage{Well: WellSentinel, Photo: Photo(1)}.Consistent())
	assert.False(t, DecomposedImage{Well: "B02", Photo: MissingPhoto}.Consistent())
}

func TestChannelMetadata(t *testing.T) {
	seen := map[string]bool{}
	for _, ch := range Channels {
		assert.NotEmpty(t, ch.Column())
		assert.NotEmpty(t, ch.Folder())
		assert.NotEmpty(t, ch.SourceColumn())
		assert.False(t, seen[ch.Column()], "duplicate column %s", ch.Column())
		seen[ch.Column()] = true
	}
	assert.Equal(t, "Ph_golgi", ChannelGolgi.Folder())
	assert.Equal(t, "Image_URL_OrigRNA", ChannelERBleed.SourceColumn())
}
