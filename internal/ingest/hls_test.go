package ingest

import (
	"testing"

	"github.com/jmylchreest/mediabuf/internal/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vodPlaylist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-MAP:URI="init.mp4"
#EXTINF:4.000000,
seg0.m4s
#EXTINF:4.000000,
seg1.m4s
#EXTINF:2.000000,
seg2.m4s
#EXT-X-ENDLIST
`

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:4.000000,
seg10.m4s
#EXTINF:4.000000,
seg11.m4s
`

const multivariant = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-STREAM-INF:BANDWIDTH=1000000,CODECS="avc1.640028",RESOLUTION=1280x720
mid/stream.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=300000,CODECS="avc1.64001f",RESOLUTION=640x360
low/stream.m3u8
`

func TestParseMediaPlaylist_VOD(t *testing.T) {
	mp, err := ParseMediaPlaylist([]byte(vodPlaylist), "http://cdn.example.com/v/stream.m3u8", "v0", nil)
	require.NoError(t, err)

	assert.False(t, mp.Live)
	assert.InDelta(t, 4.0, mp.TargetDuration, 1e-9)
	assert.InDelta(t, 10.0, mp.DurationSec, 1e-9)

	refs, err := mp.Index.Segments("v0", 0, 10)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "http://cdn.example.com/v/seg0.m4s", refs[0].Media)
	assert.Equal(t, int64(0), refs[0].Time)
	assert.Equal(t, int64(4*Timescale), refs[1].Time)

	init, ok := mp.Index.InitSegment("v0")
	require.True(t, ok)
	assert.Equal(t, "http://cdn.example.com/v/init.mp4", init.Media)

	assert.False(t, mp.Index.ShouldRefresh(0, 0, 100))
}

func TestParseMediaPlaylist_Live(t *testing.T) {
	mp, err := ParseMediaPlaylist([]byte(livePlaylist), "http://cdn.example.com/live.m3u8", "v0", nil)
	require.NoError(t, err)

	assert.True(t, mp.Live)
	assert.True(t, mp.Index.ShouldRefresh(0, 0, 100))

	refs, err := mp.Index.Segments("v0", 0, 8)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(10), refs[0].Number)
	assert.Equal(t, int64(11), refs[1].Number)
}

func TestParseMediaPlaylist_RejectsMultivariant(t *testing.T) {
	_, err := ParseMediaPlaylist([]byte(multivariant), "http://cdn.example.com/master.m3u8", "v0", nil)
	assert.Error(t, err)
}

func TestParseMultivariant(t *testing.T) {
	variants, err := ParseMultivariant([]byte(multivariant), "http://cdn.example.com/master.m3u8")
	require.NoError(t, err)
	require.Len(t, variants, 2)

	assert.Equal(t, "http://cdn.example.com/mid/stream.m3u8", variants[0].URI)
	assert.Equal(t, 1_000_000, variants[0].Bandwidth)
	assert.Equal(t, 1280, variants[0].Width)
	assert.Equal(t, 720, variants[0].Height)
	assert.Equal(t, "avc1.640028", variants[0].Codec)
	assert.Equal(t, 300_000, variants[1].Bandwidth)
}

func TestRefresh_GrowsLiveIndex(t *testing.T) {
	mp, err := ParseMediaPlaylist([]byte(livePlaylist), "http://cdn.example.com/live.m3u8", "v0", nil)
	require.NoError(t, err)

	grown := livePlaylist + "#EXTINF:4.000000,\nseg12.m3u8\n"
	live, err := Refresh(mp.Index, []byte(grown), "http://cdn.example.com/live.m3u8", "v0")
	require.NoError(t, err)
	assert.True(t, live)
	assert.InDelta(t, 12.0, mp.Index.LastPosition(), 1e-9)
}

func TestAdaptation_BuildsRepresentations(t *testing.T) {
	mpA, err := ParseMediaPlaylist([]byte(vodPlaylist), "http://cdn.example.com/a/s.m3u8", "video-r0", nil)
	require.NoError(t, err)
	mpB, err := ParseMediaPlaylist([]byte(vodPlaylist), "http://cdn.example.com/b/s.m3u8", "video-r1", nil)
	require.NoError(t, err)

	variants := []Variant{
		{URI: "a", Bandwidth: 300_000, Width: 640, Height: 360},
		{URI: "b", Bandwidth: 1_000_000, Width: 1280, Height: 720},
	}
	a, err := Adaptation("video", variants, []*index.ListIndex{mpA.Index, mpB.Index})
	require.NoError(t, err)
	require.Len(t, a.Representations, 2)
	assert.Equal(t, 300_000, a.Representations[0].Bitrate)
	assert.NotNil(t, a.Representations[1].Index)

	_, err = Adaptation("video", variants, nil)
	assert.Error(t, err)
}
