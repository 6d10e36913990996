package coalescer

import (
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
)

func TestTranslate_MapsOps(t *testing.T) {
	t.Parallel()

	now := time.Now()

	cases := []struct {
		op   fsnotify.Op
		kind RawKind
		ok   bool
	}{
		{fsnotify.Create, RawCreate, true},
		{fsnotify.Write, RawModifyData, true},
		{fsnotify.Rename, RawModifyNameFrom, true},
		{fsnotify.Remove, RawRemove, true},
		{fsnotify.Chmod, 0, false},
	}

	for _, tc := range cases {
		ev, ok := Translate(fsnotify.Event{Name: "/tmp/a", Op: tc.op}, now)
		assert.Equal(t, tc.ok, ok)

		if tc.ok {
			assert.Equal(t, tc.kind, ev.Kind)
		}
	}
}

func TestPairRenames_JoinsFromCreateAdjacentPair(t *testing.T) {
	t.Parallel()

	now := time.Now()
	batch := []RawEvent{
		{Kind: RawModifyNameFrom, Paths: []string{"/tmp/old"}, Timestamp: now},
		{Kind: RawCreate, Paths: []string{"/tmp/new"}, Timestamp: now.Add(time.Millisecond)},
	}

	out := PairRenames(batch, nil)
	require := assert.New(t)
	require.Len(out, 2)
	require.Equal(RawModifyNameFrom, out[0].Kind)
	require.Equal("/tmp/old", out[0].Paths[0])
	require.Equal(RawModifyNameTo, out[1].Kind)
	require.Equal("/tmp/new", out[1].Paths[0])
}

func TestPairRenames_LeavesUnpairedEventsAlone(t *testing.T) {
	t.Parallel()

	now := time.Now()
	batch := []RawEvent{
		{Kind: RawModifyData, Paths: []string{"/tmp/a"}, Timestamp: now},
	}

	out := PairRenames(batch, nil)
	assert.Len(t, out, 1)
	assert.Equal(t, RawModifyData, out[0].Kind)
}

func TestNormalizePath_CollapsesSlashesAndToSlash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a/b", normalizePath("a//b/"))
}
