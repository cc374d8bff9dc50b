package framesink

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
)

type memIndex struct {
	mu   sync.Mutex
	recs []store.FrameRecord
}

func (m *memIndex) InsertFrame(rec store.FrameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestSaveCreatesSessionFolderLazily(t *testing.T) {
	root := t.TempDir()
	idx := &memIndex{}
	sink := New(servicelog.Nop(), Config{Root: root}, idx)

	at := time.Date(2026, 8, 24, 9, 30, 0, 123456000, time.UTC)
	rel, err := sink.Save("webcam_0", []byte{0xff, 0xd8, 0xff}, at)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rel, filepath.Join("webcam_0", "session_20260824_093000")), rel)
	require.True(t, strings.HasSuffix(rel, "frame_20260824_093000_123456.jpg"), rel)

	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xd8, 0xff}, data)

	require.Len(t, idx.recs, 1)
	require.Equal(t, "webcam_0", idx.recs[0].SourceKey)
	require.Equal(t, rel, idx.recs[0].RelativePath)
}

func TestSessionRollsOverAfterDuration(t *testing.T) {
	sink := New(servicelog.Nop(), Config{Root: t.TempDir(), SessionDuration: 15 * time.Minute}, nil)

	start := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	_, err := sink.Save("webcam_0", []byte{0xff, 0xd8}, start)
	require.NoError(t, err)
	first := sink.CurrentSession("webcam_0")

	// Same folder within the window.
	_, err = sink.Save("webcam_0", []byte{0xff, 0xd8}, start.Add(14*time.Minute))
	require.NoError(t, err)
	require.Equal(t, first, sink.CurrentSession("webcam_0"))

	// New folder at the boundary.
	_, err = sink.Save("webcam_0", []byte{0xff, 0xd8}, start.Add(15*time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, first, sink.CurrentSession("webcam_0"))
}

func TestResetForcesFreshSession(t *testing.T) {
	sink := New(servicelog.Nop(), Config{Root: t.TempDir()}, nil)
	at := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	_, err := sink.Save("simulator_0", []byte{0xff, 0xd8}, at)
	require.NoError(t, err)
	first := sink.CurrentSession("simulator_0")
	require.NotEmpty(t, first)

	sink.Reset("simulator_0")
	_, err = sink.Save("simulator_0", []byte{0xff, 0xd8}, at.Add(time.Second))
	require.NoError(t, err)
	require.NotEqual(t, first, sink.CurrentSession("simulator_0"))
}

func TestSessionMapEviction(t *testing.T) {
	sink := New(servicelog.Nop(), Config{
		Root:            t.TempDir(),
		SessionDuration: time.Minute,
		MaxSessions:     3,
	}, nil)

	old := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	for i, key := range []string{"a_0", "b_0", "c_0"} {
		_, err := sink.Save(key, []byte{0xff, 0xd8}, old.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	// A save far in the future pushes the map past the cap and evicts
	// the entries older than twice the session duration.
	_, err := sink.Save("d_0", []byte{0xff, 0xd8}, old.Add(10*time.Minute))
	require.NoError(t, err)

	require.Empty(t, sink.CurrentSession("a_0"))
	require.NotEmpty(t, sink.CurrentSession("d_0"))
}
