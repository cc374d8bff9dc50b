package simsource

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/stream"
)

var fakeJPEG = []byte{0xff, 0xd8, 0xff, 0xdb, 0x00, 0x04, 0x01, 0x02}

func writeJPEG(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), fakeJPEG, 0644))
}

func TestScanFindsOnlyJPEGs(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	writeJPEG(t, dir, "b.jpg")
	writeJPEG(t, dir, "a.jpeg")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	src, err := New(servicelog.Nop(), dir)
	require.NoError(t, err)
	defer src.Close()

	files := src.Files()
	require.Len(t, files, 2)
	require.Equal(t, filepath.Join(dir, "a.jpeg"), files[0])
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	writeJPEG(t, dir, "first.jpg")
	src, err := New(servicelog.Nop(), dir)
	require.NoError(t, err)
	defer src.Close()

	writeJPEG(t, dir, "second.jpg")
	require.Eventually(t, func() bool {
		return len(src.Files()) == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStreamCyclesFolder(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	writeJPEG(t, dir, "a.jpg")
	writeJPEG(t, dir, "b.jpg")
	src, err := New(servicelog.Nop(), dir)
	require.NoError(t, err)
	defer src.Close()

	server := httptest.NewServer(src.Handler(100))
	defer server.Close()

	client := stream.NewClient(servicelog.Nop(), stream.Options{})
	defer client.Close()

	st, err := client.Open(context.Background(), server.URL+"/video")
	require.NoError(t, err)
	defer st.Close()

	framer := stream.NewFramer(servicelog.Nop(), st)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// More frames than files proves the playback loops.
	for i := 0; i < 5; i++ {
		frame, err := framer.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, fakeJPEG, frame)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	writeJPEG(t, dir, "a.jpg")
	src, err := New(servicelog.Nop(), dir)
	require.NoError(t, err)
	defer src.Close()

	server := httptest.NewServer(src.Handler(10))
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
