package uploader

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/albinoxes/betl-vision-solution/internal/csvagg"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
)

type memSettings struct {
	project store.ProjectSettings
	server  *store.SftpServer
	err     error
}

func (m *memSettings) CurrentProject() (store.ProjectSettings, error) {
	return m.project, m.err
}

func (m *memSettings) CurrentSftpServer() (*store.SftpServer, error) {
	return m.server, m.err
}

// memRemote is an in-memory SFTP session.
type memRemote struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
}

func newMemRemote() *memRemote {
	return &memRemote{dirs: map[string]bool{}, files: map[string][]byte{}}
}

func (r *memRemote) Stat(path string) (os.FileInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirs[path] {
		return fakeInfo{}, nil
	}
	if _, ok := r.files[path]; ok {
		return fakeInfo{}, nil
	}
	return nil, os.ErrNotExist
}

func (r *memRemote) Mkdir(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirs[path] {
		return errors.New("exists")
	}
	r.dirs[path] = true
	return nil
}

func (r *memRemote) Create(path string) (io.WriteCloser, error) {
	return &memFile{remote: r, path: path}, nil
}

func (r *memRemote) Close() error { return nil }

type memFile struct {
	remote *memRemote
	path   string
	buf    bytes.Buffer
}

func (f *memFile) Write(p []byte) (int, error) { return f.buf.Write(p) }

func (f *memFile) Close() error {
	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	f.remote.files[f.path] = f.buf.Bytes()
	return nil
}

type fakeInfo struct{ os.FileInfo }

func writeArtifact(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("timestamp,image\n"), 0644))
	return path
}

func testSettings() *memSettings {
	return &memSettings{
		project: store.ProjectSettings{
			IrisMainFolder:          "iris_main_folder",
			IrisClassifierSubfolder: "iris_classifier_subfolder",
			IrisModelSubfolder:      "iris_model_subfolder",
		},
		server: &store.SftpServer{ServerName: "iris.example.com", Username: "edge", Password: "secret"},
	}
}

func TestOfferUploadsIntoStageSubfolder(t *testing.T) {
	defer goleak.VerifyNone(t)

	remote := newMemRemote()
	u := New(servicelog.Nop(), testSettings())
	u.dial = func(srv store.SftpServer) (remoteFS, error) {
		require.Equal(t, "iris.example.com", srv.ServerName)
		return remote, nil
	}
	u.Start()

	local := writeArtifact(t, "iris_model_subfolder_20260824_120000_000000.csv")
	require.True(t, u.OfferClosedArtifact(local, csvagg.StageDetector))

	require.Eventually(t, func() bool {
		return u.Stats().Processed == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, u.Stop(2*time.Second))

	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.True(t, remote.dirs["iris_main_folder"])
	require.True(t, remote.dirs["iris_main_folder/iris_model_subfolder"])
	want := "iris_main_folder/iris_model_subfolder/" + filepath.Base(local)
	require.Equal(t, []byte("timestamp,image\n"), remote.files[want])
}

func TestOfferDeclinedWithoutServer(t *testing.T) {
	defer goleak.VerifyNone(t)

	settings := testSettings()
	settings.server = nil
	u := New(servicelog.Nop(), settings)
	u.Start()
	defer u.Stop(time.Second)

	require.False(t, u.OfferClosedArtifact(writeArtifact(t, "a.csv"), csvagg.StageDetector))
	require.Zero(t, u.Stats().Queued)
}

func TestClassifierStageUsesClassifierSubfolder(t *testing.T) {
	defer goleak.VerifyNone(t)

	remote := newMemRemote()
	u := New(servicelog.Nop(), testSettings())
	u.dial = func(store.SftpServer) (remoteFS, error) { return remote, nil }
	u.Start()

	local := writeArtifact(t, "iris_classifier_subfolder_20260824_120000_000000.csv")
	require.True(t, u.OfferClosedArtifact(local, csvagg.StageClassifier))
	require.Eventually(t, func() bool {
		return u.Stats().Processed == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, u.Stop(2*time.Second))

	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.True(t, remote.dirs["iris_main_folder/iris_classifier_subfolder"])
}

func TestDialFailureCountsAsFailedJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	u := New(servicelog.Nop(), testSettings())
	u.dial = func(store.SftpServer) (remoteFS, error) { return nil, errors.New("refused") }
	u.Start()

	require.True(t, u.OfferClosedArtifact(writeArtifact(t, "b.csv"), csvagg.StageDetector))
	require.Eventually(t, func() bool {
		return u.Stats().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, u.Stop(2*time.Second))
}

func TestEnsureDirSkipsExistingLevels(t *testing.T) {
	remote := newMemRemote()
	remote.dirs["iris_main_folder"] = true

	require.NoError(t, ensureDir(remote, "iris_main_folder/iris_model_subfolder"))
	require.True(t, remote.dirs["iris_main_folder/iris_model_subfolder"])
	// Idempotent on the second walk.
	require.NoError(t, ensureDir(remote, "iris_main_folder/iris_model_subfolder"))
}
