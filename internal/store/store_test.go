package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(servicelog.Nop(), filepath.Join(t.TempDir(), "aggregator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProjectSettingsDefaultsSeeded(t *testing.T) {
	s := openTestStore(t)
	p, err := s.CurrentProject()
	require.NoError(t, err)
	require.Equal(t, "default_project", p.Title)
	require.Equal(t, 60, p.CSVIntervalSeconds)
	require.Equal(t, 1.0, p.ImageProcessingInterval)
	require.Equal(t, time.Minute, p.CSVInterval())
	require.Equal(t, time.Second, p.SamplingInterval())
}

func TestProjectSettingsUpdate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpdateProject(ProjectSettings{
		VMNumber:                "vm-7",
		Title:                   "quarry-east",
		IrisMainFolder:          "iris_main_folder",
		IrisClassifierSubfolder: "iris_classifier_subfolder",
		IrisModelSubfolder:      "iris_model_subfolder",
		CSVIntervalSeconds:      30,
		ImageProcessingInterval: 0.5,
	}))
	p, err := s.CurrentProject()
	require.NoError(t, err)
	require.Equal(t, "quarry-east", p.Title)
	require.Equal(t, 30, p.CSVIntervalSeconds)
}

func TestDetectorSettingsFallback(t *testing.T) {
	s := openTestStore(t)

	d, err := s.DetectorSettingsByName("")
	require.NoError(t, err)
	require.Equal(t, DefaultDetectorSettings(), d)

	_, err = s.DetectorSettingsByName("missing")
	require.ErrorIs(t, err, faults.ErrConfig)
}

func TestDetectorSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	in := DefaultDetectorSettings()
	in.Name = "coarse"
	in.MinConf = 0.6
	in.MinDDetect = 100
	require.NoError(t, s.SaveDetectorSettings(in))

	out, err := s.DetectorSettingsByName("coarse")
	require.NoError(t, err)
	require.Equal(t, 0.6, out.MinConf)
	require.Equal(t, PixelsPerMM, out.PixelsPerMM)

	all, err := s.ListDetectorSettings()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestClassNamesOrdered(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertStatus(StatusEntry{ID: 2, Name: "belt_running"}))
	require.NoError(t, s.UpsertStatus(StatusEntry{ID: 1, Name: "belt_empty"}))
	require.NoError(t, s.UpsertStatus(StatusEntry{ID: 3, Name: "belt_blocked"}))

	names, err := s.ClassNames()
	require.NoError(t, err)
	require.Equal(t, []string{"belt_empty", "belt_running", "belt_blocked"}, names)
}

func TestModelLookup(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveModel(ModelRecord{Name: "boulder", Version: "2.1.0", Kind: "detector", Path: "/models/boulder.onnx"}))

	m, err := s.ModelByID("boulder:2.1.0")
	require.NoError(t, err)
	require.Equal(t, "/models/boulder.onnx", m.Path)

	// Bare name defaults to version 1.0.0 and is absent.
	_, err = s.ModelByID("boulder")
	require.ErrorIs(t, err, faults.ErrConfig)

	// Empty id returns the first model.
	m, err = s.ModelByID("")
	require.NoError(t, err)
	require.Equal(t, "boulder", m.Name)
}

func TestSftpServerAbsentIsNil(t *testing.T) {
	s := openTestStore(t)
	srv, err := s.CurrentSftpServer()
	require.NoError(t, err)
	require.Nil(t, srv)

	require.NoError(t, s.SaveSftpServer(SftpServer{ServerName: "iris.example.com", Username: "edge", Password: "secret"}))
	srv, err = s.CurrentSftpServer()
	require.NoError(t, err)
	require.NotNil(t, srv)
	require.Equal(t, "iris.example.com", srv.ServerName)
}

func TestFrameIndex(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertFrame(FrameRecord{
			SourceKey:    "webcam_0",
			CapturedAt:   base.Add(time.Duration(i) * time.Second),
			RelativePath: "session_20260824_100000/frame.jpg",
		}))
	}
	recs, err := s.FramesBySource("webcam_0", 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	recs, err = s.FramesBySource("simulator_0", 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}
