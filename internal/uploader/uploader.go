// Package uploader ships closed CSV artifacts to the remote SFTP tree,
// one connection per job, FIFO and without retries.
package uploader

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/ssh"

	"github.com/albinoxes/betl-vision-solution/internal/csvagg"
	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/queue"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
)

const (
	// QueueSize bounds the upload backlog.
	QueueSize = 100

	// DefaultPort is used when the server record has no explicit port.
	DefaultPort = 22

	connectTimeout = 10 * time.Second
)

var (
	uploadsDone = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_uploads_total",
			Help: "Completed artifact uploads",
		},
		[]string{"stage"},
	)

	uploadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_upload_errors",
			Help: "Failed artifact uploads",
		},
		[]string{"stage"},
	)

	uploadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "uploader_upload_seconds",
		Help:    "Per-artifact upload latency",
		Buckets: prometheus.DefBuckets,
	})
)

// Settings is the configuration slice the uploader reads; *store.Store
// satisfies it.
type Settings interface {
	CurrentProject() (store.ProjectSettings, error)
	CurrentSftpServer() (*store.SftpServer, error)
}

// Job is one closed artifact bound for the remote tree. Credentials are
// snapshotted at offer time so a configuration change mid-queue cannot
// split a batch across servers.
type Job struct {
	LocalPath string
	RemoteDir string
	Stage     csvagg.Stage
	Server    store.SftpServer
}

// remoteFS is the slice of an SFTP session the uploader needs. The
// production implementation wraps a live connection; tests substitute a
// directory-backed fake.
type remoteFS interface {
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Create(path string) (io.WriteCloser, error)
	Close() error
}

type dialFunc func(srv store.SftpServer) (remoteFS, error)

// Uploader owns the upload queue. One consumer goroutine dials, copies
// and disconnects per job.
type Uploader struct {
	*queue.Worker[Job]
	logger   servicelog.Logger
	settings Settings
	dial     dialFunc
}

func New(logger servicelog.Logger, settings Settings) *Uploader {
	u := &Uploader{logger: logger, settings: settings, dial: dialSftp}
	u.Worker = queue.New(logger, "uploader", QueueSize, u.upload)
	return u
}

// OfferClosedArtifact implements csvagg.Offerer. Without a configured
// SFTP server the artifact stays local and the offer is declined.
func (u *Uploader) OfferClosedArtifact(localPath string, stage csvagg.Stage) bool {
	srv, err := u.settings.CurrentSftpServer()
	if err != nil {
		u.logger.Warn("cannot read sftp configuration", servicelog.Error(err))
		return false
	}
	if srv == nil {
		u.logger.Debug("no sftp server configured, artifact stays local",
			servicelog.String("path", localPath))
		return false
	}
	project, err := u.settings.CurrentProject()
	if err != nil {
		u.logger.Warn("cannot read project settings", servicelog.Error(err))
		return false
	}

	sub := project.IrisModelSubfolder
	if stage == csvagg.StageClassifier {
		sub = project.IrisClassifierSubfolder
	}
	job := Job{
		LocalPath: localPath,
		RemoteDir: path.Join(project.IrisMainFolder, sub),
		Stage:     stage,
		Server:    *srv,
	}
	if err := u.Enqueue(job); err != nil {
		u.logger.Warn("upload not queued",
			servicelog.String("path", localPath), servicelog.Error(err))
		return false
	}
	return true
}

func (u *Uploader) upload(job Job) error {
	begin := time.Now()
	err := u.uploadOnce(job)
	if err != nil {
		uploadErrors.WithLabelValues(string(job.Stage)).Inc()
		u.logger.Warn("upload failed",
			servicelog.String("path", job.LocalPath),
			servicelog.String("server", job.Server.ServerName),
			servicelog.Error(err))
		return err
	}
	uploadsDone.WithLabelValues(string(job.Stage)).Inc()
	uploadSeconds.Observe(time.Since(begin).Seconds())
	u.logger.Info("uploaded artifact",
		servicelog.String("path", job.LocalPath),
		servicelog.String("remote", path.Join(job.RemoteDir, path.Base(job.LocalPath))))
	return nil
}

func (u *Uploader) uploadOnce(job Job) error {
	local, err := os.Open(job.LocalPath)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	defer local.Close()

	fs, err := u.dial(job.Server)
	if err != nil {
		return err
	}
	defer fs.Close()

	if err := ensureDir(fs, job.RemoteDir); err != nil {
		return err
	}
	remote, err := fs.Create(path.Join(job.RemoteDir, path.Base(job.LocalPath)))
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrRemote, err)
	}
	if _, err := io.Copy(remote, local); err != nil {
		remote.Close()
		return fmt.Errorf("%w: %v", faults.ErrRemote, err)
	}
	if err := remote.Close(); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrRemote, err)
	}
	return nil
}

// ensureDir walks the ancestors of dir, creating each level that does
// not exist yet.
func ensureDir(fs remoteFS, dir string) error {
	built := ""
	for _, part := range splitPath(dir) {
		built = path.Join(built, part)
		if _, err := fs.Stat(built); err == nil {
			continue
		}
		if err := fs.Mkdir(built); err != nil {
			// A concurrent writer may have created it between the
			// stat and the mkdir.
			if _, statErr := fs.Stat(built); statErr != nil {
				return fmt.Errorf("%w: mkdir %s: %v", faults.ErrRemote, built, err)
			}
		}
	}
	return nil
}

func splitPath(dir string) []string {
	var parts []string
	for _, p := range strings.Split(path.Clean(dir), "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}

type sftpSession struct {
	client *sftp.Client
	conn   *ssh.Client
}

func (s *sftpSession) Stat(path string) (os.FileInfo, error)     { return s.client.Stat(path) }
func (s *sftpSession) Mkdir(path string) error                   { return s.client.Mkdir(path) }
func (s *sftpSession) Create(path string) (io.WriteCloser, error) { return s.client.Create(path) }

func (s *sftpSession) Close() error {
	s.client.Close()
	return s.conn.Close()
}

func dialSftp(srv store.SftpServer) (remoteFS, error) {
	addr := net.JoinHostPort(srv.ServerName, strconv.Itoa(DefaultPort))
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            srv.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(srv.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrConnect, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", faults.ErrConnect, err)
	}
	return &sftpSession{client: client, conn: conn}, nil
}
