// Package store persists the configuration records the pipeline reads
// (project settings, detector parameters, class-status table, model
// catalog, SFTP credentials) and the frame index, in a single SQLite
// database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
)

// PixelsPerMM is derived from the fixed camera geometry (900 px over a
// 240 mm belt window), not stored per record.
const PixelsPerMM = 1.0 / (900.0 / 240.0)

const schema = `
CREATE TABLE IF NOT EXISTS project_settings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	vm_number TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT 'default_project',
	description TEXT NOT NULL DEFAULT '',
	iris_main_folder TEXT NOT NULL DEFAULT 'iris_main_folder',
	iris_classifier_subfolder TEXT NOT NULL DEFAULT 'iris_classifier_subfolder',
	iris_model_subfolder TEXT NOT NULL DEFAULT 'iris_model_subfolder',
	csv_interval_seconds INTEGER NOT NULL DEFAULT 60,
	image_processing_interval REAL NOT NULL DEFAULT 1.0,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS detector_settings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	min_conf REAL NOT NULL,
	min_d_detect REAL NOT NULL,
	min_d_save REAL NOT NULL,
	max_d_detect REAL NOT NULL,
	max_d_save REAL NOT NULL,
	particle_bb_dimension_factor REAL NOT NULL,
	est_particle_volume_x REAL NOT NULL,
	est_particle_volume_exp REAL NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS model_status (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ml_models (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	model_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	UNIQUE(name, version)
);
CREATE TABLE IF NOT EXISTS sftp_servers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_name TEXT NOT NULL,
	username TEXT NOT NULL,
	password TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS frame_index (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_key TEXT NOT NULL,
	captured_at TIMESTAMP NOT NULL,
	relative_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS frame_index_source ON frame_index(source_key, captured_at);
`

// Store wraps the SQLite handle. Safe for concurrent use.
type Store struct {
	logger servicelog.Logger
	db     *sql.DB
}

// Open creates or opens the database file and ensures the schema.
func Open(logger servicelog.Logger, path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", faults.ErrStorage, err)
	}
	s := &Store{logger: logger, db: db}
	if err := s.seed(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// seed makes sure there is always a current project-settings row.
func (s *Store) seed() error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM project_settings`).Scan(&n); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	if n == 0 {
		if _, err := s.db.Exec(`INSERT INTO project_settings DEFAULT VALUES`); err != nil {
			return fmt.Errorf("%w: %v", faults.ErrStorage, err)
		}
		s.logger.Info("seeded default project settings")
	}
	return nil
}

// ProjectSettings is the record the pipeline reads for folder layout
// and cadence configuration.
type ProjectSettings struct {
	VMNumber                string  `json:"vm_number"`
	Title                   string  `json:"title"`
	Description             string  `json:"description"`
	IrisMainFolder          string  `json:"iris_main_folder"`
	IrisClassifierSubfolder string  `json:"iris_classifier_subfolder"`
	IrisModelSubfolder      string  `json:"iris_model_subfolder"`
	CSVIntervalSeconds      int     `json:"csv_interval_seconds"`
	ImageProcessingInterval float64 `json:"image_processing_interval"`
}

// CSVInterval returns the artifact rollover interval.
func (p ProjectSettings) CSVInterval() time.Duration {
	return time.Duration(p.CSVIntervalSeconds) * time.Second
}

// SamplingInterval returns the per-stage minimum inter-processing gap.
func (p ProjectSettings) SamplingInterval() time.Duration {
	return time.Duration(p.ImageProcessingInterval * float64(time.Second))
}

// CurrentProject returns the most recent project settings row.
func (s *Store) CurrentProject() (ProjectSettings, error) {
	var p ProjectSettings
	err := s.db.QueryRow(`
		SELECT vm_number, title, description, iris_main_folder,
		       iris_classifier_subfolder, iris_model_subfolder,
		       csv_interval_seconds, image_processing_interval
		FROM project_settings ORDER BY id DESC LIMIT 1`).Scan(
		&p.VMNumber, &p.Title, &p.Description, &p.IrisMainFolder,
		&p.IrisClassifierSubfolder, &p.IrisModelSubfolder,
		&p.CSVIntervalSeconds, &p.ImageProcessingInterval)
	if err != nil {
		return ProjectSettings{}, fmt.Errorf("%w: project settings: %v", faults.ErrConfig, err)
	}
	return p, nil
}

// UpdateProject replaces the current project settings.
func (s *Store) UpdateProject(p ProjectSettings) error {
	if p.CSVIntervalSeconds <= 0 {
		p.CSVIntervalSeconds = 60
	}
	if p.ImageProcessingInterval <= 0 {
		p.ImageProcessingInterval = 1.0
	}
	_, err := s.db.Exec(`
		INSERT INTO project_settings (vm_number, title, description,
			iris_main_folder, iris_classifier_subfolder, iris_model_subfolder,
			csv_interval_seconds, image_processing_interval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.VMNumber, p.Title, p.Description, p.IrisMainFolder,
		p.IrisClassifierSubfolder, p.IrisModelSubfolder,
		p.CSVIntervalSeconds, p.ImageProcessingInterval)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return nil
}

// DetectorSettings carries the particle filter and derivation
// parameters. Immutable once loaded; shared by reference.
type DetectorSettings struct {
	Name              string  `json:"name"`
	MinConf           float64 `json:"min_conf"`
	MinDDetect        float64 `json:"min_d_detect"`
	MinDSave          float64 `json:"min_d_save"`
	MaxDDetect        float64 `json:"max_d_detect"`
	MaxDSave          float64 `json:"max_d_save"`
	BBDimensionFactor float64 `json:"particle_bb_dimension_factor"`
	VolumeX           float64 `json:"est_particle_volume_x"`
	VolumeExp         float64 `json:"est_particle_volume_exp"`
	PixelsPerMM       float64 `json:"-"`
}

// DefaultDetectorSettings mirrors the factory calibration.
func DefaultDetectorSettings() DetectorSettings {
	return DetectorSettings{
		Name:              "default",
		MinConf:           0.8,
		MinDDetect:        200,
		MinDSave:          200,
		MaxDDetect:        10000,
		MaxDSave:          10000,
		BBDimensionFactor: 0.9,
		VolumeX:           8.357470139e-11,
		VolumeExp:         3.02511466443,
		PixelsPerMM:       PixelsPerMM,
	}
}

// DetectorSettingsByName loads a named parameter set; an empty name
// returns the first stored set, falling back to the defaults when the
// table is empty.
func (s *Store) DetectorSettingsByName(name string) (DetectorSettings, error) {
	q := `SELECT name, min_conf, min_d_detect, min_d_save, max_d_detect, max_d_save,
	             particle_bb_dimension_factor, est_particle_volume_x, est_particle_volume_exp
	      FROM detector_settings`
	var row *sql.Row
	if name == "" {
		row = s.db.QueryRow(q + ` ORDER BY id LIMIT 1`)
	} else {
		row = s.db.QueryRow(q+` WHERE name = ?`, name)
	}
	var d DetectorSettings
	err := row.Scan(&d.Name, &d.MinConf, &d.MinDDetect, &d.MinDSave,
		&d.MaxDDetect, &d.MaxDSave, &d.BBDimensionFactor, &d.VolumeX, &d.VolumeExp)
	if errors.Is(err, sql.ErrNoRows) {
		if name == "" {
			return DefaultDetectorSettings(), nil
		}
		return DetectorSettings{}, fmt.Errorf("%w: detector settings %q not found", faults.ErrConfig, name)
	}
	if err != nil {
		return DetectorSettings{}, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	d.PixelsPerMM = PixelsPerMM
	return d, nil
}

// SaveDetectorSettings inserts or replaces a named parameter set.
func (s *Store) SaveDetectorSettings(d DetectorSettings) error {
	_, err := s.db.Exec(`
		INSERT INTO detector_settings (name, min_conf, min_d_detect, min_d_save,
			max_d_detect, max_d_save, particle_bb_dimension_factor,
			est_particle_volume_x, est_particle_volume_exp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			min_conf=excluded.min_conf,
			min_d_detect=excluded.min_d_detect,
			min_d_save=excluded.min_d_save,
			max_d_detect=excluded.max_d_detect,
			max_d_save=excluded.max_d_save,
			particle_bb_dimension_factor=excluded.particle_bb_dimension_factor,
			est_particle_volume_x=excluded.est_particle_volume_x,
			est_particle_volume_exp=excluded.est_particle_volume_exp,
			updated_at=CURRENT_TIMESTAMP`,
		d.Name, d.MinConf, d.MinDDetect, d.MinDSave, d.MaxDDetect, d.MaxDSave,
		d.BBDimensionFactor, d.VolumeX, d.VolumeExp)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return nil
}

// ListDetectorSettings returns every stored parameter set.
func (s *Store) ListDetectorSettings() ([]DetectorSettings, error) {
	rows, err := s.db.Query(`
		SELECT name, min_conf, min_d_detect, min_d_save, max_d_detect, max_d_save,
		       particle_bb_dimension_factor, est_particle_volume_x, est_particle_volume_exp
		FROM detector_settings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	defer rows.Close()
	var out []DetectorSettings
	for rows.Next() {
		var d DetectorSettings
		if err := rows.Scan(&d.Name, &d.MinConf, &d.MinDDetect, &d.MinDSave,
			&d.MaxDDetect, &d.MaxDSave, &d.BBDimensionFactor, &d.VolumeX, &d.VolumeExp); err != nil {
			return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
		}
		d.PixelsPerMM = PixelsPerMM
		out = append(out, d)
	}
	return out, rows.Err()
}

// StatusEntry is one row of the class-status table.
type StatusEntry struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ClassNames returns the status names ordered by id, for index-to-tag
// resolution in the classifier worker.
func (s *Store) ClassNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM model_status ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListStatuses returns the full class-status table.
func (s *Store) ListStatuses() ([]StatusEntry, error) {
	rows, err := s.db.Query(`SELECT id, name FROM model_status ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	defer rows.Close()
	var out []StatusEntry
	for rows.Next() {
		var e StatusEntry
		if err := rows.Scan(&e.ID, &e.Name); err != nil {
			return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertStatus inserts or updates one class-status entry.
func (s *Store) UpsertStatus(e StatusEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO model_status (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name`, e.ID, e.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return nil
}

// DeleteStatus removes one entry.
func (s *Store) DeleteStatus(id int) error {
	_, err := s.db.Exec(`DELETE FROM model_status WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return nil
}

// ModelRecord points at a model blob on disk.
type ModelRecord struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Kind        string `json:"model_type"`
	Description string `json:"description"`
	Path        string `json:"path"`
}

// ModelByID resolves "name:version" or "name" (version defaults to
// 1.0.0); an empty id returns the first stored model.
func (s *Store) ModelByID(id string) (ModelRecord, error) {
	var row *sql.Row
	if id == "" {
		row = s.db.QueryRow(`SELECT name, version, model_type, description, path FROM ml_models ORDER BY id LIMIT 1`)
	} else {
		name, version := splitModelID(id)
		row = s.db.QueryRow(`SELECT name, version, model_type, description, path FROM ml_models WHERE name = ? AND version = ?`, name, version)
	}
	var m ModelRecord
	err := row.Scan(&m.Name, &m.Version, &m.Kind, &m.Description, &m.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelRecord{}, fmt.Errorf("%w: model %q not found", faults.ErrConfig, id)
	}
	if err != nil {
		return ModelRecord{}, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return m, nil
}

// SaveModel registers a model blob.
func (s *Store) SaveModel(m ModelRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO ml_models (name, version, model_type, description, path)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET
			model_type=excluded.model_type,
			description=excluded.description,
			path=excluded.path`,
		m.Name, m.Version, m.Kind, m.Description, m.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return nil
}

// ListModels returns the model catalog.
func (s *Store) ListModels() ([]ModelRecord, error) {
	rows, err := s.db.Query(`SELECT name, version, model_type, description, path FROM ml_models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	defer rows.Close()
	var out []ModelRecord
	for rows.Next() {
		var m ModelRecord
		if err := rows.Scan(&m.Name, &m.Version, &m.Kind, &m.Description, &m.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func splitModelID(id string) (name, version string) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i], id[i+1:]
		}
	}
	return id, "1.0.0"
}

// SftpServer holds the remote endpoint credentials.
type SftpServer struct {
	ServerName string `json:"server_name"`
	Username   string `json:"username"`
	Password   string `json:"-"`
}

// CurrentSftpServer returns the configured SFTP endpoint, or nil when
// none is configured (uploads are then skipped).
func (s *Store) CurrentSftpServer() (*SftpServer, error) {
	var srv SftpServer
	err := s.db.QueryRow(`SELECT server_name, username, password FROM sftp_servers ORDER BY id DESC LIMIT 1`).
		Scan(&srv.ServerName, &srv.Username, &srv.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return &srv, nil
}

// SaveSftpServer replaces the configured SFTP endpoint.
func (s *Store) SaveSftpServer(srv SftpServer) error {
	_, err := s.db.Exec(`INSERT INTO sftp_servers (server_name, username, password) VALUES (?, ?, ?)`,
		srv.ServerName, srv.Username, srv.Password)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return nil
}

// FrameRecord is one saved frame reference.
type FrameRecord struct {
	SourceKey    string    `json:"source_key"`
	CapturedAt   time.Time `json:"captured_at"`
	RelativePath string    `json:"relative_path"`
}

// InsertFrame records a saved JPEG in the frame index.
func (s *Store) InsertFrame(rec FrameRecord) error {
	_, err := s.db.Exec(`INSERT INTO frame_index (source_key, captured_at, relative_path) VALUES (?, ?, ?)`,
		rec.SourceKey, rec.CapturedAt, rec.RelativePath)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return nil
}

// FramesBySource lists the frame index for one source in capture order.
func (s *Store) FramesBySource(sourceKey string, limit int) ([]FrameRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT source_key, captured_at, relative_path FROM frame_index
		WHERE source_key = ? ORDER BY captured_at DESC LIMIT ?`, sourceKey, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	defer rows.Close()
	var out []FrameRecord
	for rows.Next() {
		var r FrameRecord
		if err := rows.Scan(&r.SourceKey, &r.CapturedAt, &r.RelativePath); err != nil {
			return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
