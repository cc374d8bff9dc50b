// Package httpapi is the control surface of the aggregator: task
// start/stop, status, configuration CRUD, device listing, metrics and
// the visualization passthrough.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albinoxes/betl-vision-solution/internal/broker"
	"github.com/albinoxes/betl-vision-solution/internal/classifier"
	"github.com/albinoxes/betl-vision-solution/internal/detector"
	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/health"
	"github.com/albinoxes/betl-vision-solution/internal/queue"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
	"github.com/albinoxes/betl-vision-solution/internal/stream"
	"github.com/albinoxes/betl-vision-solution/internal/supervisor"
)

// DefaultDeviceQueryTimeout bounds one upstream /devices request.
const DefaultDeviceQueryTimeout = 3 * time.Second

// Upstream is one configured source server.
type Upstream struct {
	Kind    string // webcam, legacy, simulator
	BaseURL string
}

// StreamURL builds the MJPEG endpoint for a device of this upstream.
func (u Upstream) StreamURL(deviceID int) string {
	return fmt.Sprintf("%s/video?id=%d", u.BaseURL, deviceID)
}

// HealthURL is the upstream device/health listing.
func (u Upstream) HealthURL() string {
	return u.BaseURL + "/devices"
}

// Config tunes the control surface.
type Config struct {
	Upstreams          []Upstream
	DeviceQueryTimeout time.Duration
}

func (c *Config) check() {
	if c.DeviceQueryTimeout <= 0 {
		c.DeviceQueryTimeout = DefaultDeviceQueryTimeout
	}
}

// StatsSource exposes worker counters; every *queue.Worker satisfies it.
type StatsSource interface {
	Stats() queue.Stats
}

// Loaders resolves model ids for the visualization path.
type Loaders interface {
	detector.Loader
	classifier.Loader
}

// API carries the handler dependencies.
type API struct {
	logger     servicelog.Logger
	cfg        Config
	supervisor *supervisor.Supervisor
	store      *store.Store
	health     *health.Service
	streams    *stream.Client
	loaders    Loaders
	workers    map[string]StatsSource
	devices    *http.Client

	mu      sync.Mutex
	brokers map[string]*broker.Broker
}

func New(logger servicelog.Logger, cfg Config, sup *supervisor.Supervisor,
	st *store.Store, monitors *health.Service, streams *stream.Client,
	loaders Loaders, workers map[string]StatsSource) *API {
	cfg.check()
	a := &API{
		logger:     logger,
		cfg:        cfg,
		supervisor: sup,
		store:      st,
		health:     monitors,
		streams:    streams,
		loaders:    loaders,
		workers:    workers,
		brokers:    make(map[string]*broker.Broker),
		devices:    &http.Client{Timeout: cfg.DeviceQueryTimeout},
	}
	return a
}

// Close stops the visualization brokers.
func (a *API) Close() {
	a.mu.Lock()
	brokers := make([]*broker.Broker, 0, len(a.brokers))
	for _, b := range a.brokers {
		brokers = append(brokers, b)
	}
	a.mu.Unlock()
	for _, b := range brokers {
		b.Stop()
	}
}

// brokerFor returns the shared fan-out for one (kind, device),
// creating it on first use.
func (a *API) brokerFor(up Upstream, deviceID int) *broker.Broker {
	key := fmt.Sprintf("%s_%d", up.Kind, deviceID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.brokers[key]; ok {
		return b
	}
	b := broker.NewMJPEG(a.logger, a.streams, key, up.StreamURL(deviceID))
	a.brokers[key] = b
	return b
}

// Router builds the chi mux.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/devices", a.listDevices)
	r.Post("/detection/start", a.startDetection)
	r.Post("/detection/stop", a.stopDetection)
	r.Get("/detection/status", a.detectionStatus)
	r.Get("/health/servers", a.healthServers)

	r.Get("/video", a.video("webcam"))
	r.Get("/legacy-camera-video/{id}", a.video("legacy"))
	r.Get("/simulator-video", a.video("simulator"))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/project", func(r chi.Router) {
		r.Get("/", a.getProject)
		r.Put("/", a.putProject)
	})
	r.Route("/detection-settings", func(r chi.Router) {
		r.Get("/", a.listDetectionSettings)
		r.Get("/{name}", a.getDetectionSettings)
		r.Post("/", a.saveDetectionSettings)
	})
	r.Route("/model-status", func(r chi.Router) {
		r.Get("/", a.listStatuses)
		r.Post("/", a.saveStatus)
		r.Delete("/{id}", a.deleteStatus)
	})
	r.Route("/models", func(r chi.Router) {
		r.Get("/", a.listModels)
		r.Post("/", a.saveModel)
	})
	r.Route("/sftp-servers", func(r chi.Router) {
		r.Get("/", a.getSftpServer)
		r.Post("/", a.saveSftpServer)
	})
	return r
}

func (a *API) upstream(kind string) (Upstream, bool) {
	for _, up := range a.cfg.Upstreams {
		if up.Kind == kind {
			return up, true
		}
	}
	return Upstream{}, false
}

// deviceListing is the aggregated answer of one upstream server.
type deviceListing struct {
	Server  string          `json:"server"`
	Status  string          `json:"status"`
	Devices json.RawMessage `json:"devices,omitempty"`
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	out := make([]deviceListing, 0, len(a.cfg.Upstreams))
	for _, up := range a.cfg.Upstreams {
		listing := deviceListing{Server: up.Kind, Status: "ok"}
		resp, err := a.devices.Get(up.HealthURL())
		if err != nil {
			listing.Status = "unreachable"
			out = append(out, listing)
			continue
		}
		var devices json.RawMessage
		if resp.StatusCode != http.StatusOK {
			listing.Status = fmt.Sprintf("status %d", resp.StatusCode)
		} else if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
			listing.Status = "bad response"
		} else {
			listing.Devices = devices
		}
		resp.Body.Close()
		out = append(out, listing)
	}
	writeJSON(w, http.StatusOK, out)
}

type startRequest struct {
	Type       string `json:"type"`
	ID         int    `json:"id"`
	Model      string `json:"model"`
	Classifier string `json:"classifier"`
	Settings   string `json:"settings"`
}

func (a *API) startDetection(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	up, ok := a.upstream(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source type %q", req.Type))
		return
	}
	source := supervisor.Source{
		Kind:      req.Type,
		DeviceID:  req.ID,
		StreamURL: up.StreamURL(req.ID),
		HealthURL: up.HealthURL(),
	}
	key, err := a.supervisor.StartTask(source, supervisor.Options{
		DetectorID:   req.Model,
		ClassifierID: req.Classifier,
		SettingsName: req.Settings,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"thread_id": key})
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrSourceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, faults.ErrConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type stopRequest struct {
	ThreadID string `json:"thread_id"`
}

func (a *API) stopDetection(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.supervisor.StopTask(req.ThreadID, 0); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": req.ThreadID, "status": "stopped"})
}

func (a *API) detectionStatus(w http.ResponseWriter, r *http.Request) {
	workers := make(map[string]queue.Stats, len(a.workers))
	for name, source := range a.workers {
		workers[name] = source.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":   a.supervisor.Tasks(),
		"workers": workers,
	})
}

func (a *API) healthServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.health.Snapshot())
}

func (a *API) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := a.store.CurrentProject()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (a *API) putProject(w http.ResponseWriter, r *http.Request) {
	var project store.ProjectSettings
	if err := json.NewDecoder(r.Body).Decode(&project); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.store.UpdateProject(project); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (a *API) listDetectionSettings(w http.ResponseWriter, r *http.Request) {
	all, err := a.store.ListDetectorSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (a *API) getDetectionSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.store.DetectorSettingsByName(chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, faults.ErrConfig) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) saveDetectionSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.DetectorSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if settings.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := a.store.SaveDetectorSettings(settings); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) listStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.store.ListStatuses()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (a *API) saveStatus(w http.ResponseWriter, r *http.Request) {
	var entry store.StatusEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.store.UpsertStatus(entry); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) deleteStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status id")
		return
	}
	if err := a.store.DeleteStatus(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := a.store.ListModels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (a *API) saveModel(w http.ResponseWriter, r *http.Request) {
	var rec store.ModelRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rec.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := a.store.SaveModel(rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) getSftpServer(w http.ResponseWriter, r *http.Request) {
	srv, err := a.store.CurrentSftpServer()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if srv == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	// The password is never echoed back.
	writeJSON(w, http.StatusOK, srv)
}

func (a *API) saveSftpServer(w http.ResponseWriter, r *http.Request) {
	var srv struct {
		ServerName string `json:"server_name"`
		Username   string `json:"username"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&srv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if srv.ServerName == "" {
		writeError(w, http.StatusBadRequest, "server_name is required")
		return
	}
	err := a.store.SaveSftpServer(store.SftpServer{
		ServerName: srv.ServerName,
		Username:   srv.Username,
		Password:   srv.Password,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"server_name": srv.ServerName})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
