// Package inference bridges the pipeline's model contracts to an HTTP
// inference backend. A model record's path column holds the backend
// base URL; frames are posted as JPEG and detections come back as JSON.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/url"
	"time"

	"github.com/albinoxes/betl-vision-solution/internal/classifier"
	"github.com/albinoxes/betl-vision-solution/internal/detector"
	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
)

// DefaultTimeout bounds one inference round trip.
const DefaultTimeout = 30 * time.Second

// Store is the model-record lookup the loader needs; *store.Store
// satisfies it.
type Store interface {
	ModelByID(id string) (store.ModelRecord, error)
}

// Loader resolves model ids against the model table and returns HTTP
// backed implementations of the stage contracts.
type Loader struct {
	logger servicelog.Logger
	store  Store
	client *http.Client
}

func NewLoader(logger servicelog.Logger, st Store, timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Loader{
		logger: logger,
		store:  st,
		client: &http.Client{Timeout: timeout},
	}
}

// LoadDetector implements detector.Loader.
func (l *Loader) LoadDetector(id string) (detector.Model, error) {
	base, err := l.resolve(id, "detector")
	if err != nil {
		return nil, err
	}
	return &httpDetector{client: l.client, base: base}, nil
}

// LoadClassifier implements classifier.Loader.
func (l *Loader) LoadClassifier(id string) (classifier.Model, error) {
	base, err := l.resolve(id, "classifier")
	if err != nil {
		return nil, err
	}
	return &httpClassifier{client: l.client, base: base}, nil
}

func (l *Loader) resolve(id, kind string) (string, error) {
	rec, err := l.store.ModelByID(id)
	if err != nil {
		return "", err
	}
	if rec.Kind != "" && rec.Kind != kind {
		return "", fmt.Errorf("%w: model %q is a %s, not a %s", faults.ErrConfig, id, rec.Kind, kind)
	}
	parsed, err := url.Parse(rec.Path)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: model %q has no backend url (path=%q)", faults.ErrConfig, id, rec.Path)
	}
	l.logger.Debug("resolved model backend",
		servicelog.String("model", id), servicelog.String("backend", rec.Path))
	return rec.Path, nil
}

type detection struct {
	Conf float64    `json:"conf"`
	Box  [4]float64 `json:"box"`
}

type detectResponse struct {
	Detections []detection `json:"detections"`
}

type httpDetector struct {
	client *http.Client
	base   string
}

func (d *httpDetector) Detect(ctx context.Context, img image.Image, minConf float64, class int) ([]detector.Box, error) {
	endpoint := fmt.Sprintf("%s/detect?min_conf=%g&class=%d", d.base, minConf, class)
	var resp detectResponse
	if err := post(ctx, d.client, endpoint, img, &resp); err != nil {
		return nil, err
	}
	boxes := make([]detector.Box, 0, len(resp.Detections))
	for _, det := range resp.Detections {
		boxes = append(boxes, detector.Box{
			Conf: det.Conf,
			X1:   det.Box[0], Y1: det.Box[1],
			X2: det.Box[2], Y2: det.Box[3],
		})
	}
	return boxes, nil
}

type classifyResponse struct {
	Class int `json:"class"`
}

type httpClassifier struct {
	client *http.Client
	base   string
}

func (c *httpClassifier) Classify(ctx context.Context, img image.Image) (int, error) {
	var resp classifyResponse
	if err := post(ctx, c.client, c.base+"/classify", img, &resp); err != nil {
		return 0, err
	}
	return resp.Class, nil
}

func post(ctx context.Context, client *http.Client, endpoint string, img image.Image, out any) error {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, nil); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInference, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInference, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInference, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: backend returned %d", faults.ErrInference, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInference, err)
	}
	return nil
}
