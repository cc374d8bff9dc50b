package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/albinoxes/betl-vision-solution/internal/classifier"
	"github.com/albinoxes/betl-vision-solution/internal/detector"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
)

var boxColor = color.RGBA{R: 0xff, G: 0x45, B: 0x00, A: 0xff}

// video returns the passthrough handler for one source kind. With
// model or classifier query parameters set, frames are decoded,
// annotated and re-encoded; otherwise upstream bytes pass unchanged.
// The visualization path never touches the data-collection pipeline.
func (a *API) video(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		up, ok := a.upstream(kind)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no %s upstream configured", kind))
			return
		}
		deviceID := 0
		if raw := chi.URLParam(r, "id"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid device id")
				return
			}
			deviceID = id
		}

		annotator, err := a.newAnnotator(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		frames, unsubscribe := a.brokerFor(up, deviceID).Subscribe()
		defer unsubscribe()

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		for {
			select {
			case <-r.Context().Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if annotator != nil {
					frame = annotator.annotate(r.Context(), frame)
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
					return
				}
				if _, err := w.Write(frame); err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// annotator overlays detections and/or a status label onto frames for
// display.
type annotator struct {
	logger   servicelog.Logger
	detModel detector.Model
	detSet   struct {
		minConf float64
	}
	clsModel classifier.Model
	names    []string
}

// newAnnotator resolves the query parameters; nil means plain
// passthrough.
func (a *API) newAnnotator(r *http.Request) (*annotator, error) {
	modelID := r.URL.Query().Get("model")
	classifierID := r.URL.Query().Get("classifier")
	if modelID == "" && classifierID == "" {
		return nil, nil
	}

	ann := &annotator{logger: a.logger}
	if modelID != "" {
		model, err := a.loaders.LoadDetector(modelID)
		if err != nil {
			return nil, fmt.Errorf("model %q: %v", modelID, err)
		}
		set, err := a.store.DetectorSettingsByName(r.URL.Query().Get("settings"))
		if err != nil {
			return nil, err
		}
		ann.detModel = model
		ann.detSet.minConf = set.MinConf
	}
	if classifierID != "" {
		model, err := a.loaders.LoadClassifier(classifierID)
		if err != nil {
			return nil, fmt.Errorf("classifier %q: %v", classifierID, err)
		}
		names, err := a.store.ClassNames()
		if err != nil {
			return nil, err
		}
		ann.clsModel = model
		ann.names = names
	}
	return ann, nil
}

// annotate decodes, overlays and re-encodes one frame. Any failure
// returns the original bytes so the stream keeps flowing.
func (ann *annotator) annotate(ctx context.Context, frame []byte) []byte {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return frame
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)

	if ann.detModel != nil {
		boxes, err := ann.detModel.Detect(ctx, rgba, ann.detSet.minConf, detector.ParticleClass)
		if err != nil {
			ann.logger.Debug("annotation detect failed", servicelog.Error(err))
		}
		for _, b := range boxes {
			drawRect(rgba, image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)), 2)
			drawLabel(rgba, int(b.X1), int(b.Y1)-4, fmt.Sprintf("%.2f", b.Conf))
		}
	}
	if ann.clsModel != nil {
		idx, err := ann.clsModel.Classify(ctx, classifier.Normalize(rgba, classifier.InputSize))
		if err != nil {
			ann.logger.Debug("annotation classify failed", servicelog.Error(err))
		} else if len(ann.names) > 0 {
			if idx < 0 {
				idx = 0
			}
			if idx >= len(ann.names) {
				idx = len(ann.names) - 1
			}
			drawLabel(rgba, 8, 16, ann.names[idx])
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, nil); err != nil {
		return frame
	}
	return buf.Bytes()
}

// drawRect strokes an axis-aligned rectangle.
func drawRect(img *image.RGBA, rect image.Rectangle, thickness int) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	for t := 0; t < thickness; t++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetRGBA(x, rect.Min.Y+t, boxColor)
			img.SetRGBA(x, rect.Max.Y-1-t, boxColor)
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			img.SetRGBA(rect.Min.X+t, y, boxColor)
			img.SetRGBA(rect.Max.X-1-t, y, boxColor)
		}
	}
}

// drawLabel renders small text at (x, y) using the built-in bitmap face.
func drawLabel(img *image.RGBA, x, y int, text string) {
	if y < basicfont.Face7x13.Ascent {
		y = basicfont.Face7x13.Ascent
	}
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(boxColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
