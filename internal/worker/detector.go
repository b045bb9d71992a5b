package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

// Detector runs object detection in a model process.
//
// Response body after the status byte:
// [uint32 count] then count x ([4]int32 x1,y1,x2,y2 [float32 confidence]).
type Detector struct {
	pool *Pool
}

// NewDetector runs detection on the processes of pool.
func NewDetector(pool *Pool) *Detector {
	return &Detector{pool: pool}
}

// Detect sends img to the model and returns every box it reports.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	var dets []types.Detection
	err := d.pool.Do(ctx, func(proc *ModelProcess) error {
		body, err := proc.Communicate(buf.Bytes())
		if err != nil {
			return err
		}
		dets, err = ParseDetections(body)
		return err
	})
	return dets, err
}

// Close stops the model processes.
func (d *Detector) Close() error {
	d.pool.Close()
	return nil
}

// ParseDetections decodes a detection response body (status byte already removed).
func ParseDetections(body []byte) ([]types.Detection, error) {
	r := bytes.NewReader(body)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read detection count: %w", err)
	}
	const recordLen = 4*4 + 4
	if int(count)*recordLen != r.Len() {
		return nil, fmt.Errorf("response declares %d detections but carries %d bytes", count, r.Len())
	}

	out := make([]types.Detection, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		var conf float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &conf); err != nil {
			return nil, err
		}
		out = append(out, types.Detection{
			Box:        image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])),
			Confidence: float64(conf),
		})
	}
	return out, nil
}
