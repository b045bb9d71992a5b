// Package vision adapts OpenCV (gocv) capture and DNN inference to the node pipeline.
package vision

import (
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"gocv.io/x/gocv"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

// CaptureSource reads frames from a file, device or stream URL through OpenCV.
type CaptureSource struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// OpenCapture opens path with gocv.VideoCaptureFile.
func OpenCapture(path string) (*CaptureSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video %s could not be opened", path)
	}
	return &CaptureSource{vc: vc, mat: gocv.NewMat()}, nil
}

// Next returns the next frame, or io.EOF when the stream ends or fails.
func (c *CaptureSource) Next() (image.Image, error) {
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, io.EOF
	}
	return c.mat.ToImage()
}

// Close releases the capture device.
func (c *CaptureSource) Close() error {
	c.mat.Close()
	return c.vc.Close()
}

// DNNDetector runs a YOLOv8-style ONNX model with OpenCV's DNN module.
// The output tensor is [1, 4+classes, N] with boxes in cx, cy, w, h.
type DNNDetector struct {
	net          gocv.Net
	inputSize    int
	classes      map[int]bool
	minScore     float32
	nmsThreshold float32
	loadTime     time.Duration
}

// NewDNNDetector loads the network at modelPath (configPath may be empty for ONNX).
func NewDNNDetector(modelPath, configPath string, inputSize int, classes []int, minScore float64) (*DNNDetector, error) {
	start := time.Now()
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network %s", modelPath)
	}
	allowed := make(map[int]bool, len(classes))
	for _, c := range classes {
		allowed[c] = true
	}
	return &DNNDetector{
		net:          net,
		inputSize:    inputSize,
		classes:      allowed,
		minScore:     float32(minScore),
		nmsThreshold: 0.45,
		loadTime:     time.Since(start),
	}, nil
}

// Detect implements the node detector contract.
func (d *DNNDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer frame.Close()

	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	attrs, n := dims[1], dims[2]

	b := img.Bounds()
	sx := float32(b.Dx()) / float32(d.inputSize)
	sy := float32(b.Dy()) / float32(d.inputSize)

	var boxes []image.Rectangle
	var scores []float32
	for i := 0; i < n; i++ {
		best := float32(0)
		for c := 4; c < attrs; c++ {
			if len(d.classes) > 0 && !d.classes[c-4] {
				continue
			}
			if s := out.GetFloatAt3(0, c, i); s > best {
				best = s
			}
		}
		if best < d.minScore {
			continue
		}
		cx, cy := out.GetFloatAt3(0, 0, i), out.GetFloatAt3(0, 1, i)
		w, h := out.GetFloatAt3(0, 2, i), out.GetFloatAt3(0, 3, i)
		boxes = append(boxes, image.Rect(
			b.Min.X+int((cx-w/2)*sx), b.Min.Y+int((cy-h/2)*sy),
			b.Min.X+int((cx+w/2)*sx), b.Min.Y+int((cy+h/2)*sy),
		))
		scores = append(scores, best)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, d.minScore, d.nmsThreshold)
	dets := make([]types.Detection, 0, len(keep))
	for _, k := range keep {
		dets = append(dets, types.Detection{Box: boxes[k], Confidence: float64(scores[k])})
	}
	return dets, nil
}

// LoadTime reports how long the network took to load.
func (d *DNNDetector) LoadTime() time.Duration {
	return d.loadTime
}

// Close frees the network.
func (d *DNNDetector) Close() error {
	return d.net.Close()
}
