package node

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math/rand"
	"time"

	"github.com/schollz/progressbar/v3"
)

const (
	WarmupCycles = 30
	WarmupPace   = 50 * time.Millisecond
	warmupWidth  = 640
	warmupHeight = 480
	warmupCrop   = 200
)

// Warmup runs detect-and-encode cycles on synthetic frames so the model and
// codec paths are loaded before real traffic. Nothing is sent on the network.
// It returns the number of completed cycles.
func Warmup(ctx context.Context, detector Detector, cycles int, pace time.Duration, w io.Writer) (int, error) {
	bar := progressbar.NewOptions(cycles,
		progressbar.OptionSetDescription("🔥 Warming up"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	frame := image.NewRGBA(image.Rect(0, 0, warmupWidth, warmupHeight))
	center := image.Rect(
		(warmupWidth-warmupCrop)/2, (warmupHeight-warmupCrop)/2,
		(warmupWidth+warmupCrop)/2, (warmupHeight+warmupCrop)/2,
	)

	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	for i := 0; i < cycles; i++ {
		rng.Read(frame.Pix)
		if detector != nil {
			if _, err := detector.Detect(ctx, frame); err != nil {
				return i, fmt.Errorf("warmup detection failed at cycle %d: %w", i, err)
			}
		}
		if _, err := CropJPEG(frame, center, jpeg.DefaultQuality); err != nil {
			return i, fmt.Errorf("warmup encode failed at cycle %d: %w", i, err)
		}
		bar.Add(1)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return i + 1, ctx.Err()
		}
	}
	return cycles, nil
}
