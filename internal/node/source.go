package node

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/utils"
)

const megabyte = 1024 * 1024

// FFmpegSource decodes a video through an ffmpeg MJPEG pipe.
type FFmpegSource struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	scanner *bufio.Scanner
	stderr  bytes.Buffer
	closed  bool
}

// OpenFFmpeg starts ffmpeg on path. The process is killed when ctx ends.
func OpenFFmpeg(ctx context.Context, path string) (*FFmpegSource, error) {
	s := &FFmpegSource{cmd: utils.NewFFmpegCmd(ctx, path)}
	s.cmd.Stderr = &s.stderr

	out, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	s.out = out

	s.scanner = bufio.NewScanner(out)
	s.scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	s.scanner.Split(utils.SplitJpeg)
	return s, nil
}

// Next decodes the next frame.
func (s *FFmpegSource) Next() (image.Image, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("frame scanner failed: %w", err)
		}
		return nil, io.EOF
	}
	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// Close stops ffmpeg and reaps it.
func (s *FFmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.out.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	return nil
}
