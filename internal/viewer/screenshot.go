package viewer

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrCaptureUnsupported is returned when the renderer cannot read back
// frames.
var ErrCaptureUnsupported = errors.New("frame capture unsupported")

// ScreenshotKey captures the next frame when pressed.
const ScreenshotKey = "F12"

// PixelReader reads the drawn frame as bottom-up RGBA rows.
type PixelReader interface {
	ReadPixels() (pixels []byte, width, height int)
}

type shot struct {
	path string
	err  error
}

// Screenshot captures the next drawn frame and returns the file it was
// written to. The render loop must be ticking.
func (s *Session) Screenshot(ctx context.Context) (string, error) {
	ch, err := s.requestScreenshot()
	if err != nil {
		return "", err
	}
	select {
	case res := <-ch:
		return res.path, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) requestScreenshot() (<-chan shot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if !s.started {
		return nil, errors.New("session not started")
	}
	ch := make(chan shot, 1)
	s.shots = append(s.shots, ch)
	return ch, nil
}

// onKey captures a frame for the screenshot key without blocking the
// render thread.
func (s *Session) onKey(key string) {
	if key != ScreenshotKey {
		return
	}
	ch, err := s.requestScreenshot()
	if err != nil {
		s.log.Warn("screenshot", zap.Error(err))
		return
	}
	go func() {
		select {
		case res := <-ch:
			if res.err != nil {
				s.log.Warn("screenshot failed", zap.Error(res.err))
				return
			}
			s.log.Info("screenshot saved", zap.String("path", res.path))
		case <-s.ctx.Done():
		}
	}()
}

// captureFrame serves pending screenshot requests from the frame just
// drawn. Render thread only.
func (s *Session) captureFrame() {
	s.mu.Lock()
	pending := s.shots
	s.shots = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	var res shot
	if pr, ok := s.renderer.(PixelReader); ok {
		pixels, w, h := pr.ReadPixels()
		res.path, res.err = s.capture.SavePixels(pixels, w, h)
	} else {
		res.err = ErrCaptureUnsupported
	}
	for _, ch := range pending {
		ch <- res
	}
}

// failScreenshots answers requests the loop will never serve.
func (s *Session) failScreenshots() {
	s.mu.Lock()
	pending := s.shots
	s.shots = nil
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- shot{err: ErrSessionClosed}
	}
}
