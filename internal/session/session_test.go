package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/facematch/internal/detection"
	"github.com/example/facematch/internal/imageio"
	"github.com/example/facematch/internal/verification"
)

func namedImage(name string) *imageio.Image {
	return &imageio.Image{Name: name, Width: 4, Height: 4, Bitmap: image.NewRGBA(image.Rect(0, 0, 4, 4))}
}

// faceByName returns the configured descriptor for an image name, or
// ErrNoFace when the name is not configured.
func faceByName(faces map[string][]float64, calls *int32) detection.Extractor {
	return detection.ExtractorFunc(func(ctx context.Context, img *imageio.Image, s detection.Strategy) (*detection.Detection, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		desc, ok := faces[img.Name]
		if !ok {
			return nil, detection.ErrNoFace
		}
		return &detection.Detection{Confidence: 0.9, Descriptor: desc}, nil
	})
}

func readySession(aadhaar, selfie string) *Session {
	s := New("s1", "user-1", zap.NewNop())
	s.SetImage(detection.SlotAadhaar, namedImage(aadhaar))
	s.SetImage(detection.SlotSelfie, namedImage(selfie))
	return s
}

func TestSetImageStates(t *testing.T) {
	s := New("s1", "user-1", zap.NewNop())
	if s.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", s.State())
	}
	s.SetImage(detection.SlotSelfie, namedImage("b"))
	if s.State() != StateIdle {
		t.Fatalf("one image should keep the session IDLE, got %s", s.State())
	}
	s.SetImage(detection.SlotAadhaar, namedImage("a"))
	if s.State() != StateReady {
		t.Fatalf("expected READY, got %s", s.State())
	}

	s.SetImage(detection.SlotAadhaar, namedImage("a2"))
	if img, _ := s.Image(detection.SlotAadhaar); img.Name != "a2" {
		t.Fatalf("last write should win, got %s", img.Name)
	}
}

func TestVerifyMatched(t *testing.T) {
	s := readySession("a", "b")
	ext := faceByName(map[string][]float64{"a": {0, 0, 0}, "b": {0, 0, 0}}, nil)

	out, err := s.Verify(context.Background(), ext, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Matched || out.Distance != 0 || out.Similarity != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if s.State() != StateDone {
		t.Fatalf("expected DONE, got %s", s.State())
	}

	view := s.Snapshot()
	if view.Outcome == nil || !view.Outcome.Matched {
		t.Fatalf("snapshot should carry the outcome: %+v", view)
	}
	if det := view.Images["aadhaar"].Detection; det == nil || det.Strategy != "tiny" {
		t.Fatalf("snapshot should carry the detection: %+v", view.Images["aadhaar"])
	}
}

func TestVerifyNotMatched(t *testing.T) {
	s := readySession("a", "b")
	ext := faceByName(map[string][]float64{"a": {1, 0, 0}, "b": {0, 0, 0}}, nil)

	out, err := s.Verify(context.Background(), ext, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Matched || out.Similarity != 0.375 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if s.State() != StateDone {
		t.Fatalf("a no-match is still DONE, got %s", s.State())
	}
}

func TestVerifyNoFaceNamesSlot(t *testing.T) {
	tests := []struct {
		name  string
		faces map[string][]float64
		want  detection.Slot
	}{
		{name: "aadhaar missing", faces: map[string][]float64{"b": {0, 0}}, want: detection.SlotAadhaar},
		{name: "selfie missing", faces: map[string][]float64{"a": {0, 0}}, want: detection.SlotSelfie},
		{name: "both missing reports aadhaar", faces: map[string][]float64{}, want: detection.SlotAadhaar},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := readySession("a", "b")
			var calls int32
			_, err := s.Verify(context.Background(), faceByName(tc.faces, &calls), DefaultOptions())

			var noFace *detection.NoFaceError
			if !errors.As(err, &noFace) || noFace.Slot != tc.want {
				t.Fatalf("expected no face in %s, got %v", tc.want, err)
			}
			if !errors.Is(err, detection.ErrNoFace) {
				t.Fatal("NoFaceError should match ErrNoFace")
			}
			if s.State() != StateFailed {
				t.Fatalf("expected FAILED, got %s", s.State())
			}
			if s.Snapshot().Outcome != nil {
				t.Fatal("a failed run must not leave an outcome")
			}
			// Both images are always detected, each trying the secondary
			// detector once when absent.
			if want := int32(2 + (2 - len(tc.faces))); calls != want {
				t.Fatalf("expected %d extractor calls, got %d", want, calls)
			}
		})
	}
}

func TestVerifyMissingImage(t *testing.T) {
	s := New("s1", "user-1", zap.NewNop())
	s.SetImage(detection.SlotSelfie, namedImage("b"))

	_, err := s.Verify(context.Background(), faceByName(nil, nil), DefaultOptions())
	var missing *MissingImageError
	if !errors.As(err, &missing) || missing.Slot != detection.SlotAadhaar {
		t.Fatalf("expected missing aadhaar, got %v", err)
	}
	if err.Error() != "please select an Aadhaar image" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if s.State() != StateIdle {
		t.Fatalf("state should not change, got %s", s.State())
	}
}

func TestVerifyDimensionMismatchThenRetry(t *testing.T) {
	s := readySession("a", "b")
	faces := map[string][]float64{"a": {0, 0, 0}, "b": {0, 0}, "c": {0, 0, 0}}

	_, err := s.Verify(context.Background(), faceByName(faces, nil), DefaultOptions())
	if !errors.Is(err, verification.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if s.State() != StateError {
		t.Fatalf("expected ERROR, got %s", s.State())
	}

	s.SetImage(detection.SlotSelfie, namedImage("c"))
	if _, err := s.Verify(context.Background(), faceByName(faces, nil), DefaultOptions()); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if s.State() != StateDone {
		t.Fatalf("expected DONE, got %s", s.State())
	}
}

func TestVerifyExtractorPanicIsUnexpected(t *testing.T) {
	s := readySession("a", "b")
	ext := detection.ExtractorFunc(func(ctx context.Context, img *imageio.Image, st detection.Strategy) (*detection.Detection, error) {
		panic("native crash")
	})

	_, err := s.Verify(context.Background(), ext, DefaultOptions())
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("expected ErrUnexpected, got %v", err)
	}
	if s.State() != StateError {
		t.Fatalf("expected ERROR, got %s", s.State())
	}
}

func TestVerifyRunsBothDetectionsConcurrently(t *testing.T) {
	s := readySession("a", "b")

	var wg sync.WaitGroup
	wg.Add(2)
	ext := detection.ExtractorFunc(func(ctx context.Context, img *imageio.Image, st detection.Strategy) (*detection.Detection, error) {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			return nil, errors.New("detections did not overlap")
		}
		return &detection.Detection{Confidence: 1, Descriptor: []float64{0}}, nil
	})

	if _, err := s.Verify(context.Background(), ext, DefaultOptions()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyInProgressGuard(t *testing.T) {
	s := readySession("a", "b")
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	ext := detection.ExtractorFunc(func(ctx context.Context, img *imageio.Image, st detection.Strategy) (*detection.Detection, error) {
		entered <- struct{}{}
		<-release
		return &detection.Detection{Confidence: 1, Descriptor: []float64{0}}, nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Verify(context.Background(), ext, DefaultOptions())
		errCh <- err
	}()
	<-entered

	if s.State() != StateDetectingBoth {
		t.Fatalf("expected DETECTING_BOTH, got %s", s.State())
	}
	if _, err := s.Verify(context.Background(), ext, DefaultOptions()); !errors.Is(err, ErrVerifyInProgress) {
		t.Fatalf("expected ErrVerifyInProgress, got %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if s.State() != StateDone {
		t.Fatalf("expected DONE, got %s", s.State())
	}
}

func TestVerifyIgnoresCancellation(t *testing.T) {
	s := readySession("a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ext := faceByName(map[string][]float64{"a": {0}, "b": {0}}, nil)
	if _, err := s.Verify(ctx, ext, DefaultOptions()); err != nil {
		t.Fatalf("a cancelled caller must not abort the run: %v", err)
	}
	if s.State() != StateDone {
		t.Fatalf("expected DONE, got %s", s.State())
	}
}

func TestVerifyPermissiveMode(t *testing.T) {
	s := readySession("a", "b")
	var sizes []int
	var mu sync.Mutex
	ext := detection.ExtractorFunc(func(ctx context.Context, img *imageio.Image, st detection.Strategy) (*detection.Detection, error) {
		mu.Lock()
		sizes = append(sizes, st.InputSize)
		mu.Unlock()
		return &detection.Detection{Confidence: 0.35, Descriptor: []float64{0}}, nil
	})

	opts := Options{Threshold: 0.6, Mode: detection.ModePermissive}
	if _, err := s.Verify(context.Background(), ext, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, size := range sizes {
		if size != detection.PermissiveInputSize {
			t.Fatalf("expected permissive input size, got %v", sizes)
		}
	}
}

func TestFailedRunClearsPreviousDetections(t *testing.T) {
	s := readySession("a", "b")
	if _, err := s.Verify(context.Background(), faceByName(map[string][]float64{"a": {0}, "b": {0}}, nil), DefaultOptions()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Snapshot().Images["selfie"].Detection == nil {
		t.Fatal("expected detections after a successful run")
	}

	_, err := s.Verify(context.Background(), faceByName(map[string][]float64{"a": {0}}, nil), DefaultOptions())
	var noFace *detection.NoFaceError
	if !errors.As(err, &noFace) {
		t.Fatalf("expected NoFaceError, got %v", err)
	}

	view := s.Snapshot()
	if view.State != StateFailed || view.Outcome != nil {
		t.Fatalf("unexpected view after failure: %+v", view)
	}
	for slot, info := range view.Images {
		if info.Detection != nil {
			t.Fatalf("%s still shows a detection from the earlier run", slot)
		}
	}
}

func TestImageReplacedDuringRunDropsOutcome(t *testing.T) {
	s := readySession("a", "b")
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	ext := detection.ExtractorFunc(func(ctx context.Context, img *imageio.Image, st detection.Strategy) (*detection.Detection, error) {
		entered <- struct{}{}
		<-release
		return &detection.Detection{Confidence: 1, Descriptor: []float64{0}}, nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Verify(context.Background(), ext, DefaultOptions())
		errCh <- err
	}()
	<-entered

	s.SetImage(detection.SlotSelfie, namedImage("c"))
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	view := s.Snapshot()
	if view.State != StateReady {
		t.Fatalf("expected READY after a stale run, got %s", view.State)
	}
	if view.Outcome != nil {
		t.Fatalf("outcome from the replaced image must be dropped: %+v", view.Outcome)
	}
	if view.Images["selfie"].Name != "c" || view.Images["selfie"].Detection != nil {
		t.Fatalf("unexpected selfie slot: %+v", view.Images["selfie"])
	}
	if view.Images["aadhaar"].Detection == nil {
		t.Fatal("the unchanged aadhaar slot keeps its detection")
	}
}
