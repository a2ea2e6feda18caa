package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/lesion-diagnostics/internal/classifier"
	"github.com/example/lesion-diagnostics/internal/events"
	"github.com/example/lesion-diagnostics/internal/repository"
)

type memoryDiagnostics struct {
	mu        sync.Mutex
	next      uint
	rows      map[uint]repository.Diagnostic
	createErr error
	getCalls  int
}

func newMemoryDiagnostics() *memoryDiagnostics {
	return &memoryDiagnostics{rows: make(map[uint]repository.Diagnostic)}
}

func (m *memoryDiagnostics) Create(ctx context.Context, d *repository.Diagnostic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.next++
	d.ID = m.next
	d.CreatedAt = time.Now().UTC()
	m.rows[d.ID] = *d
	return nil
}

func (m *memoryDiagnostics) GetByID(ctx context.Context, id uint) (*repository.Diagnostic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	d, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *memoryDiagnostics) ListByUser(ctx context.Context, userID uint) ([]repository.Diagnostic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.Diagnostic
	for _, d := range m.rows {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryDiagnostics) DeleteByID(ctx context.Context, id uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

type stubUsers map[uint]*repository.User

func (s stubUsers) GetByID(ctx context.Context, id uint) (*repository.User, error) {
	return s[id], nil
}

type stubResolver struct {
	err      error
	refs     []string
	existed  []bool
	panicMsg string
}

func (s *stubResolver) Resolve(ctx context.Context, ref string) (*image.RGBA, error) {
	s.refs = append(s.refs, ref)
	_, statErr := os.Stat(ref)
	s.existed = append(s.existed, statErr == nil)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.err != nil {
		return nil, s.err
	}
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
}

type stubClassifier struct {
	result classifier.Result
	err    error
	mode   classifier.Mode
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, img image.Image) (classifier.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubClassifier) Mode() classifier.Mode { return s.mode }

// fixedModel always returns the logits of probs.
type fixedModel struct {
	probs []float64
}

func (m fixedModel) Infer(ctx context.Context, input classifier.Tensor) ([]float32, error) {
	out := make([]float32, len(m.probs))
	for i, p := range m.probs {
		out[i] = float32(math.Log(p))
	}
	return out, nil
}

type recordingPublisher struct {
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, evt events.Event) error {
	p.events = append(p.events, evt)
	return p.err
}

type memoryCache struct {
	values  map[string]string
	getErrs []error
	setErrs []error
	gets    int
	sets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: make(map[string]string)}
}

func (c *memoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	c.sets++
	if len(c.setErrs) > 0 {
		err := c.setErrs[0]
		c.setErrs = c.setErrs[1:]
		if err != nil {
			return err
		}
	}
	c.values[key] = value.(string)
	return nil
}

func (c *memoryCache) Get(ctx context.Context, key string) (string, error) {
	c.gets++
	if len(c.getErrs) > 0 {
		err := c.getErrs[0]
		c.getErrs = c.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	v, ok := c.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (c *memoryCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if _, ok := c.values[key]; ok {
		return false, nil
	}
	return true, c.Set(ctx, key, value, expiration)
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

var errBoom = errors.New("boom")

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func writePNG(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lesion.png")
	if err := os.WriteFile(path, pngBytes(t), 0o600); err != nil {
		t.Fatalf("failed to write png: %v", err)
	}
	return path
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty, found %d entries", len(entries))
	}
}
