// Package classifier wraps the pretrained lesion classifier: it prepares the
// model input, runs inference through a Model backend and turns logits into a
// SingleLabel or Distribution result.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"go.uber.org/zap"

	"github.com/example/lesion-diagnostics/internal/apperr"
)

// Model runs a forward pass and returns one logit per label.
type Model interface {
	Infer(ctx context.Context, input Tensor) ([]float32, error)
}

// ReadinessProber is implemented by models that can report whether their
// weights are loaded and the backend is serving.
type ReadinessProber interface {
	Ready(ctx context.Context) error
}

// Options configures a Gateway.
type Options struct {
	Labels    []string
	Mode      Mode
	InputSize int
	Mean      float64
	Std       float64
}

// Gateway is immutable after NewGateway returns and safe for concurrent use.
type Gateway struct {
	model     Model
	labels    []string
	mode      Mode
	inputSize int
	mean      float64
	std       float64
	logger    *zap.Logger
}

// NewGateway validates opts and, when the model supports it, waits for it to
// report ready. It is meant to run once at process start.
func NewGateway(ctx context.Context, model Model, opts Options, logger *zap.Logger) (*Gateway, error) {
	if model == nil {
		return nil, errors.New("classifier: model is required")
	}
	if err := validateLabels(opts.Labels); err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	if opts.InputSize <= 0 {
		opts.InputSize = 224
	}
	if opts.Std == 0 {
		opts.Mean, opts.Std = 0.5, 0.5
	}

	if prober, ok := model.(ReadinessProber); ok {
		if err := prober.Ready(ctx); err != nil {
			return nil, apperr.New(apperr.KindInference, "classifier.ready", err)
		}
	}

	labels := make([]string, len(opts.Labels))
	copy(labels, opts.Labels)

	logger.Info("classifier initialized",
		zap.Int("labels", len(labels)),
		zap.Stringer("mode", opts.Mode),
		zap.Int("input_size", opts.InputSize),
	)

	return &Gateway{
		model:     model,
		labels:    labels,
		mode:      opts.Mode,
		inputSize: opts.InputSize,
		mean:      opts.Mean,
		std:       opts.Std,
		logger:    logger.Named("classifier"),
	}, nil
}

// Mode reports the result shape this gateway produces.
func (g *Gateway) Mode() Mode { return g.mode }

// Labels returns a copy of the label set.
func (g *Gateway) Labels() []string {
	out := make([]string, len(g.labels))
	copy(out, g.labels)
	return out
}

// Classify runs img through the model. Every failure, including a panic in the
// model backend, is returned as an apperr with KindInference.
func (g *Gateway) Classify(ctx context.Context, img image.Image) (Result, error) {
	input := Preprocess(img, g.inputSize, g.mean, g.std)

	logits, err := g.infer(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(logits) != len(g.labels) {
		return nil, apperr.Newf(apperr.KindInference, "classifier.classify",
			"model returned %d logits for %d labels", len(logits), len(g.labels))
	}

	probs := Softmax(logits)
	for i, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, apperr.Newf(apperr.KindInference, "classifier.classify", "non-finite probability for %s", g.labels[i])
		}
	}
	best := ArgMax(probs)

	if g.mode == ModeSingleLabel {
		return SingleLabel{Label: g.labels[best], Confidence: probs[best]}, nil
	}

	entries := make([]Probability, len(probs))
	for i, p := range probs {
		entries[i] = Probability{Label: g.labels[i], Value: p}
	}
	dist := NewDistribution(entries)
	dist.Label = g.labels[best]
	return dist, nil
}

func (g *Gateway) infer(ctx context.Context, input Tensor) (logits []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("model panicked", zap.Any("panic", r))
			logits = nil
			err = apperr.Newf(apperr.KindInference, "classifier.infer", "model panicked: %v", r)
		}
	}()

	logits, err = g.model.Infer(ctx, input)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInference {
			return nil, err
		}
		return nil, apperr.New(apperr.KindInference, "classifier.infer", err)
	}
	return logits, nil
}

// Softmax converts logits into probabilities, subtracting the max logit first
// to keep exp in range.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// ArgMax returns the index of the largest value; ties go to the lowest index.
func ArgMax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
