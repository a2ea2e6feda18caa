package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/lesion-diagnostics/internal/apperr"
	"github.com/example/lesion-diagnostics/internal/classifier"
)

// NoResponseAvailable is stored as the result of a failed single-label classification.
const NoResponseAvailable = "No response available"

const (
	statusSuccess = "success"
	statusError   = "error"
)

// ErrUnrecognizedResult is returned by DecodeResult for valid JSON that is not
// one of the known result shapes.
var ErrUnrecognizedResult = errors.New("unrecognized result document")

// Outcome is a stored result decoded back into its variant. Exactly one of
// Result or Failure is set.
type Outcome struct {
	Result  classifier.Result
	Failure string
	Kind    string
}

// Succeeded reports whether the outcome carries a classification.
func (o Outcome) Succeeded() bool { return o.Result != nil }

// percentages marshals probabilities as an object keyed by label, preserving
// slice order and scaling each value to a percentage rounded to 4 decimals.
type percentages []classifier.Probability

func (p percentages) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, prob := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(prob.Label)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(toPercent(prob.Value), 'f', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type distributionDoc struct {
	Status         string      `json:"status"`
	PredictedClass string      `json:"predicted_class"`
	Confidence     float64     `json:"confidence"`
	Probabilities  percentages `json:"probabilities"`
}

type singleLabelDoc struct {
	Status     string  `json:"status"`
	Diagnosis  string  `json:"diagnosis"`
	Confidence float64 `json:"confidence"`
}

type failureDoc struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
}

func toPercent(v float64) float64 {
	return math.Round(v*100*1e4) / 1e4
}

// EncodeResult serializes a classification result for storage.
func EncodeResult(r classifier.Result) (string, error) {
	var doc interface{}
	switch res := r.(type) {
	case classifier.SingleLabel:
		doc = singleLabelDoc{Status: statusSuccess, Diagnosis: res.Label, Confidence: res.Confidence}
	case classifier.Distribution:
		doc = distributionDoc{
			Status:         statusSuccess,
			PredictedClass: res.Label,
			Confidence:     math.Round(res.Confidence()*1e6) / 1e6,
			Probabilities:  percentages(res.Probabilities),
		}
	default:
		return "", fmt.Errorf("encode result: unsupported type %T", r)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}

// EncodeFailure serializes a failed classification in the shape mode expects.
func EncodeFailure(mode classifier.Mode, cause error) string {
	if mode == classifier.ModeSingleLabel {
		out, _ := json.Marshal(NoResponseAvailable)
		return string(out)
	}
	msg := "classification failed"
	if cause != nil {
		msg = cause.Error()
	}
	doc := failureDoc{Status: statusError, Error: msg}
	if kind := apperr.KindOf(cause); kind != apperr.KindUnknown {
		doc.Kind = kind.String()
	}
	out, _ := json.Marshal(doc)
	return string(out)
}

// EncodeClientResult normalizes a caller supplied result document. Any JSON
// value except null is accepted and stored compacted.
func EncodeClientResult(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", ErrMissingResult
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingResult, err)
	}
	return buf.String(), nil
}

// DecodeResult parses a stored result back into an Outcome. Probability order
// is preserved as stored.
func DecodeResult(stored string) (Outcome, error) {
	trimmed := strings.TrimSpace(stored)
	if strings.HasPrefix(trimmed, `"`) {
		var label string
		if err := json.Unmarshal([]byte(trimmed), &label); err != nil {
			return Outcome{}, fmt.Errorf("decode result: %w", err)
		}
		if label == NoResponseAvailable {
			return Outcome{Failure: label}, nil
		}
		return Outcome{Result: classifier.SingleLabel{Label: label}}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return Outcome{}, fmt.Errorf("decode result: %w", err)
	}

	if raw, ok := fields["error"]; ok {
		var failure failureDoc
		if err := json.Unmarshal([]byte(trimmed), &failure); err != nil {
			return Outcome{}, fmt.Errorf("decode result: %w", err)
		}
		if failure.Error == "" {
			failure.Error = string(raw)
		}
		return Outcome{Failure: failure.Error, Kind: failure.Kind}, nil
	}

	if raw, ok := fields["probabilities"]; ok {
		probs, err := decodePercentages(raw)
		if err != nil {
			return Outcome{}, fmt.Errorf("decode result: %w", err)
		}
		dist := classifier.Distribution{Probabilities: probs}
		if err := json.Unmarshal(fields["predicted_class"], &dist.Label); err != nil || dist.Label == "" {
			if len(probs) > 0 {
				dist.Label = probs[0].Label
			}
		}
		return Outcome{Result: dist}, nil
	}

	if _, ok := fields["diagnosis"]; ok {
		var doc singleLabelDoc
		if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
			return Outcome{}, fmt.Errorf("decode result: %w", err)
		}
		return Outcome{Result: classifier.SingleLabel{Label: doc.Diagnosis, Confidence: doc.Confidence}}, nil
	}

	return Outcome{}, ErrUnrecognizedResult
}

func decodePercentages(raw json.RawMessage) ([]classifier.Probability, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("probabilities must be an object")
	}

	var probs []classifier.Probability
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		label, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", keyTok)
		}
		var percent float64
		if err := dec.Decode(&percent); err != nil {
			return nil, fmt.Errorf("probability for %s: %w", label, err)
		}
		probs = append(probs, classifier.Probability{Label: label, Value: percent / 100})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return probs, nil
}
