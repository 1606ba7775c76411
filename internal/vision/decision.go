package vision

import (
	"context"
	"fmt"
	"math"
)

// UnknownLabel is reported when no class scores above zero.
const UnknownLabel = "unknown"

type Prediction struct {
	Label       string  `json:"label"`
	Confidence  int     `json:"confidence"`
	Probability float32 `json:"probability"`
	Index       int     `json:"index"`
}

// Decide picks the highest-scoring label. The comparison is strict so the
// first of several equal maxima wins, and an all-zero vector yields
// UnknownLabel at 0%. Confidence is the probability as a percentage rounded
// half up.
func Decide(probs []float32, labels []string) Prediction {
	best := Prediction{Label: UnknownLabel, Index: -1}
	for i, p := range probs {
		if i >= len(labels) {
			break
		}
		if p > best.Probability {
			best.Probability = p
			best.Label = labels[i]
			best.Index = i
		}
	}
	best.Confidence = confidencePercent(best.Probability)
	return best
}

// confidencePercent is clamped to 0..100 for score vectors that are not
// normalized probabilities.
func confidencePercent(p float32) int {
	return max(0, min(100, int(math.Floor(float64(p)*100+0.5))))
}

// Classify runs the classifier on t and decides on a label. The probability
// vector must have one entry per label.
func Classify(ctx context.Context, c Classifier, t *Tensor, labels []string) (Prediction, error) {
	probs, err := c.Predict(ctx, t)
	if err != nil {
		return Prediction{}, err
	}
	if len(probs) != len(labels) {
		return Prediction{}, fmt.Errorf("%w: %d scores for %d labels", ErrShapeMismatch, len(probs), len(labels))
	}
	return Decide(probs, labels), nil
}
