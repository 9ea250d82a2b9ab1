package util

import (
	"fmt"
	"math"
	"slices"
)

// Mean of a float32 vector.
func Mean(vector []float32) float32 {
	sum := float32(0.0)
	for _, v := range vector {
		sum += v
	}
	return sum / float32(len(vector))
}

// SoftMax takes a vector and calculates softmax scores of its values.
func SoftMax(vector []float32) []float32 {
	maxLogit := slices.Max(vector)
	shiftedExp := make([]float64, len(vector))
	sumExp := 0.0
	for i, logit := range vector {
		shiftedExp[i] = math.Exp(float64(logit - maxLogit))
		sumExp += shiftedExp[i]
	}
	scores := make([]float32, len(vector))
	for i, exp := range shiftedExp {
		scores[i] = float32(exp / sumExp)
	}
	return scores
}

// ArgMax finds both the index of the max value in s and the max value.
func ArgMax(s []float32) (int, float32, error) {
	if len(s) == 0 {
		return 0, 0, fmt.Errorf("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}
