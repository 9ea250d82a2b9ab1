// Package metrics implements the evaluation metrics used by the XGLUE
// understanding tasks.
package metrics

import (
	"fmt"
	"math"
	"sort"
)

// Accuracy returns the fraction of predictions matching the labels.
func Accuracy(predictions []int, labels []int) (float64, error) {
	if len(predictions) != len(labels) {
		return 0, fmt.Errorf("got %d predictions for %d labels", len(predictions), len(labels))
	}
	if len(predictions) == 0 {
		return 0, nil
	}
	correct := 0
	for i, prediction := range predictions {
		if prediction == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(predictions)), nil
}

// NDCG returns the normalized discounted cumulative gain at k, averaged over
// query groups. Documents are ranked per group by their predicted score, and
// the label index is the relevance grade. Groups with no relevant document do
// not contribute.
func NDCG(scores []float32, labels []int, groups []string, k int) (float64, error) {
	if len(scores) != len(labels) || len(scores) != len(groups) {
		return 0, fmt.Errorf("scores, labels and groups must align: got %d, %d and %d", len(scores), len(labels), len(groups))
	}

	type document struct {
		score float32
		gain  float64
	}
	groupDocs := map[string][]document{}
	var groupOrder []string
	for i, group := range groups {
		if _, seen := groupDocs[group]; !seen {
			groupOrder = append(groupOrder, group)
		}
		groupDocs[group] = append(groupDocs[group], document{
			score: scores[i],
			gain:  math.Exp2(float64(labels[i])) - 1,
		})
	}

	total := 0.0
	counted := 0
	for _, group := range groupOrder {
		docs := groupDocs[group]

		ideal := make([]float64, len(docs))
		for i, doc := range docs {
			ideal[i] = doc.gain
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))
		idcg := 0.0
		for i, gain := range ideal {
			if i >= k {
				break
			}
			idcg += gain / math.Log2(float64(i)+2)
		}
		if idcg == 0 {
			continue
		}

		sort.SliceStable(docs, func(i, j int) bool {
			return docs[i].score > docs[j].score
		})
		dcg := 0.0
		for i, doc := range docs {
			if i >= k {
				break
			}
			dcg += doc.gain / math.Log2(float64(i)+2)
		}

		total += dcg / idcg
		counted++
	}
	if counted == 0 {
		return 0, nil
	}
	return total / float64(counted), nil
}

// Average averages a list of result maps key by key. All maps must share the
// same key set. An empty list averages to an empty map.
func Average(results []map[string]float64) (map[string]float64, error) {
	averaged := map[string]float64{}
	if len(results) == 0 {
		return averaged, nil
	}
	reference := results[0]
	for _, result := range results {
		if len(result) != len(reference) {
			return nil, fmt.Errorf("result maps have different keys: %v and %v", keys(reference), keys(result))
		}
		for key, value := range result {
			if _, found := reference[key]; !found {
				return nil, fmt.Errorf("result maps have different keys: %v and %v", keys(reference), keys(result))
			}
			averaged[key] += value
		}
	}
	for key := range averaged {
		averaged[key] /= float64(len(results))
	}
	return averaged, nil
}

func keys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
