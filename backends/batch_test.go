package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShape(t *testing.T) {
	shape := NewShape(2, 128)
	assert.Equal(t, "[2 128]", shape.String())
	assert.Equal(t, []int{2, 128}, shape.ValuesInt())
}

func TestGetNames(t *testing.T) {
	info := []InputOutputInfo{
		{Name: "input_ids", Dimensions: NewShape(-1, -1)},
		{Name: "attention_mask", Dimensions: NewShape(-1, -1)},
	}
	assert.Equal(t, []string{"input_ids", "attention_mask"}, GetNames(info))
}

func TestPairText(t *testing.T) {
	model := &Model{SeparatorToken: "[SEP]"}
	assert.Equal(t, "single sentence", PairText(model, "single sentence", ""))
	assert.Equal(t, "premise[SEP]hypothesis", PairText(model, "premise", "hypothesis"))
}

func pairFeature() Feature {
	return Feature{
		Tokens:        []string{"[CLS]", "premise", "[SEP]", "hypo", "##thesis", "[SEP]"},
		TokenIDs:      []uint32{101, 5, 102, 6, 7, 102},
		TypeIDs:       []uint32{0, 0, 0, 0, 0, 0},
		AttentionMask: []uint32{1, 1, 1, 1, 1, 1},
	}
}

func TestPatchPairTypeIDs(t *testing.T) {
	model := &Model{ModelType: "bert", SeparatorToken: "[SEP]"}
	batch := NewFeatureBatch()
	batch.Features = []Feature{pairFeature()}
	PatchPairTypeIDs(batch, model)
	assert.Equal(t, []uint32{0, 0, 0, 1, 1, 1}, batch.Features[0].TypeIDs)
}

func TestPatchPairTypeIDsLeavesSegmentedEncodings(t *testing.T) {
	model := &Model{ModelType: "bert", SeparatorToken: "[SEP]"}
	feature := pairFeature()
	feature.TypeIDs = []uint32{0, 0, 1, 1, 1, 1}
	batch := NewFeatureBatch()
	batch.Features = []Feature{feature}
	PatchPairTypeIDs(batch, model)
	assert.Equal(t, []uint32{0, 0, 1, 1, 1, 1}, batch.Features[0].TypeIDs)
}

func TestPatchPairTypeIDsSkipsSingleSegmentModels(t *testing.T) {
	batch := NewFeatureBatch()
	batch.Features = []Feature{pairFeature()}
	PatchPairTypeIDs(batch, &Model{ModelType: "xlm-roberta", SeparatorToken: "</s>"})
	assert.Equal(t, []uint32{0, 0, 0, 0, 0, 0}, batch.Features[0].TypeIDs)

	PatchPairTypeIDs(batch, &Model{ModelType: "distilbert", SeparatorToken: "[SEP]"})
	assert.Equal(t, []uint32{0, 0, 0, 0, 0, 0}, batch.Features[0].TypeIDs)
}
