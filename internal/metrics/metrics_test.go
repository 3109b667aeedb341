package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Get(t *testing.T) {
	r := Default()

	m, err := r.Get("categorical_accuracy")
	require.NoError(t, err)
	assert.Equal(t, KindPercent, m.Kind)
	assert.False(t, m.Batchwise)

	m, err = r.Get("word_error_rate")
	require.NoError(t, err)
	assert.Equal(t, KindWER, m.Kind)
	assert.Equal(t, "total_word_error_rate", m.FinalSuffix)

	m, err = r.Get("object_detection_AP_per_class")
	require.NoError(t, err)
	assert.Equal(t, KindAP, m.Kind)
	assert.True(t, m.Batchwise)

	_, err = r.Get("does_not_exist")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestRegistry_PerturbationKinds(t *testing.T) {
	r := Default()

	for _, name := range []string{"l0", "l1", "l2", "linf", "snr", "snr_db"} {
		m, err := r.Get(name)
		require.NoError(t, err, name)
		assert.Equal(t, KindQuantity, m.Kind, name)
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	m := Metric{Name: "custom", Sample: CategoricalAccuracy}
	require.NoError(t, r.Register(m))
	assert.ErrorIs(t, r.Register(m), ErrAlreadyRegistered)

	assert.ErrorIs(t, r.Register(Metric{Name: "no_sample"}), ErrInvalidMetric)
	assert.ErrorIs(t, r.Register(Metric{
		Name:   "no_suffix",
		Sample: CategoricalAccuracy,
		Final:  Mean,
	}), ErrInvalidMetric)

	assert.Equal(t, []string{"custom"}, r.Names())
}

func TestCategoricalAccuracy(t *testing.T) {
	tests := []struct {
		name string
		ref  []any
		cand []any
		want []any
	}{
		{
			name: "indices",
			ref:  []any{0, 1, 2},
			cand: []any{0, 1, 1},
			want: []any{1.0, 1.0, 0.0},
		},
		{
			name: "score vectors",
			ref:  []any{1.0, 0.0},
			cand: []any{[]any{0.1, 0.9}, []any{0.2, 0.8}},
			want: []any{1.0, 0.0},
		},
		{
			name: "one hot labels",
			ref:  []any{[]float64{0, 0, 1}},
			cand: []any{[]float64{0.1, 0.2, 0.7}},
			want: []any{1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CategoricalAccuracy(tt.ref, tt.cand, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCategoricalAccuracy_Misaligned(t *testing.T) {
	_, err := CategoricalAccuracy([]any{1, 2}, []any{1}, nil)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestTopKCategoricalAccuracy(t *testing.T) {
	top2 := TopKCategoricalAccuracy(2)

	got, err := top2(
		[]any{2, 0},
		[]any{
			[]any{0.5, 0.1, 0.4},
			[]any{0.1, 0.5, 0.4},
		},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 0.0}, got)
}

func TestNorms(t *testing.T) {
	x := []any{[]any{0.0, 1.0, 2.0}}
	xAdv := []any{[]any{0.0, 2.0, 0.0}}

	l0, err := L0(x, xAdv, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{2.0}, l0)

	l1, err := L1(x, xAdv, nil)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, l1[0], 1e-12)

	l2, err := L2(x, xAdv, nil)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(5), l2[0], 1e-12)

	linf, err := LInf(x, xAdv, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, linf[0], 1e-12)
}

func TestNorms_ShapeMismatch(t *testing.T) {
	_, err := L2([]any{[]any{1.0, 2.0}}, []any{[]any{1.0}}, nil)
	assert.ErrorIs(t, err, ErrMalformedData)
}

func TestSNR(t *testing.T) {
	x := []any{[]float64{3, 4}, []float64{1, 1}}
	xAdv := []any{[]float64{3, 3}, []float64{1, 1}}

	got, err := SNR(x, xAdv, nil)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, got[0], 1e-12)
	assert.True(t, math.IsInf(got[1].(float64), 1))

	db, err := SNRDecibels(x[:1], xAdv[:1], nil)
	require.NoError(t, err)
	assert.InDelta(t, 10*math.Log10(25), db[0], 1e-12)
}

func TestWordErrorRate(t *testing.T) {
	got, err := WordErrorRate(
		[]any{"the cat sat on the mat", "hello world"},
		[]any{"the cat sat on mat", "hello there world"},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, []any{
		WERTuple{Distance: 1, Words: 6},
		WERTuple{Distance: 1, Words: 2},
	}, got)
}

func TestTotalWER(t *testing.T) {
	got, err := TotalWER([]any{
		WERTuple{Distance: 2, Words: 10},
		WERTuple{Distance: 3, Words: 7},
	}, nil)
	require.NoError(t, err)

	res := got.(WERResult)
	assert.InDelta(t, 5.0/17.0, res.Rate, 1e-12)
	assert.Equal(t, 5, res.Distance)
	assert.Equal(t, 17, res.Words)
	assert.Equal(t, "total=29.41%, 5/17", res.String())
}

func TestTotalWER_Empty(t *testing.T) {
	got, err := TotalWER(nil, nil)
	require.NoError(t, err)

	res := got.(WERResult)
	assert.True(t, math.IsNaN(res.Rate))
	assert.Equal(t, 0, res.Distance)
	assert.Equal(t, 0, res.Words)
}

func TestTotalWER_Malformed(t *testing.T) {
	_, err := TotalWER([]any{0.5}, nil)
	assert.ErrorIs(t, err, ErrMalformedData)
}

func TestMean(t *testing.T) {
	got, err := Mean([]any{1.0, 0.0, 1.0}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, got, 1e-12)

	got, err = Mean(nil, nil)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got.(float64)))

	_, err = Mean([]any{"nope"}, nil)
	assert.ErrorIs(t, err, ErrMalformedData)
}

func TestMeanAP_Stub(t *testing.T) {
	stub := func(refs, cands []any, _ Kwargs) (map[int]float64, error) {
		return map[int]float64{0: 0.5, 1: 0.7, 2: 0.3}, nil
	}

	pairs, err := IdentityUnzip([]any{"a", "b"}, []any{"c", "d"}, nil)
	require.NoError(t, err)

	got, err := MeanAP(stub)(pairs, nil)
	require.NoError(t, err)

	res := got.(APResult)
	assert.InDelta(t, 0.5, res.Mean, 1e-12)
	assert.Equal(t, map[int]float64{0: 0.5, 1: 0.7, 2: 0.3}, res.Class)
}

func TestAPResult_String(t *testing.T) {
	res := APResult{Mean: 0.5, Class: map[int]float64{2: 0.25, 0: 0.75}}
	assert.Equal(t, "{mean: 0.5, class: {0: 0.75, 2: 0.25}}", res.String())
}

func TestMeanAP_NoClasses(t *testing.T) {
	got, err := MeanAP(ObjectDetectionAPPerClass)(nil, nil)
	require.NoError(t, err)

	res := got.(APResult)
	assert.True(t, math.IsNaN(res.Mean))
	assert.Empty(t, res.Class)
}

func TestMeanAP_RejectsUnpairedValues(t *testing.T) {
	_, err := MeanAP(ObjectDetectionAPPerClass)([]any{1.0}, nil)
	assert.ErrorIs(t, err, ErrMalformedData)
}

func TestObjectDetectionAPPerClass(t *testing.T) {
	refs := []any{
		Target{
			Boxes:  []Box{{0, 0, 10, 10}, {20, 20, 30, 30}},
			Labels: []int{1, 2},
		},
		// JSON-decoded form.
		map[string]any{
			"boxes":  []any{[]any{0.0, 0.0, 10.0, 10.0}},
			"labels": []any{1.0},
		},
	}
	cands := []any{
		Detection{
			Boxes:  []Box{{0, 0, 10, 10}, {50, 50, 60, 60}},
			Labels: []int{1, 2},
			Scores: []float64{0.9, 0.8},
		},
		map[string]any{
			"boxes":  []any{[]any{0.0, 0.0, 10.0, 10.0}},
			"labels": []any{1.0},
			"scores": []any{0.7},
		},
	}

	got, err := ObjectDetectionAPPerClass(refs, cands, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got[1], 1e-12)
	assert.InDelta(t, 0.0, got[2], 1e-12)
	assert.Len(t, got, 2)

	got, err = ObjectDetectionAPPerClass(refs, cands, Kwargs{"class_list": []any{1.0, 7.0}})
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{1: 1.0, 7: 0}, got)
}

func TestObjectDetectionAPPerClass_PartialRecall(t *testing.T) {
	refs := []any{Target{
		Boxes:  []Box{{0, 0, 10, 10}, {20, 20, 30, 30}},
		Labels: []int{0, 0},
	}}
	cands := []any{Detection{
		Boxes:  []Box{{100, 100, 110, 110}, {0, 0, 10, 10}},
		Labels: []int{0, 0},
		Scores: []float64{0.9, 0.5},
	}}

	got, err := ObjectDetectionAPPerClass(refs, cands, nil)
	require.NoError(t, err)
	// One false positive ranked first, then one of two boxes found.
	assert.InDelta(t, 0.25, got[0], 1e-12)
}

func TestHallucinationsPerImage(t *testing.T) {
	refs := []any{Target{Boxes: []Box{{0, 0, 10, 10}}, Labels: []int{1}}}
	cands := []any{Detection{
		Boxes:  []Box{{0, 0, 10, 10}, {50, 50, 60, 60}, {70, 70, 80, 80}},
		Labels: []int{1, 1, 1},
		Scores: []float64{0.9, 0.9, 0.1},
	}}

	got, err := HallucinationsPerImage(refs, cands, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0}, got)

	got, err = HallucinationsPerImage(refs, cands, Kwargs{"score_threshold": 0.05})
	require.NoError(t, err)
	assert.Equal(t, []any{2.0}, got)
}

func TestIdentityUnzip(t *testing.T) {
	got, err := IdentityUnzip([]any{1, 2}, []any{3, 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{Pair{Ref: 1, Cand: 3}, Pair{Ref: 2, Cand: 4}}, got)

	_, err = IdentityUnzip([]any{1, 2}, []any{3}, nil)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestKwargs(t *testing.T) {
	kw := Kwargs{"f": 0.25, "i": 3.0, "l": []any{1.0, 2.0}, "bad": "x"}

	f, err := kw.Float("f", 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, f, 1e-12)

	f, err = kw.Float("missing", 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, f, 1e-12)

	i, err := kw.Int("i", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, i)

	l, ok, err := kw.Ints("l")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2}, l)

	_, err = kw.Float("bad", 0)
	assert.ErrorIs(t, err, ErrMalformedData)
}
