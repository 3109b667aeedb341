package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// APFunc computes average precision per class over a full run.
type APFunc func(refs, cands []any, kw Kwargs) (map[int]float64, error)

// APResult is a mean average precision with its per-class breakdown.
type APResult struct {
	Mean  float64         `json:"mean"`
	Class map[int]float64 `json:"class"`
}

// String renders the result like a dictionary with classes in order.
func (r APResult) String() string {
	classes := r.classes()
	parts := make([]string, len(classes))

	for i, c := range classes {
		parts[i] = fmt.Sprintf("%d: %v", c, r.Class[c])
	}

	return fmt.Sprintf("{mean: %v, class: {%s}}", r.Mean, strings.Join(parts, ", "))
}

func (r APResult) classes() []int {
	classes := make([]int, 0, len(r.Class))
	for c := range r.Class {
		classes = append(classes, c)
	}

	sort.Ints(classes)

	return classes
}

// MeanAP wraps a per-class AP function into a final reduction over the
// sample pairs collected by IdentityUnzip. The mean of no classes is NaN.
func MeanAP(ap APFunc) FinalFunc {
	return func(values []any, kw Kwargs) (any, error) {
		refs, cands, err := unzipPairs(values)
		if err != nil {
			return nil, err
		}

		perClass, err := ap(refs, cands, kw)
		if err != nil {
			return nil, err
		}

		res := APResult{Mean: math.NaN(), Class: perClass}
		if res.Class == nil {
			res.Class = map[int]float64{}
		}

		if len(res.Class) > 0 {
			classes := res.classes()
			xs := make([]float64, len(classes))

			for i, c := range classes {
				xs[i] = res.Class[c]
			}

			res.Mean = stat.Mean(xs, nil)
		}

		return res, nil
	}
}

type scoredBox struct {
	image int
	box   Box
	score float64
}

// ObjectDetectionAPPerClass computes all-point interpolated average
// precision for every class with ground truth. Kwargs: iou_threshold (0.5)
// and class_list, which restricts the output and reports classes without
// ground truth as 0.
func ObjectDetectionAPPerClass(refs, cands []any, kw Kwargs) (map[int]float64, error) {
	if err := checkAligned(refs, cands); err != nil {
		return nil, err
	}

	iouThr, err := kw.Float("iou_threshold", 0.5)
	if err != nil {
		return nil, err
	}

	classList, restricted, err := kw.Ints("class_list")
	if err != nil {
		return nil, err
	}

	// gt[class][image] -> boxes
	gt := make(map[int]map[int][]Box)
	preds := make(map[int][]scoredBox)

	for i := range refs {
		t, err := toTarget(refs[i])
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}

		d, err := toDetection(cands[i])
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}

		for j, label := range t.Labels {
			if gt[label] == nil {
				gt[label] = make(map[int][]Box)
			}

			gt[label][i] = append(gt[label][i], t.Boxes[j])
		}

		for j, label := range d.Labels {
			preds[label] = append(preds[label], scoredBox{image: i, box: d.Boxes[j], score: d.Scores[j]})
		}
	}

	classes := make([]int, 0, len(gt))
	if restricted {
		classes = append(classes, classList...)
	} else {
		for c := range gt {
			classes = append(classes, c)
		}
	}

	out := make(map[int]float64, len(classes))

	for _, c := range classes {
		if len(gt[c]) == 0 {
			if restricted {
				out[c] = 0
			}

			continue
		}

		out[c] = classAP(gt[c], preds[c], iouThr)
	}

	return out, nil
}

func classAP(gt map[int][]Box, preds []scoredBox, iouThr float64) float64 {
	var total int

	used := make(map[int][]bool, len(gt))
	for img, boxes := range gt {
		total += len(boxes)
		used[img] = make([]bool, len(boxes))
	}

	sort.SliceStable(preds, func(a, b int) bool {
		return preds[a].score > preds[b].score
	})

	recall := make([]float64, len(preds))
	precision := make([]float64, len(preds))

	var tp, fp float64

	for i, p := range preds {
		best, bestIoU := -1, iouThr

		for j, box := range gt[p.image] {
			if used[p.image][j] {
				continue
			}

			if iou := IoU(p.box, box); iou >= bestIoU {
				best, bestIoU = j, iou
			}
		}

		if best >= 0 {
			used[p.image][best] = true
			tp++
		} else {
			fp++
		}

		recall[i] = tp / float64(total)
		precision[i] = tp / (tp + fp)
	}

	// Precision envelope, then area under the stepwise curve.
	for i := len(precision) - 2; i >= 0; i-- {
		precision[i] = math.Max(precision[i], precision[i+1])
	}

	var ap, prevRecall float64

	for i := range preds {
		ap += (recall[i] - prevRecall) * precision[i]
		prevRecall = recall[i]
	}

	return ap
}
