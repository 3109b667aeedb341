package metrics

import (
	"math"
)

// Box is an [x1, y1, x2, y2] bounding box.
type Box [4]float64

// Area of the box. Degenerate boxes have zero area.
func (b Box) Area() float64 {
	w := b[2] - b[0]
	h := b[3] - b[1]

	if w <= 0 || h <= 0 {
		return 0
	}

	return w * h
}

// IoU is the intersection over union of two boxes.
func IoU(a, b Box) float64 {
	inter := Box{
		math.Max(a[0], b[0]),
		math.Max(a[1], b[1]),
		math.Min(a[2], b[2]),
		math.Min(a[3], b[3]),
	}.Area()

	if inter == 0 {
		return 0
	}

	return inter / (a.Area() + b.Area() - inter)
}

// Target is the ground truth for one image.
type Target struct {
	Boxes  []Box `json:"boxes"`
	Labels []int `json:"labels"`
}

// Detection is a model's output for one image.
type Detection struct {
	Boxes  []Box     `json:"boxes"`
	Labels []int     `json:"labels"`
	Scores []float64 `json:"scores"`
}

func toTarget(v any) (Target, error) {
	switch x := v.(type) {
	case Target:
		return x, x.validate()
	case *Target:
		if x == nil {
			return Target{}, errMalformed("nil target")
		}

		return *x, x.validate()
	case map[string]any:
		boxes, err := toBoxes(x["boxes"])
		if err != nil {
			return Target{}, err
		}

		labels, err := listInts(x["labels"])
		if err != nil {
			return Target{}, err
		}

		t := Target{Boxes: boxes, Labels: labels}

		return t, t.validate()
	default:
		return Target{}, errMalformed("%T is not an object detection target", v)
	}
}

func (t Target) validate() error {
	if len(t.Boxes) != len(t.Labels) {
		return errMalformed("target has %d boxes and %d labels", len(t.Boxes), len(t.Labels))
	}

	return nil
}

func toDetection(v any) (Detection, error) {
	switch x := v.(type) {
	case Detection:
		return x, x.validate()
	case *Detection:
		if x == nil {
			return Detection{}, errMalformed("nil detection")
		}

		return *x, x.validate()
	case map[string]any:
		boxes, err := toBoxes(x["boxes"])
		if err != nil {
			return Detection{}, err
		}

		labels, err := listInts(x["labels"])
		if err != nil {
			return Detection{}, err
		}

		scores, err := listFloats(x["scores"])
		if err != nil {
			return Detection{}, err
		}

		d := Detection{Boxes: boxes, Labels: labels, Scores: scores}

		return d, d.validate()
	default:
		return Detection{}, errMalformed("%T is not an object detection prediction", v)
	}
}

func (d Detection) validate() error {
	if len(d.Boxes) != len(d.Labels) || len(d.Boxes) != len(d.Scores) {
		return errMalformed("detection has %d boxes, %d labels and %d scores",
			len(d.Boxes), len(d.Labels), len(d.Scores))
	}

	return nil
}

func toBoxes(v any) ([]Box, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []Box:
		return x, nil
	case []any:
		out := make([]Box, len(x))

		for i, e := range x {
			coords, err := toFloats(e)
			if err != nil {
				return nil, err
			}

			if len(coords) != 4 {
				return nil, errMalformed("box %d has %d coordinates", i, len(coords))
			}

			copy(out[i][:], coords)
		}

		return out, nil
	default:
		return nil, errMalformed("%T is not a list of boxes", v)
	}
}

// listInts and listFloats treat a missing key as an empty list.
func listInts(v any) ([]int, error) {
	if v == nil {
		return nil, nil
	}

	return toInts(v)
}

func listFloats(v any) ([]float64, error) {
	if v == nil {
		return nil, nil
	}

	return toFloats(v)
}

// HallucinationsPerImage counts confident predicted boxes that overlap no
// ground-truth box. Kwargs: score_threshold (0.5), iou_threshold (0.5).
func HallucinationsPerImage(ref, cand []any, kw Kwargs) ([]any, error) {
	if err := checkAligned(ref, cand); err != nil {
		return nil, err
	}

	scoreThr, err := kw.Float("score_threshold", 0.5)
	if err != nil {
		return nil, err
	}

	iouThr, err := kw.Float("iou_threshold", 0.5)
	if err != nil {
		return nil, err
	}

	out := make([]any, len(ref))

	for i := range ref {
		t, err := toTarget(ref[i])
		if err != nil {
			return nil, err
		}

		d, err := toDetection(cand[i])
		if err != nil {
			return nil, err
		}

		var n float64

		for j, box := range d.Boxes {
			if d.Scores[j] < scoreThr {
				continue
			}

			matched := false

			for _, gt := range t.Boxes {
				if IoU(box, gt) >= iouThr {
					matched = true

					break
				}
			}

			if !matched {
				n++
			}
		}

		out[i] = n
	}

	return out, nil
}
