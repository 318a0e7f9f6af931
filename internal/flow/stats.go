package flow

import "math"

// Buckets are the confidence distribution ranges reported by Statistics.
var Buckets = []string{"0.0-0.2", "0.2-0.4", "0.4-0.6", "0.6-0.8", "0.8-1.0"}

// Statistics summarises a flow library.
type Statistics struct {
	Total                 int            `json:"total"`
	AverageConfidence     float64        `json:"average_confidence"`
	HighestConfidence     float64        `json:"highest_confidence"`
	LowestConfidence      float64        `json:"lowest_confidence"`
	AverageSequenceLength float64        `json:"average_sequence_length"`
	Distribution          map[string]int `json:"distribution"`
	ByOrigin              map[Origin]int `json:"by_origin"`
	Detections            int            `json:"detections"`
}

// Summarise computes statistics over flows. Empty input yields zeros.
func Summarise(flows []Flow) Statistics {
	st := Statistics{
		Total:        len(flows),
		Distribution: make(map[string]int, len(Buckets)),
		ByOrigin:     make(map[Origin]int),
	}
	for _, b := range Buckets {
		st.Distribution[b] = 0
	}
	if len(flows) == 0 {
		return st
	}

	st.LowestConfidence = math.Inf(1)
	var confSum, lenSum float64
	for _, f := range flows {
		confSum += f.Confidence
		lenSum += float64(len(f.Sequence))
		st.HighestConfidence = max(st.HighestConfidence, f.Confidence)
		st.LowestConfidence = min(st.LowestConfidence, f.Confidence)
		st.Distribution[bucket(f.Confidence)]++
		st.ByOrigin[f.Origin]++
	}
	st.AverageConfidence = confSum / float64(len(flows))
	st.AverageSequenceLength = lenSum / float64(len(flows))
	return st
}

// bucket places 1.0 in the top bucket.
func bucket(confidence float64) string {
	i := int(confidence * 5)
	i = min(max(i, 0), len(Buckets)-1)
	return Buckets[i]
}
