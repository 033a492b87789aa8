// Package classify sends frames to a remote image classification endpoint.
//
// The endpoint contract is fixed: a multipart POST with a single "file" part,
// answered by JSON of the form
//
//	{"predictions": [{"class": "...", "confidence": 0.92, "confidence_percent": "92.00%", "rank": 1}], "error": "..."}
//
// Predictions are returned exactly as the server ranked them.
//
// Example usage:
//
//	client := classify.NewClient(classify.WithTimeout(10 * time.Second))
//	preds, err := client.Classify(ctx, "http://localhost:5000/predict", jpegBytes)
//	if classify.KindOf(err) == classify.KindNoDetection {
//	    // ask the user to face the camera
//	}
package classify

import "context"

// Classifier is implemented by Client and Mock.
type Classifier interface {
	// Classify sends one image to endpoint and returns the server's predictions.
	Classify(ctx context.Context, endpoint string, image []byte) ([]Prediction, error)
}

// Prediction is one ranked label.
type Prediction struct {
	Class             string  `json:"class"`
	Confidence        float64 `json:"confidence"`
	ConfidencePercent string  `json:"confidence_percent"`
	Rank              int     `json:"rank"`
}

// Top returns the rank-1 prediction, or false for an empty set.
func Top(preds []Prediction) (Prediction, bool) {
	for _, p := range preds {
		if p.Rank == 1 {
			return p, true
		}
	}
	if len(preds) > 0 {
		return preds[0], true
	}
	return Prediction{}, false
}

// response is the wire shape returned by the inference server.
type response struct {
	Message     string       `json:"message,omitempty"`
	Predictions []Prediction `json:"predictions,omitempty"`
	Error       string       `json:"error,omitempty"`
}
