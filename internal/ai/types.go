package ai

// InferenceRequest represents a request to the inference service
type InferenceRequest struct {
	Image               string   `json:"image"`                          // Base64-encoded JPEG image
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"` // Optional override
	EnabledClasses      []string `json:"enabled_classes,omitempty"`      // Optional filter
}

// BoundingBox is one detected object as reported by the inference service.
// Any field may be missing; a box is only usable when all four corners
// are present.
type BoundingBox struct {
	X1         *float64 `json:"x1,omitempty"`
	Y1         *float64 `json:"y1,omitempty"`
	X2         *float64 `json:"x2,omitempty"`
	Y2         *float64 `json:"y2,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	ClassID    int      `json:"class_id"`
	ClassName  string   `json:"class_name"`
}

// InferenceResponse represents the response from the inference service
type InferenceResponse struct {
	BoundingBoxes   []BoundingBox `json:"bounding_boxes"`
	InferenceTimeMs float64       `json:"inference_time_ms"`
	FrameShape      []int         `json:"frame_shape"`       // [height, width]
	ModelInputShape []int         `json:"model_input_shape"` // [height, width]
	DetectionCount  int           `json:"detection_count"`
}

// InferenceStats is the service-side counter snapshot
type InferenceStats struct {
	TotalInferences int     `json:"total_inferences"`
	TotalTimeMs     float64 `json:"total_time_ms"`
	AverageTimeMs   float64 `json:"average_time_ms"`
}

// ClientStats counts requests made by one Client
type ClientStats struct {
	Requests int64 `json:"requests"`
	Failures int64 `json:"failures"`
	Retries  int64 `json:"retries"`
}

// Object is one detected object in a frame. Confidence is nil when the
// detector did not report one, and BBox is empty or (x1, y1, x2, y2) in
// source pixels.
type Object struct {
	ClassID    int
	ClassLabel string
	Confidence *float64
	BBox       []float64
}

// HasBox reports whether the object carries a full bounding box
func (o Object) HasBox() bool {
	return len(o.BBox) == 4
}

// ToObject converts a wire box to an Object without rounding or clamping
func (b BoundingBox) ToObject() Object {
	obj := Object{
		ClassID:    b.ClassID,
		ClassLabel: b.ClassName,
		BBox:       []float64{},
	}
	if b.Confidence != nil {
		c := *b.Confidence
		obj.Confidence = &c
	}
	if b.X1 != nil && b.Y1 != nil && b.X2 != nil && b.Y2 != nil {
		obj.BBox = []float64{*b.X1, *b.Y1, *b.X2, *b.Y2}
	}
	return obj
}
