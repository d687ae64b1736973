// Package vision compares a detection's cropped shelf photo against
// candidate reference images using a vision-capable model. Providers
// implement Classifier; Screen drives one classification per candidate
// and enforces the confidence floor so downstream stages never see an
// under-confident match.
package vision

import (
	"context"
	"errors"
	"fmt"

	"shelfmatch/internal/model"
)

// ErrClassificationFailed marks a failed classification call. The
// failure is isolated to one candidate: callers record it as not_match
// with a diagnostic rationale and keep going.
var ErrClassificationFailed = errors.New("classification failed")

// Request is one classification: the detection's crop image against
// one candidate's reference image. CropImage is an URL or a local
// file path.
type Request struct {
	CropImage string
	Candidate model.Candidate
}

// Verdict is a classifier's answer for one candidate.
type Verdict struct {
	Status     model.MatchStatus
	Confidence float64
	Rationale  string
}

// Classifier is a vision model that can compare two product images.
type Classifier interface {
	// Name returns the classifier identifier for logging.
	Name() string

	// Available returns true if the classifier is configured and ready.
	Available() bool

	// Classify compares the detection crop with the candidate's
	// reference image.
	Classify(ctx context.Context, req Request) (Verdict, error)
}

const systemPrompt = `You compare two retail product photos.
Image 1 is a cropped shelf photo of one detected product. Image 2 is a catalog reference photo of a candidate product.
Classify the pair as exactly one of:
- identical: same product, same packaging and size
- almost_same: same brand and product family, but a different size or flavor variant
- not_match: a different product
Respond with JSON only: {"match_status": "...", "confidence": <0.0-1.0>, "rationale": "<one short sentence>"}`

// userPrompt describes the candidate so the model can use the catalog
// attributes alongside the reference photo.
func userPrompt(c model.Candidate) string {
	return fmt.Sprintf("Candidate catalog entry: brand=%q title=%q size=%q gtin=%s. Compare the two images.",
		c.Brand, c.Title, c.Size, c.GTIN)
}
