package gemini

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sort"
	"strings"

	"google.golang.org/genai"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

type detectionReply struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	// Box is [ymin, xmin, ymax, xmax] normalized to 0..1000.
	Box []float64 `json:"box_2d"`
}

// ImageClassifier implements domain.ImageClassifier using Gemini's object
// detection output.
type ImageClassifier struct {
	client *Client
}

// NewImageClassifier creates an ImageClassifier backed by client.
func NewImageClassifier(client *Client) *ImageClassifier {
	return &ImageClassifier{client: client}
}

// Classify returns the labelled regions found in img, in img's coordinate space.
func (c *ImageClassifier) Classify(ctx context.Context, img image.Image) ([]domain.Detection, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(buf.Bytes(), "image/png"),
			genai.NewPartFromText("Detect regions in this image."),
		}, genai.RoleUser),
	}

	reply, err := c.client.ask(ctx, imageInstruction(), contents, true)
	if err != nil {
		return nil, err
	}
	return parseDetections(reply, img.Bounds())
}

func imageInstruction() string {
	labels := make([]string, 0, len(domain.ExplicitLabels)+len(domain.SuggestiveLabels))
	for l := range domain.ExplicitLabels {
		labels = append(labels, l)
	}
	for l := range domain.SuggestiveLabels {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	return `You are a nudity detector. Return a JSON array of detections, one per region, each
{"label": <one of ` + strings.Join(labels, ", ") + `>, "score": <confidence 0..1>,
"box_2d": [ymin, xmin, ymax, xmax] normalized to 0-1000}. Return [] when nothing matches.`
}

// parseDetections converts a model reply into pixel-space detections. Unknown
// labels and malformed boxes are dropped.
func parseDetections(reply string, bounds image.Rectangle) ([]domain.Detection, error) {
	var raw []detectionReply
	if err := decodeJSON(reply, &raw); err != nil {
		return nil, err
	}

	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	out := make([]domain.Detection, 0, len(raw))
	for _, d := range raw {
		label := strings.ToUpper(strings.TrimSpace(d.Label))
		if !domain.ExplicitLabels[label] && !domain.SuggestiveLabels[label] {
			continue
		}
		if len(d.Box) != 4 {
			continue
		}
		box := image.Rect(
			bounds.Min.X+int(d.Box[1]*w/1000),
			bounds.Min.Y+int(d.Box[0]*h/1000),
			bounds.Min.X+int(d.Box[3]*w/1000),
			bounds.Min.Y+int(d.Box[2]*h/1000),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}
		out = append(out, domain.Detection{Label: label, Score: d.Score, Box: box})
	}
	return out, nil
}
