package surface

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
)

const (
	// StyleElementID identifies the <style> element that receives override
	// text. Live style updates replace its content.
	StyleElementID = "sandbox-style-overrides"

	// MarkerAttr is the attribute the proposed-document producer sets on
	// elements it changed.
	MarkerAttr = "data-modified"

	// DefaultMarkerLabel is the badge text shown on marked elements.
	DefaultMarkerLabel = "Modified"
)

//go:embed templates/payload.html
var templateFS embed.FS

var payloadTemplate = template.Must(template.ParseFS(templateFS, "templates/payload.html"))

// Document is opaque markup text.
type Document string

// PayloadOptions are the inputs of a full render other than the document.
type PayloadOptions struct {
	// Overrides is compiled override text (see package style).
	Overrides string
	// ShowMarkers enables the modified-region highlight and badge.
	ShowMarkers bool
	// MarkerLabel is the badge text; empty means DefaultMarkerLabel.
	MarkerLabel string
}

type payloadData struct {
	StyleID     string
	Overrides   template.CSS
	ShowMarkers bool
	MarkerAttr  string
	MarkerLabel string
	Document    template.HTML
}

// BuildPayload renders the complete markup loaded into a rendering context.
// It is a pure function of its inputs.
func BuildPayload(doc Document, opts PayloadOptions) (string, error) {
	label := opts.MarkerLabel
	if label == "" {
		label = DefaultMarkerLabel
	}
	data := payloadData{
		StyleID:     StyleElementID,
		Overrides:   template.CSS(escapeStyleText(opts.Overrides)),
		ShowMarkers: opts.ShowMarkers,
		MarkerAttr:  MarkerAttr,
		MarkerLabel: label,
		Document:    template.HTML(doc),
	}
	var buf bytes.Buffer
	if err := payloadTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("build payload: %w", err)
	}
	return buf.String(), nil
}

// escapeStyleText keeps text inside the <style> element it is written into.
// In CSS "<\/" outside a string is inert and inside one it reads as "</".
func escapeStyleText(css string) string {
	return strings.ReplaceAll(css, "</", `<\/`)
}
