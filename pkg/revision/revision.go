// Package revision defines the wire types of the remote revision feed and
// the document endpoints the export pipeline relies on.
package revision

import (
	"fmt"

	"github.com/Sternrassler/drawing-exporter/pkg/pagination"
)

// ElementType classifies a document element.
type ElementType int

const (
	// ElementPartStudio is a part studio element.
	ElementPartStudio ElementType = 0

	// ElementAssembly is an assembly element.
	ElementAssembly ElementType = 1

	// ElementDrawing is a drawing element. Only drawings are exported.
	ElementDrawing ElementType = 2
)

// String returns the lowercase element type name.
func (t ElementType) String() string {
	switch t {
	case ElementPartStudio:
		return "part-studio"
	case ElementAssembly:
		return "assembly"
	case ElementDrawing:
		return "drawing"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Revision is one immutable released version of a document element.
type Revision struct {
	ID          string      `json:"id"`
	DocumentID  string      `json:"documentId"`
	VersionID   string      `json:"versionId"`
	ElementID   string      `json:"elementId"`
	ElementType ElementType `json:"elementType"`
	PartNumber  string      `json:"partNumber"`
	Revision    string      `json:"revision"`
	CreatedAt   string      `json:"createdAt,omitempty"`
}

// IsDrawing reports whether the revision belongs to a drawing element.
func (r Revision) IsDrawing() bool {
	return r.ElementType == ElementDrawing
}

// FileName is the artifact name for the revision: <partNumber>_<revision>.pdf
func (r Revision) FileName() string {
	return r.PartNumber + "_" + r.Revision + ".pdf"
}

// Page is one page of the company revision feed.
type Page = pagination.Page[Revision]

// Document is the subset of the document resource the exporter reads.
type Document struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Trash bool   `json:"trash"`
}

// FeedPath builds the first feed URI for a company.
// after must already be formatted as ISO-8601.
func FeedPath(companyID string, offset int, after string) string {
	return fmt.Sprintf("api/revisions/companies/%s?offset=%d&after=%s", companyID, offset, after)
}

// DocumentPath is the document lookup path.
func DocumentPath(documentID string) string {
	return "api/documents/" + documentID
}

// TranslationPath is the drawing translation submission path for a revision.
func TranslationPath(r Revision) string {
	return fmt.Sprintf("api/drawings/d/%s/v/%s/e/%s/translations", r.DocumentID, r.VersionID, r.ElementID)
}

// ExternalDataPath is the download path of a translation artifact.
func ExternalDataPath(documentID, externalID string) string {
	return fmt.Sprintf("api/documents/d/%s/externaldata/%s", documentID, externalID)
}
