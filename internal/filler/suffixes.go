package filler

import "github.com/shehryarbajwa/quotefill/pkg/models"

// Suffixes holds the stable identifier endings of one category's repeated row.
// The server-generated prefix in front of them changes between deployments.
type Suffixes struct {
	Quantity     string
	Traceability string
	UOM          string
	Price        string
	Outright     string
	Exchange     string
	LeadTime     string
	TagDate      string
	MinQuantity  string
	Comment      string
}

// Single-occurrence fields written once per form after the items.
const (
	NotesID        = "txtNotes"
	NotesSuffix    = "_txtNotes"
	PreparerID     = "txtPreparedBy"
	PreparerSuffix = "_txtPreparedBy"
)

var categorySuffixes = buildSuffixes(models.ConditionCodes)

func buildSuffixes(codes []string) map[string]Suffixes {
	m := make(map[string]Suffixes, len(codes))
	for _, code := range codes {
		m[code] = Suffixes{
			Quantity:     "_txtQty" + code,
			Traceability: "_ddlTrace" + code,
			UOM:          "_txtUom" + code,
			Price:        "_txtPrice" + code,
			Outright:     "_rbOutright" + code,
			Exchange:     "_rbExchange" + code,
			LeadTime:     "_txtLeadTime" + code,
			TagDate:      "_txtTagDate" + code,
			MinQuantity:  "_txtMinQty" + code,
			Comment:      "_txtComment" + code,
		}
	}
	return m
}

// SuffixesFor returns the suffix set for a normalized category code.
func SuffixesFor(code string) (Suffixes, bool) {
	s, ok := categorySuffixes[code]
	return s, ok
}
