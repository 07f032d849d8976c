package compose

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fragserve/fragserve/template"
)

// The client runtime's bootstrap contract (spec.md §6) exposes placeholder,
// start, and end as Pipe.* calls; the script argument is reserved for a
// future asset-manifest integration and is always empty here (no asset-link
// negotiation is implemented).

func writeStartMarker(w io.Writer, idx int, attrs template.FragmentAttrs) error {
	_, err := fmt.Fprintf(w, `<script>Pipe.start(%d,"",%s)</script>`, idx, attrsJSON(attrs))
	return err
}

func writeEndMarker(w io.Writer, idx int, attrs template.FragmentAttrs) error {
	_, err := fmt.Fprintf(w, `<script>Pipe.end(%d,"",%s)</script>`, idx, attrsJSON(attrs))
	return err
}

func writePlaceholderMarker(w io.Writer, idx int) error {
	_, err := fmt.Fprintf(w, `<script>Pipe.placeholder(%d)</script>`, idx)
	return err
}

func attrsJSON(attrs template.FragmentAttrs) string {
	b, err := json.Marshal(struct {
		ID string `json:"id,omitempty"`
	}{ID: attrs.ID})
	if err != nil {
		return "{}"
	}
	return string(b)
}
