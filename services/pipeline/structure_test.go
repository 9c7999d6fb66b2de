package pipeline

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const listingPage = `<html><body>
<div class="product-grid">
	<div class="product" data-hash="h1">
		<span class="name">Walnut Desk</span>
		<span class="price">$120.00</span>
	</div>
</div>
<nav class="pagination"></nav>
</body></html>`

func mustParse(t *testing.T, raw string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestValidateStructure(t *testing.T) {
	testCases := []struct {
		name      string
		html      string
		selectors []string
		missing   []string
	}{
		{
			name:      "all present",
			html:      listingPage,
			selectors: []string{"div.product-grid", "div.product", "span.price"},
			missing:   nil,
		},
		{
			name:      "one absent",
			html:      listingPage,
			selectors: []string{"div.product-grid", "div.sidebar"},
			missing:   []string{"div.sidebar"},
		},
		{
			name:      "collects every absent selector in order",
			html:      listingPage,
			selectors: []string{"div.sidebar", "span.price", "ul.breadcrumbs", "footer .legal"},
			missing:   []string{"div.sidebar", "ul.breadcrumbs", "footer .legal"},
		},
		{
			name:      "empty document fails everything",
			html:      "",
			selectors: []string{"div.product-grid", "span.price"},
			missing:   []string{"div.product-grid", "span.price"},
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateStructure(mustParse(t, test.html), test.selectors)
			if test.missing == nil {
				require.NoError(t, err)
				return
			}

			var structural *StructuralError
			require.ErrorAs(t, err, &structural)
			diff := cmp.Diff(test.missing, structural.Missing)
			if diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestValidateStructureRepeatable(t *testing.T) {
	doc := mustParse(t, listingPage)
	set, err := CompileSelectors([]string{"div.product", "span.name"})
	require.NoError(t, err)

	// validation never consumes or mutates the document
	require.NoError(t, set.Validate(doc))
	require.NoError(t, set.Validate(doc))
}

func TestCompileSelectors(t *testing.T) {
	testCases := []struct {
		name      string
		selectors []string
		ok        bool
	}{
		{name: "valid set", selectors: []string{"div.product", "#main > .price"}, ok: true},
		{name: "empty set", selectors: nil, ok: false},
		{name: "blank entry", selectors: []string{"div.product", "  "}, ok: false},
		{name: "unparseable selector", selectors: []string{"div.product", "p:::nth"}, ok: false},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			_, err := CompileSelectors(test.selectors)
			if test.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
