package listing

import (
	"context"
	"math"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const listingFixture = `
<html><body>
<main>
	<div class="product-grid">
		<div class="product" data-sku="SKU-001" data-stock="12">
			<span class="name">Widget Alpha</span>
			<span class="price">$19.99</span>
		</div>
		<div class="product" data-sku="SKU-002">
			<span class="name">Widget   Beta</span>
			<span class="price">1.299,99 €</span>
		</div>
		<div class="product">
			<span class="name">Widget Gamma</span>
			<span class="price">Call for price</span>
		</div>
		<div class="product" data-sku="SKU-004">
			<span class="name">Sold Out</span>
			<span class="price">$5.00</span>
		</div>
	</div>
	<nav class="pagination"><a class="next" href="/catalog?page=2">Next</a></nav>
</main>
</body></html>`

func fixtureDoc(t *testing.T) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(listingFixture))
	require.NoError(t, err)
	return doc
}

func TestExtract(t *testing.T) {
	extractor, err := NewExtractor(ExtractorOptions{
		ItemSelector:  "div.product",
		NameSelector:  "span.name",
		PriceSelector: "span.price",
		IdentityField: "sku",
		ExcludeNames:  []string{"Sold Out"},
	})
	require.NoError(t, err)

	items, err := extractor.Extract(context.Background(), fixtureDoc(t))
	require.NoError(t, err)
	require.Len(t, items, 3)

	require.Equal(t, "SKU-001", items[0].Hash)
	require.Equal(t, "Widget Alpha", items[0].Name)
	require.Equal(t, 19.99, items[0].Price)
	require.Equal(t, "USD", items[0].Currency)
	require.Equal(t, "12", items[0].Fields["stock"])

	// inner whitespace in the markup collapses to one space
	require.Equal(t, "Widget Beta", items[1].Name)
	require.Equal(t, 1299.99, items[1].Price)
	require.Equal(t, "EUR", items[1].Currency)

	// no data-sku, identity falls back to a hash of the name
	require.Equal(t, fallbackHash("Widget Gamma"), items[2].Hash)
	require.True(t, math.IsNaN(items[2].Price))
	require.Equal(t, "Call for price", items[2].Fields["price_raw"])
}

func TestExtractWithoutExclusions(t *testing.T) {
	extractor, err := NewExtractor(ExtractorOptions{
		ItemSelector:  "div.product",
		NameSelector:  "span.name",
		PriceSelector: "span.price",
		IdentityField: "sku",
	})
	require.NoError(t, err)

	items, err := extractor.Extract(context.Background(), fixtureDoc(t))
	require.NoError(t, err)
	require.Len(t, items, 4)
	require.Equal(t, "SKU-004", items[3].Hash)
}

func TestExtractEmptyGrid(t *testing.T) {
	extractor, err := NewExtractor(ExtractorOptions{
		ItemSelector:  "div.product",
		NameSelector:  "span.name",
		PriceSelector: "span.price",
		IdentityField: "sku",
	})
	require.NoError(t, err)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<html><body><div class="product-grid"></div></body></html>`,
	))
	require.NoError(t, err)

	items, err := extractor.Extract(context.Background(), doc)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestNewExtractorInvalid(t *testing.T) {
	_, err := NewExtractor(ExtractorOptions{
		ItemSelector:  "div.product:::broken",
		NameSelector:  "span.name",
		PriceSelector: "span.price",
		IdentityField: "sku",
	})
	require.Error(t, err)

	_, err = NewExtractor(ExtractorOptions{
		ItemSelector:  "div.product",
		NameSelector:  "span.name",
		PriceSelector: "span.price",
		IdentityField: "   ",
	})
	require.Error(t, err)
}

func TestExtractPrefersDataAttributes(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
		<div class="product" data-sku="SKU-009" data-name="Widget Omega" data-price="€49,90">
			<span class="name">WIDGET OMEGA SALE!!!</span>
			<span class="price">$999.99</span>
		</div>`))
	require.NoError(t, err)

	extractor, err := NewExtractor(ExtractorOptions{
		ItemSelector:  "div.product",
		NameSelector:  "span.name",
		PriceSelector: "span.price",
		IdentityField: "sku",
	})
	require.NoError(t, err)

	items, err := extractor.Extract(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Widget Omega", items[0].Name)
	require.Equal(t, 49.9, items[0].Price)
	require.Equal(t, "EUR", items[0].Currency)
}

func TestNextUrl(t *testing.T) {
	base, err := url.Parse("https://shop.example.com/catalog")
	require.NoError(t, err)

	next, err := NextUrl(context.Background(), fixtureDoc(t), "nav.pagination a.next", base)
	require.NoError(t, err)
	require.Equal(t, "https://shop.example.com/catalog?page=2", next)

	next, err = NextUrl(context.Background(), fixtureDoc(t), "a.does-not-exist", base)
	require.NoError(t, err)
	require.Equal(t, "", next)
}
