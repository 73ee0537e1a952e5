package extract

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jstrand/listcrawld/internal/crawl"
)

func listHTML(count, totalPages int) string {
	var b strings.Builder
	b.WriteString("<html><body><ul class=\"product-list\">")
	for i := 0; i < count; i++ {
		fmt.Fprintf(&b, `<li><a class="product-link" href="/products/%d">Item %d</a></li>`, i, i)
	}
	b.WriteString("</ul><div class=\"pagination\">")
	fmt.Fprintf(&b, `<a href="?page=1">1</a><a href="?page=2">2</a><a href="?page=%d">last</a>`, totalPages)
	b.WriteString("</div></body></html>")
	return b.String()
}

const detailHTML = `<html><body>
<h1 class="product-title">Induction Hob IX-300</h1>
<span class="manufacturer">Acme Appliances</span>
<span class="model">IX-300</span>
<span class="certificate-id">CERT-2024-0117</span>
<span class="certified-at">2024-01-17</span>
<table class="specs">
  <tr><th>Voltage</th><td>230V</td></tr>
  <tr><th>Width</th><td>60cm</td></tr>
  <tr><th></th><td>ignored</td></tr>
</table>
</body></html>`

func TestExtractListURLsInRenderedOrder(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	urls, err := e.ExtractListURLs(listHTML(4, 10))
	require.NoError(t, err)
	require.Equal(t, []string{"/products/0", "/products/1", "/products/2", "/products/3"}, urls)
}

func TestExtractListURLsEmptyPage(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	urls, err := e.ExtractListURLs("<html><body><ul class=\"product-list\"></ul></body></html>")
	require.NoError(t, err)
	require.Empty(t, urls)
}

func TestExtractDetail(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	detail, err := e.ExtractDetail(detailHTML)
	require.NoError(t, err)
	require.Equal(t, "Induction Hob IX-300", detail.Title)
	require.Equal(t, "Acme Appliances", detail.Manufacturer)
	require.Equal(t, "IX-300", detail.Model)
	require.Equal(t, "CERT-2024-0117", detail.CertificateID)
	require.NotNil(t, detail.CertifiedAt)
	require.Equal(t, time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC), *detail.CertifiedAt)
	require.Equal(t, map[string]string{"Voltage": "230V", "Width": "60cm"}, detail.Extra)
}

func TestExtractDetailWithoutTitleFails(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	_, err := e.ExtractDetail("<html><body><span class=\"model\">X</span></body></html>")
	require.Error(t, err)
	require.Equal(t, crawl.KindParse, crawl.KindOf(err))
}

func TestExtractPagination(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	total, onPage, err := e.ExtractPagination(listHTML(7, 482))
	require.NoError(t, err)
	require.Equal(t, 482, total)
	require.Equal(t, 7, onPage)
}

func TestExtractPaginationFromLinkText(t *testing.T) {
	t.Parallel()

	html := `<html><body><ul class="product-list"></ul>
<div class="pagination"><a href="/list/1">1</a><a href="/list/9">page 9</a></div>
</body></html>`
	e := New(Config{})
	total, onPage, err := e.ExtractPagination(html)
	require.NoError(t, err)
	require.Equal(t, 9, total)
	require.Zero(t, onPage)
}

func TestExtractPaginationMissingLinksFails(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	_, _, err := e.ExtractPagination("<html><body>no pagination here</body></html>")
	require.Error(t, err)
	require.Equal(t, crawl.KindParse, crawl.KindOf(err))
}

func TestExtractPaginationRejectsOverfullPage(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	_, _, err := e.ExtractPagination(listHTML(crawl.ProductsPerPage+1, 3))
	require.Error(t, err)
	require.Equal(t, crawl.KindParse, crawl.KindOf(err))
}
