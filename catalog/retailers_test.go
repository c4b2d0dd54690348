package catalog

import (
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extract(t *testing.T, pageURL, html string) Product {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	u, err := url.Parse(pageURL)
	require.NoError(t, err)
	p, err := Extract(doc, u)
	require.NoError(t, err)
	return p
}

func TestExtractAmazonSelectors(t *testing.T) {
	p := extract(t, "https://www.amazon.in/dp/B0TEST", `<html><head>
		<meta property="og:title" content="Amazon.in">
		<meta property="og:image" content="https://m.media-amazon.com/logo.png">
		</head><body>
		<span id="productTitle">
			Allen Solly Men Regular Fit   Polo
		</span>
		<div id="productDescription"><p>Cotton pique polo.</p></div>
		<img id="landingImage" src="https://m.media-amazon.com/small.jpg" data-old-hires="https://m.media-amazon.com/large.jpg">
		</body></html>`)

	assert.Equal(t, "Allen Solly Men Regular Fit Polo", p.Title)
	assert.Equal(t, "Cotton pique polo.", p.Description)
	assert.Equal(t, "https://m.media-amazon.com/large.jpg", p.ImageURL)
}

func TestExtractMyntraBackgroundImage(t *testing.T) {
	p := extract(t, "https://www.myntra.com/tshirts/hm/11468714/buy", `<html><body>
		<h1 class="pdp-title">H&amp;M</h1>
		<div class="image-grid-image" style="background-image: url(&quot;https://assets.myntassets.com/tee.jpg&quot;);"></div>
		</body></html>`)

	assert.Equal(t, "H&M", p.Title)
	assert.Equal(t, "https://assets.myntassets.com/tee.jpg", p.ImageURL)
}

func TestRetailerFor(t *testing.T) {
	_, ok := retailerFor("WWW.Flipkart.com")
	assert.True(t, ok)
	_, ok = retailerFor("dl.flipkart.com")
	assert.True(t, ok)
	_, ok = retailerFor("notflipkart.com")
	assert.False(t, ok)
}

func TestBackgroundURL(t *testing.T) {
	assert.Equal(t, "https://x.test/a.jpg", backgroundURL(`background-image: url('https://x.test/a.jpg')`))
	assert.Equal(t, "", backgroundURL("color: red"))
	assert.Equal(t, "", backgroundURL("background-image: url(broken"))
}
