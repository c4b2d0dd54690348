package catalog

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// retailer holds page selectors for shops whose meta tags are missing or point at
// a logo. They are tried before the generic OpenGraph lookup.
type retailer struct {
	hosts       []string
	title       []string
	description []string
	images      []imageSelector
}

type imageSelector struct {
	selector string
	attr     string // "style" reads a background-image url
}

var retailers = []retailer{
	{
		hosts:       []string{"amazon.in", "amazon.com"},
		title:       []string{"#productTitle"},
		description: []string{"#productDescription", "#feature-bullets"},
		images: []imageSelector{
			{"#landingImage", "data-old-hires"},
			{"#landingImage", "src"},
			{"#imgBlkFront", "src"},
		},
	},
	{
		hosts:       []string{"flipkart.com"},
		title:       []string{".B_NuCI", "h1.yhB1nd span"},
		description: []string{"div._1mXcCf", "div.yN5-Ad"},
		images: []imageSelector{
			{"img._396cs4", "src"},
			{"ul._3GnUWp li._20Gt85 img", "src"},
		},
	},
	{
		hosts:       []string{"myntra.com"},
		title:       []string{".pdp-title", ".pdp-name"},
		description: []string{".pdp-product-description-content"},
		images:      []imageSelector{{".image-grid-image", "style"}},
	},
	{
		hosts:       []string{"tatacliq.com"},
		title:       []string{"h1.ProductDescriptionPage__productName", ".ProductDetailsMainCard__productName"},
		description: []string{".ProductDescriptionPage__description"},
		images:      []imageSelector{{"img.ImageGallery__image", "src"}},
	},
	{
		hosts:       []string{"peterengland.abfrl.in"},
		title:       []string{"h1.pdp-title", ".ProductDetails__productName"},
		description: []string{".pdp-desc"},
		images: []imageSelector{
			{".Start-image-gallery img", "src"},
			{".slick-track img", "src"},
		},
	},
}

func retailerFor(host string) (retailer, bool) {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, r := range retailers {
		for _, h := range r.hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return r, true
			}
		}
	}
	return retailer{}, false
}

func (r retailer) text(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if v := strings.Join(strings.Fields(doc.Find(sel).First().Text()), " "); v != "" {
			return v
		}
	}
	return ""
}

func (r retailer) image(doc *goquery.Document) string {
	for _, is := range r.images {
		v := strings.TrimSpace(doc.Find(is.selector).First().AttrOr(is.attr, ""))
		if is.attr == "style" {
			v = backgroundURL(v)
		}
		if v != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	return ""
}

// backgroundURL extracts the url from `background-image: url("...")`.
func backgroundURL(style string) string {
	start := strings.Index(style, "url(")
	if start == -1 {
		return ""
	}
	start += len("url(")
	end := strings.Index(style[start:], ")")
	if end == -1 {
		return ""
	}
	return strings.Trim(style[start:start+end], `"' `)
}
