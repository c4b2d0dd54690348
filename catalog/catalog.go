// Package catalog turns a product page into a garment.
package catalog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/models"
)

// Product is what a product page tells us about a garment.
type Product struct {
	SourceURL   string `json:"source_url"`
	Title       string `json:"title"`
	Brand       string `json:"brand,omitempty"`
	ImageURL    string `json:"image_url"`
	Description string `json:"description,omitempty"`
}

// Garment converts the product into a user-added garment of the given category.
func (p Product) Garment(category models.Category) models.Garment {
	return models.Garment{
		Title:       p.Title,
		Brand:       p.Brand,
		Category:    category,
		Image:       models.ImageRef{URI: p.ImageURL},
		IsUserAdded: true,
		SourceURL:   p.SourceURL,
	}
}

// Importer fetches product pages over plain HTTP with browser-like headers.
type Importer struct {
	client *http.Client
	log    *logger.Logger
}

func NewImporter(client *http.Client, log *logger.Logger) *Importer {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				ForceAttemptHTTP2:     false,
				TLSNextProto:          make(map[string]func(string, *tls.Conn) http.RoundTripper),
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
	return &Importer{client: client, log: logger.OrNop(log).With("component", "catalog_importer")}
}

// Fetch downloads and parses a product page.
func (i *Importer) Fetch(ctx context.Context, productURL string) (Product, error) {
	const op = "import product"
	u, err := url.Parse(strings.TrimSpace(productURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Product{}, apperr.Validationf(op, "invalid product url %q", productURL)
	}
	doc, err := i.FetchDocument(ctx, u.String())
	if err != nil {
		return Product{}, err
	}
	if blocked(doc) {
		return Product{}, apperr.Validationf(op, "%s blocked the request", u.Host)
	}
	p, err := Extract(doc, u)
	if err != nil {
		return Product{}, apperr.Validation(op, err)
	}
	i.log.Info("product page parsed", "url", p.SourceURL, "title", p.Title)
	return p, nil
}

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// maxImageBytes caps product image downloads.
const maxImageBytes = 20 << 20

// Resolve follows redirects so share links (amzn.to, myntr.it, ...) map to the product page.
// On failure the input is returned with the error.
func (i *Importer) Resolve(ctx context.Context, productURL string) (string, error) {
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, productURL, nil)
		if err != nil {
			return productURL, err
		}
		req.Header.Set("User-Agent", userAgent)
		res, err := i.client.Do(req)
		if err != nil {
			if method == http.MethodGet {
				return productURL, err
			}
			continue
		}
		res.Body.Close()
		// servers that reject HEAD get a second chance with GET
		if res.StatusCode == http.StatusOK || method == http.MethodGet {
			return res.Request.URL.String(), nil
		}
	}
	return productURL, nil
}

// FetchImage downloads a product image.
func (i *Importer) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	const op = "fetch product image"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, apperr.Validation(op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	res, err := i.client.Do(req)
	if err != nil {
		return nil, apperr.Transport(op, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, apperr.FromStatus(op, res.StatusCode, res.Status)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxImageBytes))
	if err != nil {
		return nil, apperr.Transport(op, err)
	}
	return data, nil
}

// FetchDocument GETs the page with browser headers and parses it.
func (i *Importer) FetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	const op = "fetch product page"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, apperr.Validation(op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")

	res, err := i.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperr.Transport(op, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, apperr.FromStatus(op, res.StatusCode, res.Status)
	}
	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, apperr.Transport(op, err)
	}
	return doc, nil
}

func blocked(doc *goquery.Document) bool {
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").Text()))
	return strings.Contains(title, "robot check") ||
		strings.Contains(title, "captcha") ||
		strings.Contains(title, "access denied")
}

// Extract reads known retailer selectors, then OpenGraph and product meta tags,
// falling back to the page title and the largest declared <img>.
func Extract(doc *goquery.Document, pageURL *url.URL) (Product, error) {
	p := Product{SourceURL: pageURL.String()}
	shop, _ := retailerFor(pageURL.Hostname())

	p.Title = firstNonEmpty(
		shop.text(doc, shop.title),
		meta(doc, "og:title"),
		meta(doc, "twitter:title"),
		strings.TrimSpace(doc.Find("h1").First().Text()),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	p.Brand = firstNonEmpty(
		meta(doc, "product:brand"),
		meta(doc, "og:brand"),
		strings.TrimSpace(doc.Find(`[itemprop="brand"]`).First().Text()),
	)
	p.Description = firstNonEmpty(
		shop.text(doc, shop.description),
		meta(doc, "og:description"),
		meta(doc, "description"),
	)

	img := firstNonEmpty(
		shop.image(doc),
		meta(doc, "og:image:secure_url"),
		meta(doc, "og:image"),
		meta(doc, "twitter:image"),
		largestImage(doc),
	)
	if img == "" {
		return Product{}, fmt.Errorf("no product image found on %s", pageURL.Host)
	}
	ref, err := url.Parse(img)
	if err != nil {
		return Product{}, fmt.Errorf("bad image url %q: %w", img, err)
	}
	p.ImageURL = pageURL.ResolveReference(ref).String()
	if p.Title == "" {
		p.Title = pageURL.Host
	}
	return p, nil
}

func meta(doc *goquery.Document, name string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, name, name)).First()
	v, _ := sel.Attr("content")
	return strings.TrimSpace(v)
}

func largestImage(doc *goquery.Document) string {
	best, bestArea := "", 0
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		w, _ := strconv.Atoi(s.AttrOr("width", "0"))
		h, _ := strconv.Atoi(s.AttrOr("height", "0"))
		area := w * h
		if best == "" || area > bestArea {
			best, bestArea = src, area
		}
	})
	return best
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Keyword order matters: a "shirt dress" is a dress.
var categoryKeywords = []struct {
	category models.Category
	words    []string
}{
	{models.CategoryOnepiece, []string{"dress", "jumpsuit", "saree", "romper", "gown"}},
	{models.CategoryOuterwear, []string{"jacket", "coat", "blazer", "parka", "cardigan"}},
	{models.CategoryFootwear, []string{"shoe", "sneaker", "boot", "sandal", "loafer", "heels"}},
	{models.CategoryBags, []string{"bag", "backpack", "tote", "clutch", "wallet"}},
	{models.CategoryBottoms, []string{"jeans", "trouser", "pants", "shorts", "skirt", "chinos", "leggings"}},
	{models.CategoryTops, []string{"shirt", "t-shirt", "tee", "top", "blouse", "kurta", "sweater", "hoodie", "polo"}},
	{models.CategoryAccessories, []string{"watch", "belt", "cap", "hat", "sunglasses", "scarf", "necklace"}},
}

// GuessCategory infers a category from product text.
func GuessCategory(text string) (models.Category, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '-')
	})
	for _, entry := range categoryKeywords {
		for _, kw := range entry.words {
			for _, w := range words {
				if w == kw || strings.TrimSuffix(w, "s") == kw {
					return entry.category, true
				}
			}
		}
	}
	return "", false
}
