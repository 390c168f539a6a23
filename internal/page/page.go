// Package page models the document the scanner works on: image elements with stable
// ids, placeholder replacement, and a feed of mutation batches for content added
// after load.
package page

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/kozaktomas/face-blocker/internal/constants"
)

// Image is an image element as the scanner sees it.
type Image struct {
	ID     string `json:"id"`
	Src    string `json:"src"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// MutationBatch describes one batch of added content.
type MutationBatch struct {
	AddedNodes    int      `json:"addedNodes"`
	AddedImageIDs []string `json:"addedImageIds"`
}

// HasImages reports whether the batch added an image, directly or inside a subtree.
func (b MutationBatch) HasImages() bool {
	return len(b.AddedImageIDs) > 0
}

// DimensionProber reports the natural size of an image source.
type DimensionProber interface {
	Dimensions(ctx context.Context, src string) (width, height int, err error)
}

// Document is a parsed HTML page. It is safe for concurrent use.
type Document struct {
	mu      sync.Mutex
	doc     *goquery.Document
	base    *url.URL
	nextID  int
	natural map[string][2]int
	blocked int

	mutations chan MutationBatch
	closed    bool
}

// Parse reads an HTML document. base resolves relative image sources and may be empty.
func Parse(r io.Reader, base string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}

	d := &Document{
		doc:       doc,
		natural:   make(map[string][2]int),
		mutations: make(chan MutationBatch, constants.EventChannelBuffer),
	}
	if base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
		d.base = u
	}
	d.assignIDs(doc.Selection)
	return d, nil
}

// ParseString is Parse for an in-memory document.
func ParseString(s, base string) (*Document, error) {
	return Parse(strings.NewReader(s), base)
}

// assignIDs gives every image in sel (or sel itself) a stable id and returns the ids.
// Callers hold d.mu or own d exclusively.
func (d *Document) assignIDs(sel *goquery.Selection) []string {
	var ids []string
	sel.Filter("img").AddSelection(sel.Find("img")).Each(func(_ int, img *goquery.Selection) {
		if id, ok := img.Attr(constants.ElementIDAttr); ok {
			ids = append(ids, id)
			return
		}
		d.nextID++
		id := "img-" + strconv.Itoa(d.nextID)
		img.SetAttr(constants.ElementIDAttr, id)
		ids = append(ids, id)
	})
	return ids
}

// Images returns every image element that has a source, in document order.
func (d *Document) Images() []Image {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Image
	d.doc.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		if im, ok := d.imageOf(img); ok {
			out = append(out, im)
		}
	})
	return out
}

// Image returns the image with the given id.
func (d *Document) Image(id string) (Image, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.imageOf(d.find(id))
}

func (d *Document) find(id string) *goquery.Selection {
	return d.doc.Find(fmt.Sprintf(`img[%s=%q]`, constants.ElementIDAttr, id))
}

// imageOf builds an Image, preferring the natural size and falling back to the
// width and height attributes.
func (d *Document) imageOf(img *goquery.Selection) (Image, bool) {
	if img.Length() == 0 {
		return Image{}, false
	}
	id, _ := img.Attr(constants.ElementIDAttr)
	src := strings.TrimSpace(img.AttrOr("src", ""))
	if id == "" || src == "" {
		return Image{}, false
	}

	im := Image{ID: id, Src: d.resolve(src)}
	if n, ok := d.natural[id]; ok {
		im.Width, im.Height = n[0], n[1]
	}
	if im.Width == 0 {
		im.Width = attrInt(img, "width")
	}
	if im.Height == 0 {
		im.Height = attrInt(img, "height")
	}
	return im, true
}

func attrInt(s *goquery.Selection, name string) int {
	v := strings.TrimSuffix(strings.TrimSpace(s.AttrOr(name, "")), "px")
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (d *Document) resolve(src string) string {
	if d.base == nil || strings.HasPrefix(src, "data:") {
		return src
	}
	u, err := url.Parse(src)
	if err != nil {
		return src
	}
	return d.base.ResolveReference(u).String()
}

// SetNaturalSize records the decoded size of an image.
func (d *Document) SetNaturalSize(id string, width, height int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.natural[id] = [2]int{width, height}
}

// ResolveDimensions probes the natural size of every image not yet probed and
// returns how many were resolved. Images that fail to load keep their attribute size.
func (d *Document) ResolveDimensions(ctx context.Context, prober DimensionProber) int {
	resolved := 0
	for _, im := range d.Images() {
		if ctx.Err() != nil {
			break
		}
		d.mu.Lock()
		_, done := d.natural[im.ID]
		d.mu.Unlock()
		if done {
			continue
		}
		w, h, err := prober.Dimensions(ctx, im.Src)
		if err != nil {
			continue
		}
		d.SetNaturalSize(im.ID, w, h)
		resolved++
	}
	return resolved
}

// Replace swaps the image with a placeholder naming who matched. It reports
// false when the image is no longer in the document.
func (d *Document) Replace(id, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	img := d.find(id)
	im, ok := d.imageOf(img)
	if !ok {
		return false
	}
	img.ReplaceWithHtml(placeholder(im, name))
	d.blocked++
	return true
}

func placeholder(im Image, name string) string {
	style := "display:flex;align-items:center;justify-content:center;text-align:center;" +
		"background:linear-gradient(45deg,#ff6b6b,#ff8e8e);border:2px solid #ff4757;" +
		"color:white;font-family:Arial,sans-serif;font-size:14px;font-weight:bold;box-sizing:border-box;"
	if im.Width > 0 {
		style += fmt.Sprintf("width:%dpx;", im.Width)
	}
	if im.Height > 0 {
		style += fmt.Sprintf("height:%dpx;", im.Height)
	}
	return fmt.Sprintf(`<div %s="blocked" %s=%q data-name="%s" style="%s"><div>&#x1F6AB; Image Blocked<br><small>%s</small></div></div>`,
		constants.PlaceholderAttr, constants.ElementIDAttr, im.ID, html.EscapeString(name), style, html.EscapeString(name))
}

// Blocked returns how many images were replaced.
func (d *Document) Blocked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocked
}

// Placeholders returns the names recorded on inserted placeholders, in document order.
func (d *Document) Placeholders() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var names []string
	d.doc.Find(fmt.Sprintf("[%s]", constants.PlaceholderAttr)).Each(func(_ int, s *goquery.Selection) {
		names = append(names, s.AttrOr("data-name", ""))
	})
	return names
}

// AppendHTML parses fragment, appends it to the first element matching selector
// (the body when empty) and publishes the resulting mutation batch.
func (d *Document) AppendHTML(selector, fragment string) (MutationBatch, error) {
	if selector == "" {
		selector = "body"
	}

	d.mu.Lock()
	target := d.doc.Find(selector).First()
	if target.Length() == 0 {
		d.mu.Unlock()
		return MutationBatch{}, fmt.Errorf("no element matches %q", selector)
	}
	before := target.Contents().Length()
	target.AppendHtml(fragment)
	added := target.Contents().Slice(before, goquery.ToEnd)
	batch := MutationBatch{
		AddedNodes:    added.Length(),
		AddedImageIDs: d.assignIDs(added),
	}
	d.mu.Unlock()

	d.publish(batch)
	return batch, nil
}

// Remove deletes the elements with the given ids.
func (d *Document) Remove(ids ...string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for _, id := range ids {
		sel := d.doc.Find(fmt.Sprintf(`[%s=%q]`, constants.ElementIDAttr, id))
		removed += sel.Length()
		sel.Remove()
		delete(d.natural, id)
	}
	return removed
}

func (d *Document) publish(batch MutationBatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.mutations <- batch:
	default:
		// Feed buffer full, skip.
	}
}

// Mutations delivers a batch for every AppendHTML call until Close.
func (d *Document) Mutations() <-chan MutationBatch {
	return d.mutations
}

// URL returns the base URL the document was parsed with, or "" when none was given.
func (d *Document) URL() string {
	if d.base == nil {
		return ""
	}
	return d.base.String()
}

// HTML renders the current document.
func (d *Document) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Html()
}

// Close ends the mutation feed.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.mutations)
	}
}
