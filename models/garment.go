package models

import (
	"fmt"
	"strings"
	"time"
)

// Category is the garment category used for layering.
type Category string

const (
	CategoryTops        Category = "tops"
	CategoryBottoms     Category = "bottoms"
	CategoryOnepiece    Category = "onepiece"
	CategoryOuterwear   Category = "outerwear"
	CategoryFootwear    Category = "footwear"
	CategoryBags        Category = "bags"
	CategoryAccessories Category = "accessories"
)

// AllCategories lists every Category variant.
var AllCategories = []Category{
	CategoryTops,
	CategoryBottoms,
	CategoryOnepiece,
	CategoryOuterwear,
	CategoryFootwear,
	CategoryBags,
	CategoryAccessories,
}

// Lower priority is worn closer to the skin.
var layerPriorities = map[Category]int{
	CategoryOnepiece:    10,
	CategoryTops:        20,
	CategoryBottoms:     30,
	CategoryOuterwear:   40,
	CategoryFootwear:    50,
	CategoryBags:        60,
	CategoryAccessories: 70,
}

func init() {
	if err := checkLayerTable(AllCategories, layerPriorities); err != nil {
		panic(err)
	}
}

func checkLayerTable(categories []Category, table map[Category]int) error {
	if len(table) != len(categories) {
		return fmt.Errorf("layer priority table has %d entries for %d categories", len(table), len(categories))
	}
	for _, c := range categories {
		if _, ok := table[c]; !ok {
			return fmt.Errorf("category %q has no layer priority", c)
		}
	}
	return nil
}

// DefaultLayerPriority returns the fixed stacking priority for c.
func DefaultLayerPriority(c Category) (int, bool) {
	p, ok := layerPriorities[c]
	return p, ok
}

func (c Category) Valid() bool {
	_, ok := layerPriorities[c]
	return ok
}

// ParseCategory accepts the category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown garment category %q", s)
	}
	return c, nil
}

// ImageRef is either a remote URI or a bundled-asset handle, never both.
type ImageRef struct {
	URI   string `bson:"uri,omitempty" json:"uri,omitempty"`
	Asset string `bson:"asset,omitempty" json:"asset,omitempty"`
}

func (r ImageRef) IsAsset() bool { return r.URI == "" && r.Asset != "" }

func (r ImageRef) Valid() bool { return (r.URI == "") != (r.Asset == "") }

// Garment represents a wearable item
type Garment struct {
	ID                    string    `bson:"_id" json:"id"`
	Title                 string    `bson:"title" json:"title"`
	Category              Category  `bson:"category" json:"category"`
	Image                 ImageRef  `bson:"image" json:"image"`
	Brand                 string    `bson:"brand,omitempty" json:"brand,omitempty"`
	Tags                  []string  `bson:"tags,omitempty" json:"tags,omitempty"`
	IsUserAdded           bool      `bson:"is_user_added" json:"is_user_added"`
	LayerPriorityOverride *int      `bson:"layer_priority_override,omitempty" json:"layer_priority_override,omitempty"`
	GenderAffinity        string    `bson:"gender_affinity,omitempty" json:"gender_affinity,omitempty"`
	SourceURL             string    `bson:"source_url,omitempty" json:"source_url,omitempty"` // product page it was imported from
	CreatedAt             time.Time `bson:"created_at" json:"created_at"`
}

// LayerPriority returns the per-instance override or the category default.
func (g Garment) LayerPriority() int {
	if g.LayerPriorityOverride != nil {
		return *g.LayerPriorityOverride
	}
	p, _ := DefaultLayerPriority(g.Category)
	return p
}

func (g Garment) Clone() Garment {
	out := g
	out.Tags = append([]string(nil), g.Tags...)
	if g.LayerPriorityOverride != nil {
		p := *g.LayerPriorityOverride
		out.LayerPriorityOverride = &p
	}
	return out
}
