// Package compose normalizes a garment selection into the request the inference collaborator receives.
package compose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/models"
)

const op = "build composition"

// Build orders garments by layer priority (stable, so ties keep selection order)
// and emits the normalized request.
func Build(profile models.Profile, garments []models.Garment, styleNote string) (models.CompositionRequest, error) {
	if len(garments) == 0 {
		return models.CompositionRequest{}, apperr.Validationf(op, "at least one garment is required")
	}
	photo, ok := profile.PrimaryPhoto()
	if !ok || photo.URI == "" {
		return models.CompositionRequest{}, apperr.Validationf(op, "profile %s has no photo", profile.ID)
	}
	for _, g := range garments {
		if !g.Category.Valid() {
			return models.CompositionRequest{}, apperr.Validationf(op, "garment %s has unknown category %q", g.ID, g.Category)
		}
		if g.Image.URI == "" {
			if g.Image.IsAsset() {
				return models.CompositionRequest{}, apperr.Validationf(op, "garment %s references unresolved asset %q", g.ID, g.Image.Asset)
			}
			return models.CompositionRequest{}, apperr.Validationf(op, "garment %s has no image", g.ID)
		}
	}

	ordered := Order(garments)
	req := models.CompositionRequest{
		HumanImageURI:     photo.URI,
		GarmentImageURIs:  make([]string, 0, len(ordered)),
		GarmentCategories: make([]string, 0, len(ordered)),
		Gender:            profile.GenderTag(),
		StyleNote:         strings.TrimSpace(styleNote),
	}
	for _, g := range ordered {
		req.GarmentImageURIs = append(req.GarmentImageURIs, g.Image.URI)
		req.GarmentCategories = append(req.GarmentCategories, string(g.Category))
	}
	return req, nil
}

// Order returns a copy of garments sorted by layer priority, ties in input order.
// The selected-tray preview uses the same ordering.
func Order(garments []models.Garment) []models.Garment {
	out := append([]models.Garment(nil), garments...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LayerPriority() < out[j].LayerPriority()
	})
	return out
}

// AssetResolver maps bundled-asset handles to fetchable URIs.
type AssetResolver struct {
	BaseURL string
}

// ResolveAssets returns copies of garments with asset handles replaced by URIs.
func (r AssetResolver) ResolveAssets(garments []models.Garment) ([]models.Garment, error) {
	out := make([]models.Garment, len(garments))
	for i, g := range garments {
		out[i] = g
		if !g.Image.IsAsset() {
			continue
		}
		if r.BaseURL == "" {
			return nil, apperr.Validationf("resolve assets", "no asset base url configured for %q", g.Image.Asset)
		}
		out[i].Image = models.ImageRef{URI: fmt.Sprintf("%s/%s", strings.TrimRight(r.BaseURL, "/"), g.Image.Asset)}
	}
	return out, nil
}
