package compose

import (
	"math/rand"
	"testing"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/stretchr/testify/require"
)

func garment(id string, c models.Category) models.Garment {
	return models.Garment{ID: id, Category: c, Image: models.ImageRef{URI: "https://img/" + id + ".jpg"}}
}

func profileWithPhoto() models.Profile {
	gender := "female"
	return models.Profile{
		ID:     "p1",
		Photos: []models.Photo{{ID: "ph1", URI: "https://img/me.jpg"}, {ID: "ph2", URI: "https://img/side.jpg"}},
		Gender: &gender,
	}
}

func TestBuildOrdersByLayer(t *testing.T) {
	selection := []models.Garment{
		garment("jacket", models.CategoryOuterwear),
		garment("jeans", models.CategoryBottoms),
		garment("tee", models.CategoryTops),
		garment("cap", models.CategoryAccessories),
	}

	req, err := Build(profileWithPhoto(), selection, "  streetwear  ")
	require.NoError(t, err)
	require.Equal(t, "https://img/me.jpg", req.HumanImageURI)
	require.Equal(t, []string{
		"https://img/tee.jpg", "https://img/jeans.jpg", "https://img/jacket.jpg", "https://img/cap.jpg",
	}, req.GarmentImageURIs)
	require.Equal(t, []string{"tops", "bottoms", "outerwear", "accessories"}, req.GarmentCategories)
	require.Equal(t, "female", req.Gender)
	require.Equal(t, "streetwear", req.StyleNote)
}

func TestBuildTiesKeepSelectionOrder(t *testing.T) {
	selection := []models.Garment{
		garment("tee-b", models.CategoryTops),
		garment("jeans", models.CategoryBottoms),
		garment("tee-a", models.CategoryTops),
		garment("tee-c", models.CategoryTops),
	}
	req, err := Build(profileWithPhoto(), selection, "")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://img/tee-b.jpg", "https://img/tee-a.jpg", "https://img/tee-c.jpg", "https://img/jeans.jpg",
	}, req.GarmentImageURIs)
}

func TestBuildIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	selection := make([]models.Garment, 0, 20)
	for i := 0; i < 20; i++ {
		c := models.AllCategories[rng.Intn(len(models.AllCategories))]
		selection = append(selection, garment(string(rune('a'+i)), c))
	}

	first, err := Build(profileWithPhoto(), selection, "")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Build(profileWithPhoto(), selection, "")
		require.NoError(t, err)
		require.Equal(t, first.GarmentImageURIs, again.GarmentImageURIs)
	}
	// Input slice must not be reordered.
	require.Equal(t, "a", selection[0].ID)
}

func TestBuildOverrideMovesGarment(t *testing.T) {
	low := 1
	vest := garment("vest", models.CategoryOuterwear)
	vest.LayerPriorityOverride = &low

	req, err := Build(profileWithPhoto(), []models.Garment{garment("tee", models.CategoryTops), vest}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"https://img/vest.jpg", "https://img/tee.jpg"}, req.GarmentImageURIs)
}

func TestBuildValidation(t *testing.T) {
	_, err := Build(profileWithPhoto(), nil, "")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = Build(models.Profile{ID: "empty"}, []models.Garment{garment("tee", models.CategoryTops)}, "")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	asset := models.Garment{ID: "bundled", Category: models.CategoryTops, Image: models.ImageRef{Asset: "tee_white"}}
	_, err = Build(profileWithPhoto(), []models.Garment{asset}, "")
	require.ErrorContains(t, err, "unresolved asset")
}

func TestResolveAssets(t *testing.T) {
	in := []models.Garment{
		{ID: "bundled", Category: models.CategoryTops, Image: models.ImageRef{Asset: "tee_white.png"}},
		garment("remote", models.CategoryBottoms),
	}
	out, err := AssetResolver{BaseURL: "https://assets.local/"}.ResolveAssets(in)
	require.NoError(t, err)
	require.Equal(t, "https://assets.local/tee_white.png", out[0].Image.URI)
	require.Equal(t, "tee_white.png", in[0].Image.Asset, "input must be untouched")
	require.Equal(t, "https://img/remote.jpg", out[1].Image.URI)

	_, err = AssetResolver{}.ResolveAssets(in)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}
