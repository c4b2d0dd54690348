package models

// CompositionRequest is the normalized payload sent to the inference collaborator.
// Only the compose package builds it.
type CompositionRequest struct {
	HumanImageURI     string   `json:"humanImageUri"`
	GarmentImageURIs  []string `json:"garmentImageUris"`
	GarmentCategories []string `json:"garmentCategories"`
	Gender            string   `json:"gender"`
	StyleNote         string   `json:"styleNote"`
}
