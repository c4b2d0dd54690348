package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/raushankrgupta/fitly-tryon/utils"
)

const UploadDir = "user_images"

type photoInput struct {
	URI  string          `json:"uri"`
	Pose models.PoseKind `json:"pose,omitempty"`
}

type createProfileRequest struct {
	DisplayName string       `json:"display_name"`
	Gender      *string      `json:"gender,omitempty"`
	Photos      []photoInput `json:"photos"`
}

// ProfilesHandler lists (GET) or creates (POST) profiles. Creation accepts either JSON
// or a multipart form with "name", "gender" and "images" files.
func (h *Handler) ProfilesHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Profiles API]")

	switch r.Method {
	case http.MethodGet:
		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"profiles":          h.store.Profiles(),
			"active_profile_id": h.store.ActiveProfileID(),
		})
	case http.MethodPost:
		h.createProfile(w, r, &logMessageBuilder)
	default:
		methodNotAllowed(w, &logMessageBuilder)
	}
}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request, lb *strings.Builder) {
	var req createProfileRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		// Parse multipart form (max 10MB)
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			utils.RespondError(w, lb, fmt.Sprintf("Error parsing form data: %v", err), http.StatusBadRequest)
			return
		}
		req.DisplayName = r.FormValue("name")
		if g := r.FormValue("gender"); g != "" {
			req.Gender = &g
		}
		paths, err := h.saveUploadedFiles(r.MultipartForm.File["images"])
		if err != nil {
			utils.RespondError(w, lb, fmt.Sprintf("Error saving file: %v", err), http.StatusInternalServerError)
			return
		}
		pose := models.PoseKind(r.FormValue("pose"))
		for _, p := range paths {
			req.Photos = append(req.Photos, photoInput{URI: p, Pose: pose})
		}
	} else if err := decodeJSON(r, &req); err != nil {
		utils.RespondError(w, lb, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	utils.AddToLogMessage(lb, fmt.Sprintf("Processed %d images", len(req.Photos)))

	profile := models.Profile{DisplayName: req.DisplayName, Gender: req.Gender}
	for _, p := range req.Photos {
		profile.Photos = append(profile.Photos, models.Photo{URI: p.URI, Pose: p.Pose})
	}
	created, err := h.store.AddProfile(profile)
	if err != nil {
		utils.RespondAppError(w, lb, err)
		return
	}

	utils.AddToLogMessage(lb, fmt.Sprintf("Profile created successfully: %s", created.ID))
	utils.RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Profile created successfully",
		"profile": created,
	})
}

// ProfileHandler reads (GET), updates the gender of (PUT) or deletes (DELETE) a profile.
func (h *Handler) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	id := r.PathValue("id")
	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("[Profile API] %s %s", r.Method, id))

	switch r.Method {
	case http.MethodGet:
		p, err := h.store.Profile(id)
		if err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, p)
	case http.MethodPut:
		var req struct {
			Gender *string `json:"gender"`
		}
		if err := decodeJSON(r, &req); err != nil {
			utils.RespondError(w, &logMessageBuilder, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		p, err := h.store.UpdateProfileGender(id, req.Gender)
		if err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		removed, err := h.store.DeleteProfile(id)
		if err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
		h.removeLocalPhotos(removed, &logMessageBuilder)
		utils.AddToLogMessage(&logMessageBuilder, "Profile deleted")
		utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Profile deleted", "id": removed.ID})
	default:
		methodNotAllowed(w, &logMessageBuilder)
	}
}

// ActivateProfileHandler points the session at a profile; ?default=true also makes it the default.
func (h *Handler) ActivateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	id := r.PathValue("id")
	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("[Activate Profile API] %s", id))

	if r.Method != http.MethodPost {
		methodNotAllowed(w, &logMessageBuilder)
		return
	}
	if err := h.store.SetActiveProfile(id); err != nil {
		utils.RespondAppError(w, &logMessageBuilder, err)
		return
	}
	if r.URL.Query().Get("default") == "true" {
		if err := h.store.SetDefaultProfile(id); err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"active_profile_id": h.store.ActiveProfileID()})
}

// ProfilePhotosHandler adds (POST) or removes (DELETE ?photo_id=) a photo.
func (h *Handler) ProfilePhotosHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	id := r.PathValue("id")
	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("[Profile Photos API] %s %s", r.Method, id))

	switch r.Method {
	case http.MethodPost:
		var in photoInput
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(10 << 20); err != nil {
				utils.RespondError(w, &logMessageBuilder, fmt.Sprintf("Error parsing form data: %v", err), http.StatusBadRequest)
				return
			}
			paths, err := h.saveUploadedFiles(r.MultipartForm.File["image"])
			if err != nil {
				utils.RespondError(w, &logMessageBuilder, fmt.Sprintf("Error saving file: %v", err), http.StatusInternalServerError)
				return
			}
			if len(paths) == 0 {
				utils.RespondError(w, &logMessageBuilder, "image file is required", http.StatusBadRequest)
				return
			}
			in = photoInput{URI: paths[0], Pose: models.PoseKind(r.FormValue("pose"))}
		} else if err := decodeJSON(r, &in); err != nil {
			utils.RespondError(w, &logMessageBuilder, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		photo, err := h.store.AddProfilePhoto(id, models.Photo{URI: in.URI, Pose: in.Pose})
		if err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
		utils.RespondJSON(w, http.StatusCreated, photo)
	case http.MethodDelete:
		photoID := r.URL.Query().Get("photo_id")
		if photoID == "" {
			utils.RespondAppError(w, &logMessageBuilder, apperr.Validationf("remove photo", "photo_id is required"))
			return
		}
		if err := h.store.RemoveProfilePhoto(id, photoID); err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Photo removed"})
	default:
		methodNotAllowed(w, &logMessageBuilder)
	}
}

// saveUploadedFiles copies multipart files into the upload dir and returns their paths.
// They stay local until a try-on uploads them.
func (h *Handler) saveUploadedFiles(files []*multipart.FileHeader) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	for _, fileHeader := range files {
		path, err := h.saveUploadedFile(fileHeader)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (h *Handler) saveUploadedFile(fileHeader *multipart.FileHeader) (string, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", fileHeader.Filename, err)
	}
	defer file.Close()

	filename := fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(fileHeader.Filename))
	filePath, err := filepath.Abs(filepath.Join(h.uploadDir, filename))
	if err != nil {
		return "", err
	}
	dst, err := os.Create(filePath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return "", fmt.Errorf("write %s: %w", filePath, err)
	}
	return filePath, nil
}

// removeLocalPhotos deletes photo files a deleted profile never uploaded.
func (h *Handler) removeLocalPhotos(p models.Profile, lb *strings.Builder) {
	dir, err := filepath.Abs(h.uploadDir)
	if err != nil {
		return
	}
	for _, photo := range p.Photos {
		if strings.HasPrefix(photo.URI, dir+string(filepath.Separator)) {
			if err := os.Remove(photo.URI); err != nil && !os.IsNotExist(err) {
				utils.AddToLogMessage(lb, fmt.Sprintf("Failed to remove %s: %v", photo.URI, err))
			}
		}
	}
}
