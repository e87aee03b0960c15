package handlers

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/Tamnud-ghule/KUINBEE/internal/services"
	"github.com/Tamnud-ghule/KUINBEE/types"
	"github.com/go-chi/chi/v5"
)

const (
	maxMultipartMemory   = 32 << 20
	maxSourceBytes       = 4 << 30
	formFieldFile        = "file"
	formFieldTitle       = "title"
	formFieldSlug        = "slug"
	formFieldDesc        = "description"
	formFieldPrice       = "price"
	formFieldRecordCount = "record_count"
	formFieldDataFormat  = "data_format"
	formFieldFrequency   = "update_frequency"
	formFieldPreview     = "preview_available"
	formFieldCategory    = "category_id"
)

// DatasetHandler provides HTTP handlers for the catalog.
type DatasetHandler struct {
	datasetService *services.DatasetService
}

func NewDatasetHandler(datasetService *services.DatasetService) *DatasetHandler {
	return &DatasetHandler{datasetService: datasetService}
}

// DatasetRouter registers catalog routes on the given router. Listing and
// reading are public; writes require an admin.
func DatasetRouter(
	r chi.Router,
	datasetService *services.DatasetService,
	userService *services.UserService,
	authMiddleware func(http.Handler) http.Handler,
) {
	handler := NewDatasetHandler(datasetService)
	admin := RequireAdmin(userService)

	r.Get("/", handler.ListDatasets)
	r.With(authMiddleware, admin).Post("/", handler.CreateDataset)
	r.Route("/{datasetID}", func(r chi.Router) {
		r.Get("/", handler.GetDataset)
		r.With(authMiddleware, admin).Put("/", handler.UpdateDataset)
	})
}

func (h *DatasetHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.datasetService.List(r.Context(), offset, limit)
	if err != nil {
		writeServiceError(w, r, err, "dataset not found")
		return
	}

	writeJSON(w, http.StatusOK, DatasetListResponse{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	})
}

func (h *DatasetHandler) GetDataset(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "datasetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dataset, err := h.datasetService.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "dataset not found")
		return
	}
	writeJSON(w, http.StatusOK, dataset)
}

func (h *DatasetHandler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSourceBytes)
	dataset, err := parseDatasetForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	src, closeSrc, err := openSourceFile(r.MultipartForm, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer closeSrc()

	created, err := h.datasetService.Create(r.Context(), dataset, *src)
	if err != nil {
		if errors.Is(err, services.ErrConflict) {
			writeError(w, http.StatusConflict, "slug already exists")
			return
		}
		writeServiceError(w, r, err, "dataset not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *DatasetHandler) UpdateDataset(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "datasetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSourceBytes)
	dataset, err := parseDatasetForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()
	dataset.ID = id

	// A new source file is optional on update.
	src, closeSrc, err := openSourceFile(r.MultipartForm, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer closeSrc()

	updated, err := h.datasetService.Update(r.Context(), dataset, src)
	if err != nil {
		writeServiceError(w, r, err, "dataset not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DatasetListResponse is the paginated list response payload.
type DatasetListResponse struct {
	Items []types.Dataset `json:"items"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
	Total int             `json:"total"`
}

func parseDatasetForm(r *http.Request) (types.Dataset, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return types.Dataset{}, errors.New("invalid multipart form")
	}

	title := strings.TrimSpace(r.FormValue(formFieldTitle))
	if title == "" {
		return types.Dataset{}, errors.New("title is required")
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(r.FormValue(formFieldPrice)), 64)
	if err != nil {
		return types.Dataset{}, errors.New("invalid price")
	}

	recordCount, err := parseOptionalInt(r.FormValue(formFieldRecordCount))
	if err != nil {
		return types.Dataset{}, errors.New("invalid record count")
	}

	preview := false
	if raw := strings.TrimSpace(r.FormValue(formFieldPreview)); raw != "" {
		if preview, err = strconv.ParseBool(raw); err != nil {
			return types.Dataset{}, errors.New("invalid preview flag")
		}
	}

	var categoryID *int
	if raw := strings.TrimSpace(r.FormValue(formFieldCategory)); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id < 1 {
			return types.Dataset{}, errors.New("invalid category id")
		}
		categoryID = &id
	}

	return types.Dataset{
		Title:            title,
		Slug:             strings.ToLower(strings.TrimSpace(r.FormValue(formFieldSlug))),
		Description:      strings.TrimSpace(r.FormValue(formFieldDesc)),
		Price:            price,
		RecordCount:      recordCount,
		DataFormat:       strings.TrimSpace(r.FormValue(formFieldDataFormat)),
		UpdateFrequency:  strings.TrimSpace(r.FormValue(formFieldFrequency)),
		PreviewAvailable: preview,
		CategoryID:       categoryID,
	}, nil
}

func parseOptionalInt(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

// openSourceFile opens the uploaded dataset file. The returned close
// function is always safe to call.
func openSourceFile(form *multipart.Form, required bool) (*services.SourceFile, func(), error) {
	noop := func() {}
	if form == nil {
		return nil, noop, errors.New("missing form data")
	}

	files := form.File[formFieldFile]
	if len(files) == 0 {
		if required {
			return nil, noop, errors.New("dataset file is required")
		}
		return nil, noop, nil
	}
	if len(files) > 1 {
		return nil, noop, errors.New("only one dataset file is allowed")
	}

	header := files[0]
	file, err := header.Open()
	if err != nil {
		return nil, noop, errors.New("failed to read dataset file")
	}

	contentType := header.Header.Get("Content-Type")
	return &services.SourceFile{
		Name:        header.Filename,
		Body:        file,
		Size:        header.Size,
		ContentType: contentType,
	}, func() { _ = file.Close() }, nil
}
