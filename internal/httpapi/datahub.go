package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/provider"
)

// DataHubAPI serves the collector's internal endpoints.
type DataHubAPI struct {
	providers *provider.Registry
}

// NewDataHubAPI wires the DataHub routes.
func NewDataHubAPI(providers *provider.Registry) *DataHubAPI {
	return &DataHubAPI{providers: providers}
}

// Register mounts the internal routes on a server.
func (a *DataHubAPI) Register(s *Server) {
	r := s.Router()
	r.HandleFunc("/internal/providers/available-symbols", a.handleAvailableSymbols).Methods(http.MethodGet)
	r.HandleFunc("/internal/providers/constituents", a.handleConstituents).Methods(http.MethodGet)
	r.HandleFunc("/internal/provider/validate", a.handleValidate).Methods(http.MethodPost)
}

func (a *DataHubAPI) handleAvailableSymbols(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("provider_name")
	if name == "" {
		writeError(w, errs.Validation("provider_name is required"))
		return
	}

	inst, err := a.providers.Load(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	inst.MarkInUse(true)
	defer inst.MarkInUse(false)

	symbols, err := inst.Impl.GetAvailableSymbols(r.Context())
	if errors.Is(err, provider.ErrNotSupported) {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error": "provider does not implement symbol discovery",
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": symbols})
}

func (a *DataHubAPI) handleConstituents(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("provider_name")
	if name == "" {
		writeError(w, errs.Validation("provider_name is required"))
		return
	}

	inst, err := a.providers.Load(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	idx, ok := inst.Impl.(provider.Index)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error": "provider does not serve constituents",
		})
		return
	}
	inst.MarkInUse(true)
	defer inst.MarkInUse(false)

	constituents, err := idx.FetchConstituents(r.Context(), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": constituents})
}

func (a *DataHubAPI) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FilePath string `json:"file_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Validation("malformed request body: %v", err))
		return
	}
	if body.FilePath == "" {
		writeError(w, errs.Validation("file_path is required"))
		return
	}

	result, err := a.providers.Validate(body.FilePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
