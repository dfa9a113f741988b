package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/quantfold/markethub/internal/assets"
	"github.com/quantfold/markethub/internal/errs"
	"github.com/quantfold/markethub/internal/mapping"
	"github.com/quantfold/markethub/internal/models"
)

// RegistryAPI serves the catalog endpoints.
type RegistryAPI struct {
	pipeline  *assets.Pipeline
	suggester *mapping.Suggester
}

// NewRegistryAPI wires the registry routes.
func NewRegistryAPI(pipeline *assets.Pipeline, suggester *mapping.Suggester) *RegistryAPI {
	return &RegistryAPI{pipeline: pipeline, suggester: suggester}
}

// Register mounts the API routes on a server.
func (a *RegistryAPI) Register(s *Server) {
	r := s.Router().PathPrefix("/api/registry").Subrouter()
	r.HandleFunc("/update-assets", a.handleUpdateAssets).Methods(http.MethodPost)
	r.HandleFunc("/update-all-assets", a.handleUpdateAll).Methods(http.MethodPost)
	r.HandleFunc("/indices/{name}/sync", a.handleIndexSync).Methods(http.MethodPost)
	r.HandleFunc("/suggestions", a.handleSuggestions).Methods(http.MethodGet)
}

// handleUpdateAssets refreshes one provider. The counters accumulated before
// a failure still ship in the error response body.
func (a *RegistryAPI) handleUpdateAssets(w http.ResponseWriter, r *http.Request) {
	className := r.URL.Query().Get("class_name")
	classType := r.URL.Query().Get("class_type")
	if className == "" || classType == "" {
		writeError(w, errs.Validation("class_name and class_type are required"))
		return
	}

	resp, err := a.pipeline.UpdateProvider(r.Context(), className, classType)
	if err != nil {
		writeJSON(w, errs.HTTPStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *RegistryAPI) handleUpdateAll(w http.ResponseWriter, r *http.Request) {
	responses, err := a.pipeline.UpdateAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

func (a *RegistryAPI) handleIndexSync(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var body struct {
		Constituents []models.Constituent `json:"constituents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Validation("malformed request body: %v", err))
		return
	}

	resp, err := a.pipeline.SyncIndex(r.Context(), name, body.Constituents)
	if err != nil {
		writeJSON(w, errs.HTTPStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *RegistryAPI) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := mapping.SuggestParams{
		SourceClassName: q.Get("source_class_name"),
		SourceClassType: q.Get("source_class_type"),
		TargetClassName: q.Get("target_class_name"),
		TargetClassType: q.Get("target_class_type"),
		Search:          q.Get("search"),
		Cursor:          q.Get("cursor"),
		IncludeTotal:    q.Get("include_total") == "true",
	}
	if params.SourceClassName == "" || params.TargetClassName == "" {
		writeError(w, errs.Validation("source and target class names are required"))
		return
	}
	if raw := q.Get("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, errs.Validation("min_score must be numeric"))
			return
		}
		params.MinScore = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, errs.Validation("limit must be an integer"))
			return
		}
		params.Limit = v
	}

	resp, err := a.suggester.Suggest(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
