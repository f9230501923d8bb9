// internal/api/response.go
package api

import (
	"encoding/json"
	"net/http"

	"workflow-crawler/internal/model"
)

type organisationResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	PollStatus string `json:"poll_status"`
}

func newOrganisationResponse(org model.Organisation) organisationResponse {
	return organisationResponse{
		ID:         org.ID,
		Name:       org.Name,
		Status:     org.Status.String(),
		PollStatus: org.PollStatus.String(),
	}
}

type repositoryResponse struct {
	ID              int64  `json:"id"`
	Org             string `json:"org"`
	Name            string `json:"name"`
	Ref             string `json:"ref"`
	RefType         string `json:"ref_type"`
	RefCommit       string `json:"ref_commit,omitempty"`
	ResolvedRef     string `json:"resolved_ref,omitempty"`
	ResolvedRefType string `json:"resolved_ref_type"`
	Visibility      string `json:"visibility"`
	Stars           int    `json:"stars"`
	Fork            bool   `json:"fork"`
	Archive         bool   `json:"archive"`
	Status          string `json:"status"`
	PollStatus      string `json:"poll_status"`
	RedirectID      int64  `json:"redirect_id,omitempty"`
}

func newRepositoryResponse(repo model.Repository) repositoryResponse {
	return repositoryResponse{
		ID:              repo.ID,
		Org:             repo.Org,
		Name:            repo.Name,
		Ref:             repo.Ref,
		RefType:         repo.RefType.String(),
		RefCommit:       repo.RefCommit,
		ResolvedRef:     repo.ResolvedRef,
		ResolvedRefType: repo.ResolvedRefType.String(),
		Visibility:      repo.Visibility.String(),
		Stars:           repo.Stars,
		Fork:            repo.Fork,
		Archive:         repo.Archive,
		Status:          repo.Status.String(),
		PollStatus:      repo.PollStatus.String(),
		RedirectID:      repo.RedirectID,
	}
}

type workflowResponse struct {
	ID         int64           `json:"id"`
	Repo       string          `json:"repo"`
	Path       string          `json:"path"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	RedirectID int64           `json:"redirect_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// newWorkflowResponses embeds processed data as JSON. A parse failure stores its
// message in the same column, which is reported as error instead.
func newWorkflowResponses(workflows []model.Workflow) []workflowResponse {
	resp := make([]workflowResponse, 0, len(workflows))
	for _, wf := range workflows {
		item := workflowResponse{
			ID:         wf.ID,
			Repo:       wf.Repo.String(),
			Path:       wf.Path,
			Type:       wf.Type.String(),
			Status:     wf.Status.String(),
			RedirectID: wf.RedirectID,
		}
		switch {
		case wf.Status == model.WorkflowStatusError:
			item.Error = wf.Data
		case wf.Data != "" && json.Valid([]byte(wf.Data)):
			item.Data = json.RawMessage(wf.Data)
		}
		resp = append(resp, item)
	}
	return resp
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
