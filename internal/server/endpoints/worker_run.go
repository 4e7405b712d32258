package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/svcctx"
	"github.com/lectern-ai/lectern/internal/worker"
)

// RunWorkerRequest is the body for POST /api/worker/run.
type RunWorkerRequest struct {
	JobType string `json:"job_type,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	OrgID   string `json:"org_id,omitempty"`
}

// RunWorkerEndpoint handles POST /api/worker/run. Each call claims and
// executes at most one job step; external drivers invoke it in a loop.
type RunWorkerEndpoint struct{}

func (e *RunWorkerEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/worker/run", e.handler
}

func (e *RunWorkerEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Run one worker step
//	@Description	Claim one queued job (by type, or exact id) and execute a single step
//	@Tags			worker
//	@Accept			json
//	@Produce		json
//	@Param			request	body		RunWorkerRequest	true	"What to claim"
//	@Success		200		{object}	worker.RunOutcome
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/worker/run [post]
func (e *RunWorkerEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req RunWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var jobType jobs.JobType
	if req.JobType != "" {
		t, err := jobs.ParseJobType(req.JobType)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		jobType = t
	}
	if req.JobID == "" && jobType == "" {
		writeError(w, http.StatusBadRequest, "job_type or job_id is required")
		return
	}

	executor := svcctx.ExecutorFrom(r.Context())
	outcome, err := executor.RunOne(r.Context(), jobType, req.OrgID, req.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (e *RunWorkerEndpoint) Command(newClient func() *api.Client) *cobra.Command {
	var (
		jobType string
		jobID   string
		orgID   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and execute one worker step",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := RunWorkerRequest{JobType: jobType, JobID: jobID, OrgID: orgID}
			var outcome worker.RunOutcome
			if err := newClient().Post(cmd.Context(), "/api/worker/run", req, &outcome); err != nil {
				return err
			}
			return api.Output(outcome)
		},
	}

	cmd.Flags().StringVar(&jobType, "type", "", "Job type to claim")
	cmd.Flags().StringVar(&jobID, "job", "", "Exact job ID to claim")
	cmd.Flags().StringVar(&orgID, "org", "", "Organization to claim for")

	return cmd
}
