package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/svcctx"
	"github.com/lectern-ai/lectern/internal/worker"
)

// CreateJobRequest is the body for POST /api/jobs.
type CreateJobRequest struct {
	JobType   string          `json:"job_type"`
	OrgID     string          `json:"org_id"`
	CreatedBy string          `json:"created_by"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CreateJobResponse acknowledges an accepted job.
type CreateJobResponse struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Status  string `json:"status"`
}

// CreateJobEndpoint handles POST /api/jobs.
type CreateJobEndpoint struct{}

func (e *CreateJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs", e.handler
}

func (e *CreateJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Create a job
//	@Description	Enqueue a new top-level job after quota admission
//	@Tags			jobs
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CreateJobRequest	true	"Job to enqueue"
//	@Success		202		{object}	CreateJobResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		429		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/jobs [post]
func (e *CreateJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	jobType, err := jobs.ParseJobType(req.JobType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !jobType.TopLevel() {
		writeError(w, http.StatusBadRequest, "job type cannot be enqueued directly: "+req.JobType)
		return
	}
	if req.OrgID == "" {
		writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	if req.CreatedBy == "" {
		writeError(w, http.StatusBadRequest, "created_by is required")
		return
	}

	quota := svcctx.QuotaFrom(r.Context())
	if err := quota.Admit(r.Context(), req.CreatedBy); err != nil {
		if errors.Is(err, jobs.ErrQuotaExceeded) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload, err := worker.PreparePayload(r.Context(), svcctx.SkeletonsFrom(r.Context()), jobType, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	store := svcctx.StoreFrom(r.Context())
	rec, err := store.Enqueue(r.Context(), &jobs.Record{
		JobType:   jobType,
		Payload:   payload,
		OrgID:     req.OrgID,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		JobID:   rec.ID,
		JobType: string(rec.JobType),
		Status:  string(rec.Status),
	})
}

func (e *CreateJobEndpoint) Command(newClient func() *api.Client) *cobra.Command {
	var (
		orgID       string
		createdBy   string
		payloadStr  string
		payloadFile string
	)

	cmd := &cobra.Command{
		Use:   "create <job-type>",
		Short: "Enqueue a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(nil)
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				payload = data
			} else if payloadStr != "" {
				payload = json.RawMessage(payloadStr)
			}

			req := CreateJobRequest{
				JobType:   args[0],
				OrgID:     orgID,
				CreatedBy: createdBy,
				Payload:   payload,
			}
			var resp CreateJobResponse
			if err := newClient().Post(cmd.Context(), "/api/jobs", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID (required)")
	cmd.Flags().StringVar(&createdBy, "user", "", "User ID the job is created by (required)")
	cmd.Flags().StringVar(&payloadStr, "payload", "", "Inline JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Path to JSON payload file")
	cmd.MarkFlagRequired("org")
	cmd.MarkFlagRequired("user")

	return cmd
}
