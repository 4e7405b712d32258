package endpoints

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/svcctx"
)

// RequeueJobEndpoint handles POST /api/jobs/{id}/requeue.
type RequeueJobEndpoint struct{}

func (e *RequeueJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/requeue", e.handler
}

func (e *RequeueJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Requeue a job
//	@Description	Reset a failed, stale, or dead-lettered job back to queued
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	jobs.Record
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/jobs/{id}/requeue [post]
func (e *RequeueJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	store := svcctx.StoreFrom(r.Context())

	if err := store.Requeue(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, jobs.ErrNotRequeueable):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	rec, err := store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (e *RequeueJobEndpoint) Command(newClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Requeue a failed, stale, or dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec jobs.Record
			if err := newClient().Post(cmd.Context(), "/api/jobs/"+args[0]+"/requeue", nil, &rec); err != nil {
				return err
			}
			return api.Output(rec)
		},
	}
}
