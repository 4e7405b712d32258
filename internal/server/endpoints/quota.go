package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/svcctx"
)

// GetQuotaEndpoint handles GET /api/quota/{user_id}.
type GetQuotaEndpoint struct{}

func (e *GetQuotaEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/quota/{user_id}", e.handler
}

func (e *GetQuotaEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get user quota
//	@Description	Get a user's current job counts and limits; defaults apply when no quota record exists
//	@Tags			quota
//	@Produce		json
//	@Param			user_id	path		string	true	"User ID"
//	@Success		200		{object}	jobs.Quota
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/quota/{user_id} [get]
func (e *GetQuotaEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	quota := svcctx.QuotaFrom(r.Context())

	q, err := quota.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, q)
}

func (e *GetQuotaEndpoint) Command(newClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <user-id>",
		Short: "Get a user's job quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var q jobs.Quota
			if err := newClient().Get(cmd.Context(), "/api/quota/"+args[0], &q); err != nil {
				return err
			}
			return api.Output(q)
		},
	}
}
