package endpoints

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/svcctx"
)

// ListJobsResponse wraps a page of job records.
type ListJobsResponse struct {
	Jobs  []*jobs.Record `json:"jobs"`
	Count int            `json:"count"`
}

// ListJobsEndpoint handles GET /api/jobs.
type ListJobsEndpoint struct{}

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List jobs
//	@Description	List job records, newest first, with optional filters
//	@Tags			jobs
//	@Produce		json
//	@Param			status	query		string	false	"Filter by status"
//	@Param			type	query		string	false	"Filter by job type"
//	@Param			org		query		string	false	"Filter by organization"
//	@Param			since	query		string	false	"Only jobs created at or after this RFC 3339 time"
//	@Param			limit	query		int		false	"Max records to return"
//	@Success		200		{object}	ListJobsResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/jobs [get]
func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobs.ListFilter{
		Status:  jobs.Status(q.Get("status")),
		JobType: jobs.JobType(q.Get("type")),
		OrgID:   q.Get("org"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	store := svcctx.StoreFrom(r.Context())
	records, err := store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: records, Count: len(records)})
}

func (e *ListJobsEndpoint) Command(newClient func() *api.Client) *cobra.Command {
	var (
		status  string
		jobType string
		orgID   string
		since   string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if jobType != "" {
				params.Set("type", jobType)
			}
			if orgID != "" {
				params.Set("org", orgID)
			}
			if since != "" {
				params.Set("since", since)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/jobs"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp ListJobsResponse
			if err := newClient().Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&jobType, "type", "", "Filter by job type")
	cmd.Flags().StringVar(&orgID, "org", "", "Filter by organization")
	cmd.Flags().StringVar(&since, "since", "", "Only jobs created at or after this RFC 3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max records to return")

	return cmd
}
