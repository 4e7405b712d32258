package endpoints

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/skeleton"
	"github.com/lectern-ai/lectern/internal/svcctx"
)

// PutSkeletonEndpoint handles PUT /api/skeletons/{book_version_id}. The body
// is the skeleton document itself; it is schema-validated before storage.
type PutSkeletonEndpoint struct{}

func (e *PutSkeletonEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/skeletons/{book_version_id}", e.handler
}

func (e *PutSkeletonEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Store a book skeleton
//	@Description	Validate and store the chapter/section outline for a book version
//	@Tags			skeletons
//	@Accept			json
//	@Produce		json
//	@Param			book_version_id	path		string	true	"Book version ID"
//	@Param			org				query		string	false	"Organization ID"
//	@Success		200				{object}	skeleton.Skeleton
//	@Failure		400				{object}	ErrorResponse
//	@Failure		500				{object}	ErrorResponse
//	@Router			/api/skeletons/{book_version_id} [put]
func (e *PutSkeletonEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	versionID := r.PathValue("book_version_id")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	skeletons := svcctx.SkeletonsFrom(r.Context())
	sk, err := skeletons.Put(r.Context(), versionID, r.URL.Query().Get("org"), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sk)
}

func (e *PutSkeletonEndpoint) Command(newClient func() *api.Client) *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "put <book-version-id> <file>",
		Short: "Validate and store a book skeleton from a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			path := "/api/skeletons/" + args[0]
			if orgID != "" {
				path += "?org=" + url.QueryEscape(orgID)
			}
			var sk skeleton.Skeleton
			if err := newClient().Put(cmd.Context(), path, json.RawMessage(data), &sk); err != nil {
				return err
			}
			return api.Output(sk)
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")

	return cmd
}

// GetSkeletonEndpoint handles GET /api/skeletons/{book_version_id}.
type GetSkeletonEndpoint struct{}

func (e *GetSkeletonEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/skeletons/{book_version_id}", e.handler
}

func (e *GetSkeletonEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get a book skeleton
//	@Description	Get the stored chapter/section outline for a book version
//	@Tags			skeletons
//	@Produce		json
//	@Param			book_version_id	path		string	true	"Book version ID"
//	@Success		200				{object}	skeleton.Skeleton
//	@Failure		404				{object}	ErrorResponse
//	@Failure		500				{object}	ErrorResponse
//	@Router			/api/skeletons/{book_version_id} [get]
func (e *GetSkeletonEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	versionID := r.PathValue("book_version_id")
	skeletons := svcctx.SkeletonsFrom(r.Context())

	sk, err := skeletons.Get(r.Context(), versionID)
	if err != nil {
		if errors.Is(err, skeleton.ErrNotFound) {
			writeError(w, http.StatusNotFound, "skeleton not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sk)
}

func (e *GetSkeletonEndpoint) Command(newClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <book-version-id>",
		Short: "Get a stored book skeleton",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sk skeleton.Skeleton
			if err := newClient().Get(cmd.Context(), "/api/skeletons/"+args[0], &sk); err != nil {
				return err
			}
			return api.Output(sk)
		},
	}
}
