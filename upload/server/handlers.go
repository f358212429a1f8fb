package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/docker/go-units"
	"github.com/furvino/go-stackutils/stack/sharetoken"
	"github.com/furvino/go-stackutils/upload"
	"github.com/furvino/go-stackutils/upload/session"
	"github.com/go-playground/validator/v10"
)

var errBadRequest = errors.New("bad request")

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req session.InitRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}

	meta, err := s.store.Init(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Infof("Upload %s started: %s (%s)", meta.ID, meta.RelPath(), units.HumanSize(float64(meta.TotalSize)))
	s.writeJSON(w, http.StatusCreated, upload.InitResponse{
		UploadID:     meta.ID,
		PartSize:     meta.PartSize,
		Filename:     meta.SanitizedFilename,
		TargetFolder: meta.TargetFolder,
		StackPath:    meta.StackPath,
	})
}

func (s *Server) handlePart(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("part"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: part must be a number", session.ErrInvalidPart))
		return
	}

	written, err := s.store.WritePart(r.Context(), r.PathValue("id"), n, r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Debugf("Upload %s: part %d stored (%s)", r.PathValue("id"), n, units.HumanSize(float64(written)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	meta, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	parts, err := s.store.ReceivedParts(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if parts == nil {
		parts = []int{}
	}

	s.writeJSON(w, http.StatusOK, upload.StatusResponse{Meta: meta, Parts: parts})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req upload.CompleteRequest
	if err := s.decode(r, &req, true); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Publish && s.publisher == nil {
		s.writeError(w, fmt.Errorf("%w: publishing is not available on this server", errBadRequest))
		return
	}

	id := r.PathValue("id")
	completion, err := s.store.Finalize(r.Context(), id, req.TotalParts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := upload.CompleteResponse{
		OK:        true,
		StackPath: completion.StackPath,
		Size:      completion.Size,
	}

	if req.Publish {
		result, err := s.publisher.Publish(r.Context(), completion.StackPath)
		if err != nil {
			s.logger.Errorf("Upload %s: publishing %s failed: %s", id, completion.StackPath, err)
			s.writeJSON(w, http.StatusBadGateway, upload.ErrorResponse{
				Error: fmt.Sprintf("%s was stored but could not be published: %s", completion.StackPath, err),
			})
			return
		}
		resp.ShareURL = result.URL
		resp.Degraded = result.Degraded
	}

	s.logger.Donef("Upload %s completed: %s (%s)", id, completion.StackPath, units.HumanSize(float64(completion.Size)))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShareToken(w http.ResponseWriter, r *http.Request) {
	if s.shares == nil {
		http.NotFound(w, r)
		return
	}

	var req upload.ShareTokenRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}

	token, err := s.shares.IssueUploadShare(r.Context(), req.TargetFolder)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, upload.ShareTokenResponse{
		ShareID:       token.ShareID,
		ShareURLToken: token.URLToken,
		ShareToken:    token.ShareToken,
		ParentNodeID:  token.ParentNodeID,
		ExpiresAt:     token.ExpiresAt,
		StackAPIURL:   s.stackAPIURL,
	})
}

func (s *Server) handleRevokeShareToken(w http.ResponseWriter, r *http.Request) {
	if s.shares == nil {
		http.NotFound(w, r)
		return
	}

	shareID, err := strconv.ParseInt(r.PathValue("shareID"), 10, 64)
	if err != nil || shareID <= 0 {
		s.writeError(w, fmt.Errorf("%w: invalid share id %q", errBadRequest, r.PathValue("shareID")))
		return
	}

	if err := s.shares.Revoke(r.Context(), shareID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v and validates it. An empty body is accepted when optional.
func (s *Server) decode(r *http.Request, v interface{}, optional bool) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return fmt.Errorf("%w: invalid JSON body: %s", errBadRequest, err)
		}
	}

	if err := s.validate.Struct(v); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return fmt.Errorf("%w: %s", errBadRequest, validationErrs.Error())
		}
		return err
	}
	return nil
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, sharetoken.ErrUnknownShare):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrInvalidPath),
		errors.Is(err, session.ErrInvalidPart):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrFinalizeInProgress):
		return http.StatusConflict
	case errors.Is(err, session.ErrPartTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrIncompleteUpload):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %s", err)
	} else {
		s.logger.Debugf("Request rejected (%d): %s", status, err)
	}
	s.writeJSON(w, status, upload.ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("Failed to write response: %s", err)
	}
}
