// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"strings"

	"github.com/nlpodyssey/terravit"
	"github.com/nlpodyssey/terravit/history"
	"github.com/nlpodyssey/terravit/patchify"
	"github.com/nlpodyssey/terravit/satvit"
)

const (
	msgNotAnImage   = "Uploaded file must be an image."
	msgUnreadable   = "Could not read image file."
	msgBadMaskRatio = "mask_ratio must be a number."
	msgBadLimit     = "limit must be a positive integer."
)

type predictResponse struct {
	terravit.Prediction
	// RawOutput is kept for clients of the previous backend; it is always null.
	RawOutput any `json:"raw_output"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
	Variant     string `json:"variant"`
}

type historyResponse struct {
	Records []history.Record `json:"records"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// httpError is an error with the status code it is reported with.
type httpError struct {
	status int
	detail string
	err    error
}

func (e *httpError) Error() string {
	if e.err == nil {
		return e.detail
	}
	return fmt.Sprintf("%s: %v", e.detail, e.err)
}

func (e *httpError) Unwrap() error { return e.err }

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "TerraViT backend is running."})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		ModelLoaded: s.engine.IsLoaded(),
		Device:      "cpu",
		Variant:     s.engine.Variant().String(),
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	img, err := s.formImage(w, r, "file")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.Predict(r.Context(), img)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.record(r, &history.Record{
		Kind:       history.Prediction,
		ClassIndex: &p.TopClassIndex,
		Score:      p.TopClassScore,
	})
	writeJSON(w, http.StatusOK, predictResponse{Prediction: p})
}

func (s *Server) handleChangeDetect(w http.ResponseWriter, r *http.Request) {
	before, err := s.formImage(w, r, "before")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	after, err := s.formImage(w, r, "after")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.engine.DetectChange(r.Context(), before, after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.record(r, &history.Record{
		Kind:       history.ChangeDetect,
		ClassIndex: report.DominantChangeClassIndex,
		Score:      report.ChangeScore,
		Summary:    report.Summary,
	})
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	img, err := s.formImage(w, r, "file")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ratio := s.config.MaskRatio
	if v := r.FormValue("mask_ratio"); v != "" {
		ratio, err = strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, r, &httpError{status: http.StatusBadRequest, detail: msgBadMaskRatio, err: err})
			return
		}
	}
	rec, err := s.engine.Reconstruct(r.Context(), img, ratio)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.record(r, &history.Record{
		Kind:    history.Reconstruction,
		Score:   rec.Loss,
		Summary: fmt.Sprintf("%d of %d patches masked", rec.MaskedPatches, rec.NumPatches),
	})
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "History is disabled."})
		return
	}
	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, &httpError{status: http.StatusBadRequest, detail: msgBadLimit, err: err})
			return
		}
		limit = n
	}
	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Records: records})
}

// record saves a served inference. Failures are logged and do not affect
// the response.
func (s *Server) record(r *http.Request, rec *history.Record) {
	if s.history == nil {
		return
	}
	rec.RequestID = requestID(r)
	rec.Variant = s.engine.Variant().String()
	if err := s.history.Add(r.Context(), rec); err != nil {
		requestLogger(r).Warn().Err(err).Msg("failed to record inference")
	}
}

// formImage decodes the image uploaded in the multipart field name.
func (s *Server) formImage(w http.ResponseWriter, r *http.Request, name string) (image.Image, error) {
	if r.MultipartForm == nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	}
	f, header, err := r.FormFile(name)
	if err != nil {
		return nil, &httpError{
			status: http.StatusBadRequest,
			detail: fmt.Sprintf("Missing image file %q.", name),
			err:    err,
		}
	}
	defer func() { _ = f.Close() }()

	if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		return nil, &httpError{status: http.StatusBadRequest, detail: msgNotAnImage}
	}
	img, err := patchify.Decode(f)
	if err != nil {
		return nil, &httpError{status: http.StatusBadRequest, detail: msgUnreadable, err: err}
	}
	return img, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusOf(err)
	logger := requestLogger(r)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("bad request")
	}
	writeJSON(w, status, errorResponse{Detail: detail})
}

// statusOf maps an error to the status code and detail message it is
// reported with.
func statusOf(err error) (int, string) {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.status, he.detail
	case errors.Is(err, terravit.ErrNotLoaded):
		return http.StatusServiceUnavailable, "Model is not loaded."
	case errors.Is(err, patchify.ErrDecode):
		return http.StatusBadRequest, msgUnreadable
	case errors.Is(err, satvit.ErrInputShape), errors.Is(err, satvit.ErrMaskRatio):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, fmt.Sprintf("Inference failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
