/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/kentakayama/token-bot/internal/domain"
	"github.com/kentakayama/token-bot/internal/domain/model"
	"github.com/kentakayama/token-bot/internal/receipt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxRequestBodyBytes = 4 << 10

	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"
	contentTypeCOSE = "application/cose"

	triggerStart   = "start"
	triggerReissue = "reissue"
)

// TokenIssuer is the issuance logic behind both triggers.
type TokenIssuer interface {
	GetOrIssue(ctx context.Context, ownerID int64, ownerLabel string) (*model.Token, bool, error)
}

type handler struct {
	issuer  TokenIssuer
	signer  *receipt.Signer
	metrics http.Handler
	logger  *zap.Logger
}

type responseSpec struct {
	status      int
	body        []byte
	contentType string
}

type issueRequest struct {
	OwnerID    *int64 `json:"owner_id" cbor:"owner_id"`
	OwnerLabel string `json:"owner_label" cbor:"owner_label"`
}

type issueResponse struct {
	Value     string    `json:"value" cbor:"value"`
	ExpiresAt time.Time `json:"expires_at" cbor:"expires_at"`
	IsNew     bool      `json:"is_new" cbor:"is_new"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newHandler(issuer TokenIssuer, signer *receipt.Signer, gatherer prometheus.Gatherer, logger *zap.Logger) *handler {
	h := &handler{
		issuer: issuer,
		signer: signer,
		logger: logger,
	}
	if gatherer != nil {
		h.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	logger := h.logger.With(zap.String("request_id", requestID))

	switch r.URL.Path {
	case "/tokens/start":
		h.issueToken(w, r, triggerStart, logger)
	case "/tokens/reissue":
		h.issueToken(w, r, triggerReissue, logger)
	case "/healthz":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		h.writeResponse(w, responseSpec{status: http.StatusOK, body: []byte("OK"), contentType: "text/plain"}, logger)
	case "/metrics":
		if h.metrics == nil {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		h.metrics.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	return false
}

// issueToken serves both triggers; they differ only in the logged name.
func (h *handler) issueToken(w http.ResponseWriter, r *http.Request, trigger string, logger *zap.Logger) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	req, status, err := decodeIssueRequest(r)
	if err != nil {
		logger.Info("rejected token request", zap.String("trigger", trigger), zap.Error(err))
		h.writeError(w, status, err.Error(), logger)
		return
	}

	accept := negotiate(r.Header.Get("Accept"))
	if accept == contentTypeCOSE && h.signer == nil {
		h.writeError(w, http.StatusNotAcceptable, "signed receipts are not enabled", logger)
		return
	}

	logger = logger.With(zap.String("trigger", trigger), zap.Int64("owner_id", *req.OwnerID))
	token, isNew, err := h.issuer.GetOrIssue(r.Context(), *req.OwnerID, req.OwnerLabel)
	if err != nil {
		status, msg := statusFor(err)
		logger.Error("token request failed", zap.Error(err))
		h.writeError(w, status, msg, logger)
		return
	}
	logger.Info("token request served", zap.Bool("is_new", isNew))

	resp, err := h.encodeIssueResponse(accept, token, isNew)
	if err != nil {
		logger.Error("failed encoding token response", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to encode response", logger)
		return
	}
	h.writeResponse(w, resp, logger)
}

func decodeIssueRequest(r *http.Request) (*issueRequest, int, error) {
	mediaType := contentTypeJSON
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, http.StatusUnsupportedMediaType, errors.New("malformed Content-Type")
		}
		mediaType = mt
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("failed to read request body")
	}
	if len(body) > maxRequestBodyBytes {
		return nil, http.StatusRequestEntityTooLarge, errors.New("request body too large")
	}

	var req issueRequest
	switch mediaType {
	case contentTypeJSON:
		err = json.Unmarshal(body, &req)
	case contentTypeCBOR:
		err = cbor.Unmarshal(body, &req)
	default:
		return nil, http.StatusUnsupportedMediaType, errors.New("only application/json and application/cbor are accepted")
	}
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("malformed request body")
	}
	if req.OwnerID == nil {
		return nil, http.StatusBadRequest, errors.New("owner_id is required")
	}
	return &req, 0, nil
}

// negotiate picks the response media type from an Accept header.
func negotiate(accept string) string {
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case contentTypeCOSE, contentTypeCBOR, contentTypeJSON:
			return mt
		}
	}
	return contentTypeJSON
}

func (h *handler) encodeIssueResponse(mediaType string, token *model.Token, isNew bool) (responseSpec, error) {
	switch mediaType {
	case contentTypeCOSE:
		signed, err := h.signer.Sign(receipt.FromToken(token, isNew))
		if err != nil {
			return responseSpec{}, err
		}
		return responseSpec{status: http.StatusOK, body: signed, contentType: receipt.ContentType}, nil
	case contentTypeCBOR:
		body, err := cbor.Marshal(toIssueResponse(token, isNew))
		if err != nil {
			return responseSpec{}, err
		}
		return responseSpec{status: http.StatusOK, body: body, contentType: contentTypeCBOR}, nil
	default:
		body, err := json.Marshal(toIssueResponse(token, isNew))
		if err != nil {
			return responseSpec{}, err
		}
		return responseSpec{status: http.StatusOK, body: body, contentType: contentTypeJSON}, nil
	}
}

func toIssueResponse(token *model.Token, isNew bool) issueResponse {
	return issueResponse{
		Value:     token.Value,
		ExpiresAt: token.ExpiresAt.UTC(),
		IsNew:     isNew,
	}
}

// statusFor maps issuance failures to HTTP status and a client safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTokenSpaceExhausted), errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "token service is busy, please try again later"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "an error occurred, please try again later"
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	body, _ := json.Marshal(errorResponse{Error: msg})
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	h.writeResponse(w, responseSpec{status: status, body: body, contentType: contentTypeJSON}, logger)
}

func (h *handler) writeResponse(w http.ResponseWriter, spec responseSpec, logger *zap.Logger) {
	if len(spec.body) > 0 {
		for k, v := range defaultHeaders {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", spec.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(spec.body)))
		w.WriteHeader(spec.status)
		if _, err := w.Write(spec.body); err != nil {
			logger.Warn("failed writing response body", zap.Error(err))
		}
		return
	}

	w.WriteHeader(spec.status)
}

var defaultHeaders = map[string]string{
	"Cache-Control":           "no-store",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'",
	"Referrer-Policy":         "no-referrer",
}
