// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/statesync/services/statesync/app"
	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/observability"
	"github.com/AleutianAI/statesync/services/statesync/state"
	"github.com/AleutianAI/statesync/services/statesync/telemetry"
)

// UploadField is the multipart field carrying the files.
const UploadField = "files"

// UploadConfig tunes the upload endpoint.
//
// # Fields
//
//   - MaxBytes: Upper bound on the request body. Default: 32 MiB.
type UploadConfig struct {
	MaxBytes int64
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// ndjsonWriter streams updates as newline-delimited JSON, flushing after
// each line.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	started bool
}

func newNDJSONWriter(w http.ResponseWriter) (*ndjsonWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &ndjsonWriter{w: w, flusher: flusher}, nil
}

func (w *ndjsonWriter) write(u event.Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if !w.started {
		w.w.Header().Set("Content-Type", "application/x-ndjson")
		w.w.Header().Set("Cache-Control", "no-cache")
		w.w.Header().Set("X-Accel-Buffering", "no")
		w.w.WriteHeader(http.StatusOK)
		w.started = true
	}
	data = append(data, '\n')
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write update: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// HandleUpload serves POST /upload.
//
// # Description
//
// Every file in the "files" field is named "token:handler:filename". All
// files of one request must target the same token and handler. The prefix
// is stripped and the files are passed to the upload handler; its updates
// are streamed back as newline-delimited JSON.
//
// # Outputs
//
//   - 400 for a missing field, a malformed or mixed routing prefix, or a
//     handler that does not accept uploads.
//   - 404 when the handler does not exist.
//   - 200 with one JSON update per line otherwise.
func HandleUpload(a *app.App, cfg UploadConfig) gin.HandlerFunc {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 32 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBytes)
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		headers := form.File[UploadField]
		if len(headers) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no files in field " + UploadField})
			return
		}

		token, handler, files, err := readUploads(headers)
		for range headers {
			cfg.Metrics.RecordUpload(err == nil)
		}
		if err != nil {
			cfg.Logger.Warn("rejected upload", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if id := telemetry.TraceID(c.Request.Context()); id != "" {
			c.Header("X-Trace-Id", id)
		}
		w, err := newNDJSONWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		err = a.Upload(c.Request.Context(), token, handler, files, nil, w.write)
		if err == nil {
			return
		}
		if w.started {
			// The status line is gone; the stream already carries the alert.
			cfg.Logger.Warn("upload failed mid-stream", "token", token, "handler", handler, "error", err)
			return
		}
		switch {
		case errors.Is(err, state.ErrInvalidPath), errors.Is(err, state.ErrUnknownHandler):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, app.ErrNotUploadHandler):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			cfg.Logger.Error("upload failed", "token", token, "handler", handler, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		}
	}
}

// readUploads strips the routing prefix from every file and loads its
// content.
func readUploads(headers []*multipart.FileHeader) (token, handler string, files []event.File, err error) {
	files = make([]event.File, 0, len(headers))
	for i, fh := range headers {
		tok, h, name, err := event.ParseUploadName(fh.Filename)
		if err != nil {
			return "", "", nil, err
		}
		if i == 0 {
			token, handler = tok, h
		} else if tok != token || h != handler {
			return "", "", nil, fmt.Errorf("file %q targets %s, expected %s: %w", name, h, handler, event.ErrInvalidUpload)
		}

		f, err := fh.Open()
		if err != nil {
			return "", "", nil, fmt.Errorf("open %q: %w", name, err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return "", "", nil, fmt.Errorf("read %q: %w", name, err)
		}
		files = append(files, event.File{
			Filename:    name,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return token, handler, files, nil
}
