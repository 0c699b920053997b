// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package event

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidUpload indicates an upload whose filename does not carry the
// "token:handler:filename" routing prefix.
var ErrInvalidUpload = errors.New("invalid upload")

// File is one uploaded file, delivered to an upload handler.
type File struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Size returns the number of bytes in the file.
func (f File) Size() int {
	return len(f.Data)
}

// ParseUploadName splits a routed upload filename
// "token:dotted.path.handler:actualname" into its parts. The actual filename
// may itself contain colons.
func ParseUploadName(name string) (token, handler, filename string, err error) {
	parts := strings.SplitN(name, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("filename %q: %w", name, ErrInvalidUpload)
	}
	return parts[0], parts[1], parts[2], nil
}

// UploadName builds the routed filename a client sends for handler.
func UploadName(token, handler, filename string) string {
	return token + ":" + handler + ":" + filename
}
