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

import "strings"

// Names of events handled by the client rather than by a state node.
const (
	AlertEvent    = "_alert"
	RedirectEvent = "_redirect"
	ConsoleEvent  = "_console"
	SetFocusEvent = "_set_focus"
)

// ErrorAlertMessage is shown to the client when a handler fails.
const ErrorAlertMessage = "An error occurred. See logs for details."

// WindowAlert asks the client to show a blocking alert.
func WindowAlert(message string) Spec {
	return Call(AlertEvent, Payload{"message": message})
}

// Redirect asks the client to navigate to path.
func Redirect(path string) Spec {
	return Call(RedirectEvent, Payload{"path": path})
}

// ConsoleLog asks the client to log message to its console.
func ConsoleLog(message string) Spec {
	return Call(ConsoleEvent, Payload{"message": message})
}

// SetFocus asks the client to focus the element with the given id.
func SetFocus(ref string) Spec {
	return Call(SetFocusEvent, Payload{"ref": ref})
}

// IsFrontend reports whether name is a client-side event.
func IsFrontend(name string) bool {
	return strings.HasPrefix(name, "_")
}
