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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	spec := Call("state.cart.add", Payload{"item": "apple"})

	tests := []struct {
		name    string
		result  any
		want    []Spec
		wantErr bool
	}{
		{"nil", nil, nil, false},
		{"ref", Ref("state.counter.increment"), []Spec{{Handler: "state.counter.increment"}}, false},
		{"spec", spec, []Spec{spec}, false},
		{"spec pointer", &spec, []Spec{spec}, false},
		{"nil spec pointer", (*Spec)(nil), nil, false},
		{"spec slice", []Spec{spec, spec}, []Spec{spec, spec}, false},
		{"ref slice", []Ref{"a.b"}, []Spec{{Handler: "a.b"}}, false},
		{"mixed slice", []any{Ref("a.b"), spec}, []Spec{{Handler: "a.b"}, spec}, false},
		{"bare string", "state.counter.increment", nil, true},
		{"number", 42, nil, true},
		{"nested slice", []any{[]any{Ref("a.b")}}, nil, true},
		{"map", map[string]any{"x": 1}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize("state.h", tt.result)
			if tt.wantErr {
				var resErr *InvalidEventResultError
				require.True(t, errors.As(err, &resErr))
				assert.Equal(t, "state.h", resErr.Handler)
				assert.ErrorIs(t, err, ErrInvalidEventResult)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFix(t *testing.T) {
	router := map[string]any{"pathname": "/"}
	events := Fix([]Spec{WindowAlert("hi"), {Handler: "state.tick"}}, "tok", router)

	require.Len(t, events, 2)
	assert.Equal(t, Event{Token: "tok", Name: "_alert", RouterData: router, Payload: Payload{"message": "hi"}}, events[0])
	assert.Equal(t, Payload{}, events[1].Payload)
	assert.Nil(t, Fix(nil, "tok", nil))
}

func TestDelta_Merge(t *testing.T) {
	d := Delta{"state": {"a": 1}}
	d.Merge(Delta{"state": {"b": 2}, "state.child": {"c": 3}})

	assert.Equal(t, Delta{"state": {"a": 1, "b": 2}, "state.child": {"c": 3}}, d)
}

func TestUpdate_JSON(t *testing.T) {
	u := Update{Delta: Delta{"counter": {"count": 1}}, Final: true}
	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.JSONEq(t, `{"delta":{"counter":{"count":1}},"events":null,"final":true}`, string(data))
	assert.False(t, u.Empty())
	assert.True(t, Update{Final: true}.Empty())
}

func TestSplitName(t *testing.T) {
	path, handler := SplitName("state.cart.add")
	assert.Equal(t, "state.cart", path)
	assert.Equal(t, "add", handler)

	path, handler = SplitName("hydrate")
	assert.Equal(t, "", path)
	assert.Equal(t, "hydrate", handler)
}

func TestParseUploadName(t *testing.T) {
	token, handler, name, err := ParseUploadName("tok:state.files.upload:my:file.txt")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	assert.Equal(t, "state.files.upload", handler)
	assert.Equal(t, "my:file.txt", name)

	_, _, _, err = ParseUploadName("plain.txt")
	assert.ErrorIs(t, err, ErrInvalidUpload)

	assert.Equal(t, "t:h:f", UploadName("t", "h", "f"))
}

func TestFrontendEvents(t *testing.T) {
	assert.Equal(t, RedirectEvent, Redirect("/home").Handler)
	assert.Equal(t, "/home", Redirect("/home").Args["path"])
	assert.Equal(t, ConsoleEvent, ConsoleLog("x").Handler)
	assert.Equal(t, SetFocusEvent, SetFocus("input").Handler)
	assert.True(t, IsFrontend(AlertEvent))
	assert.False(t, IsFrontend("state.x"))
}
