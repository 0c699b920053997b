// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"fmt"
	"maps"
)

// RouterData describes the client connection and page behind the current
// event. It lives in the root "router" variable and is readable from every
// node.
type RouterData struct {
	Token     string            `json:"token"`
	SessionID string            `json:"sid"`
	ClientIP  string            `json:"client_ip"`
	Headers   map[string]string `json:"headers"`
	Page      PageData          `json:"page"`
}

// PageData is the client's current route.
type PageData struct {
	Path  string            `json:"path"`
	Query map[string]string `json:"query"`
}

// NewRouterData builds RouterData from an event's token, the connection's
// session id, address and headers, and the event's router_data ("pathname",
// "query").
func NewRouterData(token, sessionID, clientIP string, headers map[string]string, routerData map[string]any) RouterData {
	rd := RouterData{
		Token:     token,
		SessionID: sessionID,
		ClientIP:  clientIP,
		Headers:   maps.Clone(headers),
		Page:      PageData{Query: map[string]string{}},
	}
	if rd.Headers == nil {
		rd.Headers = map[string]string{}
	}
	if p, ok := routerData["pathname"].(string); ok {
		rd.Page.Path = p
	}
	if q, ok := routerData["query"].(map[string]any); ok {
		for k, v := range q {
			rd.Page.Query[k] = fmt.Sprint(v)
		}
	}
	return rd
}

// Equal reports whether two RouterData values describe the same page and
// connection.
func (r RouterData) Equal(o RouterData) bool {
	return r.Token == o.Token &&
		r.SessionID == o.SessionID &&
		r.ClientIP == o.ClientIP &&
		r.Page.Path == o.Page.Path &&
		maps.Equal(r.Headers, o.Headers) &&
		maps.Equal(r.Page.Query, o.Page.Query)
}

// Router returns the router data visible from n.
func (n *Node) Router() (RouterData, error) {
	return Value[RouterData](n, RouterVar)
}

// SetRouter stores rd on the root when it differs from the current value.
func (t *Tree) SetRouter(rd RouterData) error {
	root := t.Root()
	cur, err := root.Router()
	if err != nil {
		return err
	}
	if cur.Equal(rd) {
		return nil
	}
	return root.Set(RouterVar, rd)
}

// Keys the server adds to an event's router_data before processing.
const (
	RouterKeySessionID = "sid"
	RouterKeyClientIP  = "client_ip"
	RouterKeyHeaders   = "headers"
)

// RouterFromEvent builds RouterData from an event's token and router_data,
// after the transport has stored the connection's session id, address and
// headers under the RouterKey* keys.
func RouterFromEvent(token string, data map[string]any) RouterData {
	sid, _ := data[RouterKeySessionID].(string)
	ip, _ := data[RouterKeyClientIP].(string)

	var headers map[string]string
	switch h := data[RouterKeyHeaders].(type) {
	case map[string]string:
		headers = h
	case map[string]any:
		headers = make(map[string]string, len(h))
		for k, v := range h {
			headers[k] = fmt.Sprint(v)
		}
	}
	rd := NewRouterData(token, sid, ip, headers, data)
	if q, ok := data["query"].(map[string]string); ok {
		maps.Copy(rd.Page.Query, q)
	}
	return rd
}
