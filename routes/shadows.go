package routes

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
	"context"
	"net/http"

	. "github.com/PelionIoT/meshbase/logging"
	. "github.com/PelionIoT/meshbase/probe"

	"github.com/gorilla/mux"
)

type ShadowsEndpoint struct {
	MeshFacade MeshFacade
}

// Sources are URLs, so they are passed in the source query parameter.
func (shadowsEndpoint *ShadowsEndpoint) Attach(router *mux.Router) {
	router.HandleFunc("/shadows", func(w http.ResponseWriter, r *http.Request) {
		statuses := shadowsEndpoint.MeshFacade.Shadows()

		if statuses == nil {
			statuses = []ShadowStatus{}
		}

		respondJSON(w, http.StatusOK, statuses)
	}).Methods("GET")

	// Create the shadow of a source if it does not exist yet
	router.HandleFunc("/shadows", func(w http.ResponseWriter, r *http.Request) {
		shadowsEndpoint.run(w, r, "POST /shadows", shadowsEndpoint.MeshFacade.ObtainShadow)
	}).Methods("POST")

	// Refresh a shadow now
	router.HandleFunc("/shadows/update", func(w http.ResponseWriter, r *http.Request) {
		shadowsEndpoint.run(w, r, "POST /shadows/update", shadowsEndpoint.MeshFacade.UpdateShadow)
	}).Methods("POST")

	router.HandleFunc("/shadows/disable", func(w http.ResponseWriter, r *http.Request) {
		shadowsEndpoint.toggle(w, r, "POST /shadows/disable", shadowsEndpoint.MeshFacade.DisableShadow)
	}).Methods("POST")

	router.HandleFunc("/shadows/enable", func(w http.ResponseWriter, r *http.Request) {
		shadowsEndpoint.toggle(w, r, "POST /shadows/enable", shadowsEndpoint.MeshFacade.EnableShadow)
	}).Methods("POST")
}

func (shadowsEndpoint *ShadowsEndpoint) run(w http.ResponseWriter, r *http.Request, route string, fn func(ctx context.Context, source string) (ShadowStatus, error)) {
	source := r.URL.Query().Get("source")

	if source == "" {
		Log.Warningf("%s: No source specified", route)

		respondJSON(w, http.StatusBadRequest, nil)

		return
	}

	ctx, cancel, err := requestContext(r)

	if err != nil {
		Log.Warningf("%s: Invalid timeout: %v", route, err)

		respondJSON(w, http.StatusBadRequest, nil)

		return
	}

	defer cancel()

	status, err := fn(ctx, source)

	if err != nil {
		Log.Warningf("%s: %s: %v", route, source, err)

		respondError(w, err)

		return
	}

	respondJSON(w, http.StatusOK, status)
}

func (shadowsEndpoint *ShadowsEndpoint) toggle(w http.ResponseWriter, r *http.Request, route string, fn func(source string) error) {
	source := r.URL.Query().Get("source")

	if source == "" {
		Log.Warningf("%s: No source specified", route)

		respondJSON(w, http.StatusBadRequest, nil)

		return
	}

	if err := fn(source); err != nil {
		Log.Warningf("%s: %s: %v", route, source, err)

		respondError(w, err)

		return
	}

	respondJSON(w, http.StatusOK, nil)
}
