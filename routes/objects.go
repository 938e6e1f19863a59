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

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/logging"

	"github.com/gorilla/mux"
)

type ObjectsEndpoint struct {
	MeshFacade MeshFacade
}

// Object identifiers contain '#' and may contain '/', so they are passed in
// the id query parameter.
func (objectsEndpoint *ObjectsEndpoint) Attach(router *mux.Router) {
	// List the objects replicated in the local store
	router.HandleFunc("/objects", func(w http.ResponseWriter, r *http.Request) {
		objects := objectsEndpoint.MeshFacade.Objects()

		if objects == nil {
			objects = []ObjectID{}
		}

		respondJSON(w, http.StatusOK, objects)
	}).Methods("GET")

	// Get an object along with the ownership state of its replica
	router.HandleFunc("/object", func(w http.ResponseWriter, r *http.Request) {
		id, err := objectIDParam(r)

		if err != nil {
			Log.Warningf("GET /object: Invalid object id %s", r.URL.Query().Get("id"))

			respondError(w, err)

			return
		}

		objectStatus, err := objectsEndpoint.MeshFacade.ObjectStatus(id)

		if err != nil {
			Log.Debugf("GET /object: %s: %v", id, err)

			respondError(w, err)

			return
		}

		respondJSON(w, http.StatusOK, objectStatus)
	}).Methods("GET")

	// Replicate an object from a partner store into the local store
	router.HandleFunc("/object/access", func(w http.ResponseWriter, r *http.Request) {
		id, err := objectIDParam(r)

		if err != nil {
			Log.Warningf("POST /object/access: Invalid object id %s", r.URL.Query().Get("id"))

			respondError(w, err)

			return
		}

		partner := r.URL.Query().Get("partner")

		if partner == "" {
			partner = id.Store()
		}

		ctx, cancel, err := requestContext(r)

		if err != nil {
			Log.Warningf("POST /object/access: Invalid timeout: %v", err)

			respondJSON(w, http.StatusBadRequest, nil)

			return
		}

		defer cancel()

		object, err := objectsEndpoint.MeshFacade.AccessLocally(ctx, partner, id)

		if err != nil {
			Log.Warningf("POST /object/access: Unable to replicate %s from %s: %v", id, partner, err)

			respondError(w, err)

			return
		}

		respondJSON(w, http.StatusOK, object)
	}).Methods("POST")

	// Try to obtain the lock of an object
	router.HandleFunc("/object/lock", func(w http.ResponseWriter, r *http.Request) {
		objectsEndpoint.obtain(w, r, "lock", objectsEndpoint.MeshFacade.ObtainLock)
	}).Methods("POST")

	// Try to make the local replica of an object its home replica
	router.HandleFunc("/object/home", func(w http.ResponseWriter, r *http.Request) {
		objectsEndpoint.obtain(w, r, "home", objectsEndpoint.MeshFacade.ObtainHome)
	}).Methods("POST")
}

func (objectsEndpoint *ObjectsEndpoint) obtain(w http.ResponseWriter, r *http.Request, right string, obtain func(ctx context.Context, id ObjectID) (bool, error)) {
	id, err := objectIDParam(r)

	if err != nil {
		Log.Warningf("POST /object/%s: Invalid object id %s", right, r.URL.Query().Get("id"))

		respondError(w, err)

		return
	}

	ctx, cancel, err := requestContext(r)

	if err != nil {
		Log.Warningf("POST /object/%s: Invalid timeout: %v", right, err)

		respondJSON(w, http.StatusBadRequest, nil)

		return
	}

	defer cancel()

	obtained, err := obtain(ctx, id)

	if err != nil {
		Log.Warningf("POST /object/%s: Unable to obtain the %s of %s: %v", right, right, id, err)

		respondError(w, err)

		return
	}

	respondJSON(w, http.StatusOK, ObtainResult{Object: id, Obtained: obtained})
}
