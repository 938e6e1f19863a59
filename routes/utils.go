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
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
)

const DefaultRequestTimeout = time.Second * 10

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	encoded, _ := json.Marshal(body)

	w.Header().Set("Content-Type", "application/json; charset=utf8")
	w.WriteHeader(status)
	io.WriteString(w, string(encoded)+"\n")
}

// respondError maps the error onto a status code. DBerrors are written as
// the body so clients can decode them.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch err {
	case ENoSuchObject, ENoSuchShadow, ENoProbe, ENoSuchProxy:
		status = http.StatusNotFound
	case EInvalidObjectID:
		status = http.StatusBadRequest
	case ERemoteTimeout, context.DeadlineExceeded:
		status = http.StatusGatewayTimeout
	case EResourceTerminated, ESchedulerStopped, EShadowTerminated:
		status = http.StatusServiceUnavailable
	case ENotHome, ERequestRejected, ETransferInProgress, ELockInTransit:
		status = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json; charset=utf8")
	w.WriteHeader(status)

	if dbError, ok := err.(DBerror); ok {
		io.WriteString(w, string(dbError.JSON())+"\n")

		return
	}

	io.WriteString(w, "\n")
}

func objectIDParam(r *http.Request) (ObjectID, error) {
	return ParseObjectID(r.URL.Query().Get("id"))
}

// requestContext bounds a blocking operation by the timeout query
// parameter, given in milliseconds.
func requestContext(r *http.Request) (context.Context, context.CancelFunc, error) {
	timeout := DefaultRequestTimeout

	if t := r.URL.Query().Get("timeout"); t != "" {
		ms, err := strconv.ParseUint(t, 10, 32)

		if err != nil {
			return nil, nil, err
		}

		timeout = time.Millisecond * time.Duration(ms)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)

	return ctx, cancel, nil
}
