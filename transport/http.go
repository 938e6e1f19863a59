package transport

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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/logging"

	"github.com/gorilla/mux"
)

const (
	RequestTimeoutSeconds = 10
	MessagesEndpoint      = "/mesh/messages"
)

// HTTPTransport posts each frame to the node hosting the receiving store.
type HTTPTransport struct {
	*PeerTable
	local      *MemoryNetwork
	httpClient *http.Client
}

func NewHTTPTransport(local *MemoryNetwork) *HTTPTransport {
	return &HTTPTransport{
		PeerTable: NewPeerTable(),
		local:     local,
		httpClient: &http.Client{
			Timeout: time.Second * RequestTimeoutSeconds,
		},
	}
}

// Store identifiers may contain the store separator, so they travel in the
// query string rather than the path.
func messagesPath(from string, to string) string {
	query := url.Values{}
	query.Set("from", from)
	query.Set("to", to)

	return MessagesEndpoint + "?" + query.Encode()
}

func (transport *HTTPTransport) Send(ctx context.Context, from string, to string, frame []byte) error {
	peerAddress, ok := transport.Lookup(to)

	if !ok {
		return EReceiverUnknown
	}

	request, err := http.NewRequest("POST", peerAddress.ToHTTPURL(messagesPath(from, to)), bytes.NewReader(frame))

	if err != nil {
		return err
	}

	request = request.WithContext(ctx)
	resp, err := transport.httpClient.Do(request)

	if err != nil {
		if ctx.Err() != nil {
			return ERemoteTimeout
		}

		return ETransportFailure
	}

	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusForbidden:
		return ESenderUnknown
	case http.StatusNotFound:
		return EReceiverUnknown
	}

	errorMessage, err := ioutil.ReadAll(resp.Body)

	if err != nil {
		return err
	}

	if dbError, err := DBErrorFromJSON(errorMessage); err == nil && dbError.Msg != "" {
		return *dbError
	}

	return errors.New(fmt.Sprintf("Received error code from server: (%d) %s", resp.StatusCode, string(errorMessage)))
}

func (transport *HTTPTransport) Attach(router *mux.Router) {
	router.HandleFunc(MessagesEndpoint, func(w http.ResponseWriter, r *http.Request) {
		from := r.URL.Query().Get("from")
		to := r.URL.Query().Get("to")
		frame, err := ioutil.ReadAll(r.Body)

		if err != nil {
			Log.Warningf("POST %s: Unable to read message body", MessagesEndpoint)

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, "\n")

			return
		}

		if _, ok := transport.Lookup(from); !ok {
			Log.Warningf("POST %s: Sender store (%s) is not known by this node", MessagesEndpoint, from)

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, "\n")

			return
		}

		err = transport.local.Deliver(from, to, frame)

		if err == EReceiverUnknown {
			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, string(EReceiverUnknown.JSON())+"\n")

			return
		}

		if err != nil {
			Log.Warningf("POST %s: Store %s unable to receive message from %s: %v", MessagesEndpoint, to, from, err)

			body := ETransportFailure.JSON()

			if dbError, ok := err.(DBerror); ok {
				body = dbError.JSON()
			}

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, string(body)+"\n")

			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "\n")
	}).Methods("POST")
}
