package main

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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	. "github.com/PelionIoT/meshbase/meshbase"
	. "github.com/PelionIoT/meshbase/probe"
	. "github.com/PelionIoT/meshbase/transport"

	"github.com/olekukonko/tablewriter"
)

func fetchJSON(httpClient *http.Client, peerAddress PeerAddress, endpoint string, result interface{}) error {
	response, err := httpClient.Get(peerAddress.ToHTTPURL(endpoint))

	if err != nil {
		return err
	}

	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", endpoint, response.StatusCode)
	}

	return json.NewDecoder(response.Body).Decode(result)
}

func status(w io.Writer, host string, port int) error {
	httpClient := &http.Client{Timeout: time.Second * RequestTimeoutSeconds}
	peerAddress := PeerAddress{Host: host, Port: port}

	var proxies []ProxyStatus
	var shadows []ShadowStatus

	if err := fetchJSON(httpClient, peerAddress, "/proxies", &proxies); err != nil {
		return err
	}

	if err := fetchJSON(httpClient, peerAddress, "/shadows", &shadows); err != nil {
		return err
	}

	renderProxies(w, proxies)
	fmt.Fprintf(w, "\n")
	renderShadows(w, shadows)

	return nil
}

func renderProxies(w io.Writer, proxies []ProxyStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Partner", "Has Token", "Last Sent", "Last Received", "Timer", "Queued", "Outstanding"})

	for _, proxy := range proxies {
		table.Append([]string{
			proxy.Partner,
			strconv.FormatBool(proxy.HasToken),
			strconv.FormatUint(proxy.LastSentToken, 10),
			strconv.FormatUint(proxy.LastReceivedToken, 10),
			proxy.PendingTimer,
			strconv.Itoa(proxy.Queued),
			strconv.Itoa(proxy.Outstanding),
		})
	}

	table.Render()
}

func renderShadows(w io.Writer, shadows []ShadowStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Source", "Store", "Objects", "Runs", "Next Run", "Needed", "Disabled", "Problem"})

	for _, shadow := range shadows {
		nextRun := "-"

		if shadow.NextRun != nil {
			nextRun = shadow.NextRun.Format(time.RFC3339)
		}

		table.Append([]string{
			shadow.Source,
			shadow.StoreID,
			strconv.Itoa(shadow.Objects),
			strconv.FormatUint(shadow.Runs, 10),
			nextRun,
			strconv.FormatBool(shadow.Needed),
			strconv.FormatBool(shadow.Disabled),
			shadow.Problem,
		})
	}

	table.Render()
}
