package server

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
	"time"

	"github.com/PelionIoT/meshbase/pingpong"
	. "github.com/PelionIoT/meshbase/shared"
	. "github.com/PelionIoT/meshbase/transport"
)

type ProbeSettings struct {
	GCInterval      time.Duration
	TTLIfUnneeded   time.Duration
	RandomVariation float64
	FailureDelay    time.Duration
	RunTimeout      time.Duration
	FileDelay       time.Duration
	Sources         []string
}

type ServerConfig struct {
	StoreID        string
	DBFile         string
	Port           int
	MaxConnections int
	Transport      string
	Peers          []PeerAddress
	Endpoint       pingpong.Config
	ForwardTimeout time.Duration
	JournalLimit   uint64
	SchemaFile     string
	Probes         ProbeSettings
}

func (sc *ServerConfig) LoadFromFile(file string) error {
	var ysc YAMLServerConfig

	if err := ysc.LoadFromFile(file); err != nil {
		return err
	}

	sc.StoreID = ysc.StoreID
	sc.DBFile = ysc.DBFile
	sc.Port = ysc.Port
	sc.MaxConnections = ysc.MaxConnections
	sc.Transport = ysc.Transport
	sc.Peers = ysc.PeerAddresses()
	sc.Endpoint = ysc.EndpointConfig()
	sc.ForwardTimeout = Milliseconds(ysc.ForwardTimeout)
	sc.JournalLimit = ysc.JournalLimit
	sc.SchemaFile = ysc.Schema
	sc.Probes = ProbeSettings{
		GCInterval:      Milliseconds(ysc.Probes.GCInterval),
		TTLIfUnneeded:   Milliseconds(ysc.Probes.TTLIfUnneeded),
		RandomVariation: ysc.Probes.RandomVariation,
		FailureDelay:    Milliseconds(ysc.Probes.FailureDelay),
		RunTimeout:      Milliseconds(ysc.Probes.RunTimeout),
		FileDelay:       Milliseconds(ysc.Probes.FileDelay),
		Sources:         ysc.Probes.Sources,
	}

	return nil
}
