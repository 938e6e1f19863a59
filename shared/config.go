package shared

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
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	. "github.com/PelionIoT/meshbase/logging"
	"github.com/PelionIoT/meshbase/pingpong"
	. "github.com/PelionIoT/meshbase/transport"

	"gopkg.in/yaml.v2"
)

const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

type YAMLServerConfig struct {
	StoreID        string       `yaml:"id"`
	DBFile         string       `yaml:"db"`
	Port           int          `yaml:"port"`
	MaxConnections int          `yaml:"maxConnections"`
	Transport      string       `yaml:"transport"`
	Peers          []YAMLPeer   `yaml:"peers"`
	Endpoint       YAMLEndpoint `yaml:"endpoint"`
	ForwardTimeout uint64       `yaml:"forwardTimeout"`
	JournalLimit   uint64       `yaml:"journalLimit"`
	Schema         string       `yaml:"schema"`
	Probes         *YAMLProbes  `yaml:"probes"`
	LogLevel       string       `yaml:"logLevel"`
}

type YAMLPeer struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// YAMLEndpoint holds the token protocol timing in milliseconds. Zero
// fields take their default.
type YAMLEndpoint struct {
	RespondNoMessage   uint64  `yaml:"respondNoMessage"`
	RespondWithMessage uint64  `yaml:"respondWithMessage"`
	Resend             uint64  `yaml:"resend"`
	Recover            uint64  `yaml:"recover"`
	RandomVariation    float64 `yaml:"randomVariation"`
	MaxSendAttempts    int     `yaml:"maxSendAttempts"`
}

type YAMLProbes struct {
	GCInterval      uint64   `yaml:"gcInterval"`
	TTLIfUnneeded   uint64   `yaml:"ttlIfUnneeded"`
	RandomVariation float64  `yaml:"randomVariation"`
	FailureDelay    uint64   `yaml:"failureDelay"`
	RunTimeout      uint64   `yaml:"runTimeout"`
	FileDelay       uint64   `yaml:"fileDelay"`
	Sources         []string `yaml:"sources"`
}

func (ysc *YAMLServerConfig) LoadFromFile(file string) error {
	rawConfig, err := ioutil.ReadFile(file)

	if err != nil {
		return err
	}

	err = yaml.Unmarshal(rawConfig, ysc)

	if err != nil {
		return err
	}

	if len(ysc.StoreID) == 0 {
		return errors.New("id must be set to the store identifier of this node")
	}

	if strings.Contains(ysc.StoreID, "#") || strings.Contains(ysc.StoreID, StoreSeparator) {
		return errors.New(fmt.Sprintf("%s is an invalid store identifier. It may not contain # or %s", ysc.StoreID, StoreSeparator))
	}

	if len(ysc.DBFile) == 0 {
		return errors.New("db must be set to the directory where the database files reside")
	}

	ysc.DBFile = resolveFilePath(file, ysc.DBFile)

	if !isValidPort(ysc.Port) {
		return errors.New(fmt.Sprintf("%d is an invalid port for the database server", ysc.Port))
	}

	if ysc.MaxConnections < 0 {
		return errors.New("maxConnections must not be negative")
	}

	switch ysc.Transport {
	case "":
		ysc.Transport = TransportHTTP
	case TransportHTTP, TransportWebSocket:
	default:
		return errors.New(fmt.Sprintf("transport must be %s or %s", TransportHTTP, TransportWebSocket))
	}

	for _, peer := range ysc.Peers {
		if len(peer.ID) == 0 {
			return errors.New(fmt.Sprintf("Peer ID is empty"))
		}

		if peer.ID == ysc.StoreID {
			return errors.New(fmt.Sprintf("Peer %s has the same id as this node", peer.ID))
		}

		if len(peer.Host) == 0 {
			return errors.New(fmt.Sprintf("The host name is empty for peer %s", peer.ID))
		}

		if !isValidPort(peer.Port) {
			return errors.New(fmt.Sprintf("%d is an invalid port to connect to peer %s at %s", peer.Port, peer.ID, peer.Host))
		}
	}

	if ysc.Endpoint.RandomVariation < 0 || ysc.Endpoint.RandomVariation > 1 {
		return errors.New("endpoint.randomVariation must be between 0 and 1")
	}

	if ysc.Endpoint.MaxSendAttempts < 0 {
		return errors.New("endpoint.maxSendAttempts must not be negative")
	}

	if len(ysc.Schema) != 0 {
		ysc.Schema = resolveFilePath(file, ysc.Schema)
	}

	if ysc.Probes == nil {
		ysc.Probes = &YAMLProbes{}
	}

	if ysc.Probes.GCInterval == 0 {
		ysc.Probes.GCInterval = 60000
	}

	if ysc.Probes.GCInterval < 1000 {
		return errors.New("The probe gc interval must be at least one second (i.e. gcInterval: 1000)")
	}

	if ysc.Probes.RandomVariation < 0 || ysc.Probes.RandomVariation > 1 {
		return errors.New("probes.randomVariation must be between 0 and 1")
	}

	if ysc.Probes.FileDelay == 0 {
		ysc.Probes.FileDelay = 30000
	}

	if len(ysc.LogLevel) != 0 && !LogLevelIsValid(ysc.LogLevel) {
		return errors.New(fmt.Sprintf("%s is not a valid log level", ysc.LogLevel))
	}

	SetLoggingLevel(ysc.LogLevel)

	return nil
}

// EndpointConfig fills in the token protocol defaults for unset fields.
func (ysc *YAMLServerConfig) EndpointConfig() pingpong.Config {
	config := pingpong.DefaultConfig()

	if ysc.Endpoint.RespondNoMessage != 0 {
		config.DeltaRespondNoMessage = Milliseconds(ysc.Endpoint.RespondNoMessage)
	}

	if ysc.Endpoint.RespondWithMessage != 0 {
		config.DeltaRespondWithMessage = Milliseconds(ysc.Endpoint.RespondWithMessage)
	}

	if ysc.Endpoint.Resend != 0 {
		config.DeltaResend = Milliseconds(ysc.Endpoint.Resend)
	}

	if ysc.Endpoint.Recover != 0 {
		config.DeltaRecover = Milliseconds(ysc.Endpoint.Recover)
	}

	if ysc.Endpoint.RandomVariation != 0 {
		config.RandomVariation = ysc.Endpoint.RandomVariation
	}

	if ysc.Endpoint.MaxSendAttempts != 0 {
		config.MaxSendAttempts = ysc.Endpoint.MaxSendAttempts
	}

	return config
}

func (ysc *YAMLServerConfig) PeerAddresses() []PeerAddress {
	peerAddresses := make([]PeerAddress, 0, len(ysc.Peers))

	for _, peer := range ysc.Peers {
		peerAddresses = append(peerAddresses, PeerAddress{NodeID: peer.ID, Host: peer.Host, Port: peer.Port})
	}

	return peerAddresses
}

func Milliseconds(ms uint64) time.Duration {
	return time.Millisecond * time.Duration(ms)
}

func isValidPort(p int) bool {
	return p >= 0 && p < (1<<16)
}

func resolveFilePath(configFileLocation, file string) string {
	if filepath.IsAbs(file) {
		return file
	}

	return filepath.Join(filepath.Dir(configFileLocation), file)
}
