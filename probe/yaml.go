package probe

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
	"errors"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"time"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/logging"

	"gopkg.in/yaml.v2"
)

const YAMLFilePrefix = "file://"

type yamlNeighbor struct {
	ID    string   `yaml:"id"`
	Roles []string `yaml:"roles"`
}

type yamlObject struct {
	ID          string                 `yaml:"id"`
	Types       []string               `yaml:"types"`
	Properties  map[string]interface{} `yaml:"properties"`
	Neighbors   []yamlNeighbor         `yaml:"neighbors"`
	Equivalents []string               `yaml:"equivalents"`
	Expires     int64                  `yaml:"expires"`
}

type yamlSource struct {
	// NextUpdate is a duration such as "30s" or "never".
	NextUpdate string       `yaml:"nextUpdate"`
	Objects    []yamlObject `yaml:"objects"`
}

// YAMLFileProbe reads objects from a YAML file named by a file:// source.
// A file that disappears terminates its shadow.
type YAMLFileProbe struct {
	// DefaultDelay is used when the file does not say when to look again
	// and after a failed read.
	DefaultDelay time.Duration
}

func (probe *YAMLFileProbe) Run(ctx context.Context, state ProbeState) (ProbeResult, error) {
	result := ProbeResult{NextUpdateDelay: probe.DefaultDelay}
	sourceURL, err := url.Parse(state.Source)

	if err != nil || sourceURL.Scheme != "file" || sourceURL.Path == "" {
		Log.Warningf("Source %s is not a file URL", state.Source)

		return ProbeResult{NextUpdateDelay: NeverUpdate}, EShadowTerminated
	}

	encoded, err := ioutil.ReadFile(sourceURL.Path)

	if os.IsNotExist(err) {
		Log.Infof("File %s backing shadow %s no longer exists", sourceURL.Path, state.StoreID)

		return ProbeResult{NextUpdateDelay: NeverUpdate}, EShadowTerminated
	}

	if err != nil {
		return result, err
	}

	var source yamlSource

	if err := yaml.Unmarshal(encoded, &source); err != nil {
		return result, fmt.Errorf("could not parse %s: %v", sourceURL.Path, err)
	}

	switch source.NextUpdate {
	case "":
	case "never":
		result.NextUpdateDelay = NeverUpdate
	default:
		delay, err := time.ParseDuration(source.NextUpdate)

		if err != nil {
			return result, fmt.Errorf("nextUpdate in %s is not a duration: %v", sourceURL.Path, err)
		}

		result.NextUpdateDelay = delay
	}

	now := time.Now().UnixNano() / int64(time.Millisecond)

	for _, o := range source.Objects {
		object, err := o.toObject(now)

		if err != nil {
			return result, fmt.Errorf("object %q in %s: %v", o.ID, sourceURL.Path, err)
		}

		if previous, ok := state.Objects[o.ID]; ok {
			object.Created = previous.Created
		}

		result.Objects = append(result.Objects, object)
	}

	return result, nil
}

func (o yamlObject) toObject(timestamp int64) (*Object, error) {
	if o.ID == "" {
		return nil, errors.New("missing id")
	}

	object := NewObject(ObjectID(o.ID), timestamp)
	object.Expires = o.Expires

	for _, entityType := range o.Types {
		object.Bless(entityType)
	}

	for name, v := range o.Properties {
		value, ok := ValueOf(v)

		if !ok {
			return nil, fmt.Errorf("property %s has unsupported value %v", name, v)
		}

		object.SetProperty(name, value)
	}

	for _, neighbor := range o.Neighbors {
		object.AddNeighbor(ObjectID(neighbor.ID))

		for _, roleType := range neighbor.Roles {
			object.BlessRole(ObjectID(neighbor.ID), roleType)
		}
	}

	for _, equivalent := range o.Equivalents {
		object.AddEquivalent(ObjectID(equivalent))
	}

	return object, nil
}
