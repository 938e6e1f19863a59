package pingpong

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
	"math/rand"
	"sync"
	"time"
)

// Config holds the timing parameters of an endpoint. Every delay is
// stretched by a random fraction in [0, RandomVariation) so that two peers
// started together drift apart.
type Config struct {
	DeltaRespondNoMessage   time.Duration
	DeltaRespondWithMessage time.Duration
	DeltaResend             time.Duration
	DeltaRecover            time.Duration
	RandomVariation         float64
	MaxSendAttempts         int
	SendTimeout             time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeltaRespondNoMessage:   time.Second * 5,
		DeltaRespondWithMessage: time.Millisecond * 100,
		DeltaResend:             time.Second,
		DeltaRecover:            time.Second * 15,
		RandomVariation:         0.1,
		MaxSendAttempts:         2,
		SendTimeout:             time.Second * 10,
	}
}

// normalized fills in zero fields from the defaults.
func (config Config) normalized() Config {
	defaults := DefaultConfig()

	if config.DeltaRespondNoMessage <= 0 {
		config.DeltaRespondNoMessage = defaults.DeltaRespondNoMessage
	}

	if config.DeltaRespondWithMessage <= 0 {
		config.DeltaRespondWithMessage = defaults.DeltaRespondWithMessage
	}

	if config.DeltaResend <= 0 {
		config.DeltaResend = defaults.DeltaResend
	}

	if config.DeltaRecover <= 0 {
		config.DeltaRecover = defaults.DeltaRecover
	}

	if config.RandomVariation < 0 {
		config.RandomVariation = 0
	}

	if config.MaxSendAttempts <= 0 {
		config.MaxSendAttempts = defaults.MaxSendAttempts
	}

	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}

	return config
}

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))
var jitterLock sync.Mutex

func (config Config) jitter(delta time.Duration) time.Duration {
	if config.RandomVariation == 0 {
		return delta
	}

	jitterLock.Lock()
	fraction := jitterSource.Float64()
	jitterLock.Unlock()

	return delta + time.Duration(float64(delta)*fraction*config.RandomVariation)
}
