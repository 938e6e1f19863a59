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

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/meshbase"
	. "github.com/PelionIoT/meshbase/probe"
)

// MeshFacade is what the HTTP routes need from a node: its store, the
// shadow stores it hosts and its probe scheduler.
type MeshFacade interface {
	LocalStoreID() string
	Objects() []ObjectID
	ObjectStatus(id ObjectID) (ObjectStatus, error)
	AccessLocally(ctx context.Context, partner string, id ObjectID) (*Object, error)
	ObtainLock(ctx context.Context, id ObjectID) (bool, error)
	ObtainHome(ctx context.Context, id ObjectID) (bool, error)
	ProxyStatuses() []ProxyStatus
	Shadows() []ShadowStatus
	ObtainShadow(ctx context.Context, source string) (ShadowStatus, error)
	UpdateShadow(ctx context.Context, source string) (ShadowStatus, error)
	DisableShadow(source string) error
	EnableShadow(source string) error
}
