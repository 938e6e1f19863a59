package proxy

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

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"
)

type MessageType string

const (
	MsgReplicate      MessageType = "replicate"
	MsgRequestReplica MessageType = "requestReplica"
	MsgCancelReplica  MessageType = "cancelReplica"

	MsgRequestLock MessageType = "requestLock"
	MsgGrantLock   MessageType = "grantLock"
	MsgRejectLock  MessageType = "rejectLock"
	MsgPushLock    MessageType = "pushLock"
	MsgAcceptLock  MessageType = "acceptLock"
	MsgRefuseLock  MessageType = "refuseLock"
	MsgReclaimLock MessageType = "reclaimLock"

	MsgRequestHome MessageType = "requestHome"
	MsgGrantHome   MessageType = "grantHome"
	MsgRejectHome  MessageType = "rejectHome"
	MsgPushHome    MessageType = "pushHome"
	MsgAcceptHome  MessageType = "acceptHome"
	MsgRefuseHome  MessageType = "refuseHome"
	MsgReclaimHome MessageType = "reclaimHome"
)

// Message is the payload carried by a proxy's endpoint. Requests carry a
// RequestID that the matching reply repeats. A replicate message with a
// RequestID answers a requestReplica.
//
// LockClaims and HomeClaims list the objects the sender believes it holds
// the lock or home for. Receivers compare them against their own state to
// detect rights that were duplicated while the stores could not talk.
type Message struct {
	Type       MessageType `json:"type"`
	RequestID  string      `json:"request,omitempty"`
	Objects    []ObjectID  `json:"objects,omitempty"`
	Missing    []ObjectID  `json:"missing,omitempty"`
	ChangeSet  *ChangeSet  `json:"changeSet,omitempty"`
	Epoch      uint64      `json:"epoch,omitempty"`
	LockClaims []LockClaim `json:"lockClaims,omitempty"`
	HomeClaims []ObjectID  `json:"homeClaims,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// LockClaim names an object the sender holds the lock for and the epoch it
// holds it under.
type LockClaim struct {
	Object ObjectID `json:"object"`
	Epoch  uint64   `json:"epoch"`
}

func (msg Message) IsReply() bool {
	switch msg.Type {
	case MsgGrantLock, MsgRejectLock, MsgAcceptLock, MsgRefuseLock:
		return true
	case MsgGrantHome, MsgRejectHome, MsgAcceptHome, MsgRefuseHome:
		return true
	case MsgReplicate:
		return msg.RequestID != ""
	}

	return false
}

// Object returns the first object the message is about.
func (msg Message) Object() ObjectID {
	if len(msg.Objects) == 0 {
		return ""
	}

	return msg.Objects[0]
}

func (msg Message) Encode() []byte {
	encoded, _ := json.Marshal(msg)

	return encoded
}

func DecodeMessage(encoded []byte) (Message, error) {
	var msg Message

	if err := json.Unmarshal(encoded, &msg); err != nil {
		return Message{}, EInvalidMessage
	}

	if msg.Type == "" {
		return Message{}, EInvalidMessage
	}

	return msg, nil
}
