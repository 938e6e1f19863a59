package error

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
)

type DBerror struct {
	Msg       string `json:"message"`
	ErrorCode int    `json:"code"`
}

func (dbError DBerror) Error() string {
	return dbError.Msg
}

func (dbError DBerror) Code() int {
	return dbError.ErrorCode
}

func (dbError DBerror) JSON() []byte {
	json, _ := json.Marshal(dbError)

	return json
}

// DBErrorFromJSON decodes an error produced by JSON(). It returns nil if the
// encoded value is not a recognizable error body.
func DBErrorFromJSON(encodedError []byte) (*DBerror, error) {
	var dbError DBerror

	if err := json.Unmarshal(encodedError, &dbError); err != nil {
		return nil, err
	}

	return &dbError, nil
}

const (
	eREMOTE_TIMEOUT         = iota
	eLOCK_NOT_HELD          = iota
	eNOT_HOME               = iota
	eTRANSPORT_FAILURE      = iota
	eENDPOINT_TERMINATED    = iota
	eCOORDINATION_CONFLICT  = iota
	eRESOURCE_TERMINATED    = iota
	eSTORAGE                = iota
	eCORRUPTED              = iota
	eNO_SUCH_OBJECT         = iota
	eNO_SUCH_PROXY          = iota
	eDUPLICATE_OBJECT       = iota
	eINVALID_MESSAGE        = iota
	eINVALID_PROPERTY       = iota
	eUNKNOWN_TYPE           = iota
	eNO_PROBE               = iota
	eSHADOW_TERMINATED      = iota
	eTRANSACTION_DONE       = iota
	eEXECUTOR_STOPPED       = iota
	eRECEIVER_UNKNOWN       = iota
	eSENDER_UNKNOWN         = iota
	eREQUEST_REJECTED       = iota
	eTRANSFER_IN_PROGRESS   = iota
	eINVALID_OBJECT_ID      = iota
	eLOCK_IN_TRANSIT        = iota
	eNO_SUCH_SHADOW         = iota
	eREPLICA_IN_USE         = iota
	eSCHEDULER_STOPPED      = iota
)

var (
	ERemoteTimeout         = DBerror{"The remote store did not respond before the timeout", eREMOTE_TIMEOUT}
	ELockNotHeld           = DBerror{"This replica does not hold the lock", eLOCK_NOT_HELD}
	ENotHome               = DBerror{"This replica is not the home replica", eNOT_HOME}
	ETransportFailure      = DBerror{"The transport was unable to deliver the message", eTRANSPORT_FAILURE}
	EEndpointTerminated    = DBerror{"The endpoint has been stopped", eENDPOINT_TERMINATED}
	ECoordinationConflict  = DBerror{"An incoming change contradicts local ownership state", eCOORDINATION_CONFLICT}
	EResourceTerminated    = DBerror{"The store or shadow has already been torn down", eRESOURCE_TERMINATED}
	EStorage               = DBerror{"The storage driver experienced an error", eSTORAGE}
	ECorrupted             = DBerror{"The storage medium is corrupted", eCORRUPTED}
	ENoSuchObject          = DBerror{"The object does not exist", eNO_SUCH_OBJECT}
	ENoSuchProxy           = DBerror{"There is no proxy for that store", eNO_SUCH_PROXY}
	EDuplicateObject       = DBerror{"An object with that identifier already exists", eDUPLICATE_OBJECT}
	EInvalidMessage        = DBerror{"The message could not be decoded", eINVALID_MESSAGE}
	EInvalidProperty       = DBerror{"The property is not valid for the types of this object", eINVALID_PROPERTY}
	EUnknownType           = DBerror{"The type is not registered in the schema", eUNKNOWN_TYPE}
	ENoProbe               = DBerror{"No probe is registered for that source", eNO_PROBE}
	EShadowTerminated      = DBerror{"The shadow reported that its source is gone", eSHADOW_TERMINATED}
	ETransactionDone       = DBerror{"The transaction has already been committed or rolled back", eTRANSACTION_DONE}
	EExecutorStopped       = DBerror{"The executor has been shut down", eEXECUTOR_STOPPED}
	EReceiverUnknown       = DBerror{"The receiving store is not known to this transport", eRECEIVER_UNKNOWN}
	ESenderUnknown         = DBerror{"The sending store is not known to the receiver", eSENDER_UNKNOWN}
	ERequestRejected       = DBerror{"The remote store rejected the request", eREQUEST_REJECTED}
	ETransferInProgress    = DBerror{"A transfer of this right is already in progress", eTRANSFER_IN_PROGRESS}
	EInvalidObjectID       = DBerror{"The object identifier is malformed", eINVALID_OBJECT_ID}
	ELockInTransit         = DBerror{"The lock is being transferred to another store", eLOCK_IN_TRANSIT}
	ENoSuchShadow          = DBerror{"There is no shadow for that source", eNO_SUCH_SHADOW}
	EReplicaInUse          = DBerror{"Other stores reach this object through this replica", eREPLICA_IN_USE}
	ESchedulerStopped      = DBerror{"The probe scheduler is not running", eSCHEDULER_STOPPED}
)

// CoordinationConflict describes an incoming change that this store refused
// to apply because it believed it held the lock for the object.
type CoordinationConflict struct {
	Object  string `json:"object"`
	Partner string `json:"partner"`
	Epoch   uint64 `json:"epoch"`
	Reason  string `json:"reason"`
}

func (conflict CoordinationConflict) Error() string {
	return ECoordinationConflict.Msg + ": " + conflict.Reason
}

func (conflict CoordinationConflict) Unwrap() error {
	return ECoordinationConflict
}
