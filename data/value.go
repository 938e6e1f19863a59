package data

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
	"encoding/json"
	"time"
)

type DataType string

const (
	StringType  DataType = "string"
	IntegerType DataType = "integer"
	FloatType   DataType = "float"
	BooleanType DataType = "boolean"
	BlobType    DataType = "blob"
	TimeType    DataType = "time"
)

func (dataType DataType) IsValid() bool {
	switch dataType {
	case StringType, IntegerType, FloatType, BooleanType, BlobType, TimeType:
		return true
	}

	return false
}

// PropertyValue is a typed property value. The value is kept in its JSON
// encoding so that it round-trips through storage and the wire unchanged.
type PropertyValue struct {
	Type  DataType        `json:"type"`
	Value json.RawMessage `json:"value"`
}

func newValue(dataType DataType, v interface{}) PropertyValue {
	encoded, _ := json.Marshal(v)

	return PropertyValue{Type: dataType, Value: encoded}
}

func StringValue(s string) PropertyValue {
	return newValue(StringType, s)
}

func IntegerValue(i int64) PropertyValue {
	return newValue(IntegerType, i)
}

func FloatValue(f float64) PropertyValue {
	return newValue(FloatType, f)
}

func BooleanValue(b bool) PropertyValue {
	return newValue(BooleanType, b)
}

func BlobValue(b []byte) PropertyValue {
	return newValue(BlobType, b)
}

func TimeValue(t time.Time) PropertyValue {
	return newValue(TimeType, t.UTC().UnixNano()/int64(time.Millisecond))
}

// ValueOf converts a plain Go value, such as one decoded from YAML, into a
// property value. It returns false for unsupported kinds.
func ValueOf(v interface{}) (PropertyValue, bool) {
	switch value := v.(type) {
	case string:
		return StringValue(value), true
	case int:
		return IntegerValue(int64(value)), true
	case int64:
		return IntegerValue(value), true
	case float64:
		return FloatValue(value), true
	case bool:
		return BooleanValue(value), true
	case []byte:
		return BlobValue(value), true
	case time.Time:
		return TimeValue(value), true
	}

	return PropertyValue{}, false
}

func (value PropertyValue) decode(dataType DataType, v interface{}) bool {
	if value.Type != dataType {
		return false
	}

	return json.Unmarshal(value.Value, v) == nil
}

func (value PropertyValue) AsString() (string, bool) {
	var s string

	return s, value.decode(StringType, &s)
}

func (value PropertyValue) AsInteger() (int64, bool) {
	var i int64

	return i, value.decode(IntegerType, &i)
}

func (value PropertyValue) AsFloat() (float64, bool) {
	var f float64

	return f, value.decode(FloatType, &f)
}

func (value PropertyValue) AsBoolean() (bool, bool) {
	var b bool

	return b, value.decode(BooleanType, &b)
}

func (value PropertyValue) AsBlob() ([]byte, bool) {
	var b []byte

	return b, value.decode(BlobType, &b)
}

func (value PropertyValue) AsTime() (time.Time, bool) {
	var ms int64

	if !value.decode(TimeType, &ms) {
		return time.Time{}, false
	}

	return time.Unix(0, ms*int64(time.Millisecond)).UTC(), true
}

func (value PropertyValue) Equal(other PropertyValue) bool {
	return value.Type == other.Type && bytes.Equal(value.Value, other.Value)
}

func (value PropertyValue) clone() PropertyValue {
	encoded := make(json.RawMessage, len(value.Value))
	copy(encoded, value.Value)

	return PropertyValue{Type: value.Type, Value: encoded}
}
