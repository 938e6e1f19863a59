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

var templateConfig string = `# The id field names the store hosted by this node. Objects created here get
# identifiers of the form <id>#<local id> and shadow stores are named
# <id>/shadow-<hash>. It may not contain # or /
# **REQUIRED**
id: node1

# The db field specifies the directory where the database files reside on
# disk. If it doesn't exist it will be created. Relative paths are resolved
# against the directory containing this file
# **REQUIRED**
db: /tmp/meshbase

# The port field specifies the port number on which to run the database server
port: 9090

# The maximum number of simultaneous connections the server accepts. Zero
# means no limit
maxConnections: 0

# The transport used to exchange messages with the nodes listed under peers.
# With http every frame is posted to the receiving node. With websocket each
# pair of nodes keeps one connection open and multiplexes the frames of all
# their stores over it
transport: http

# Other nodes whose stores this node may replicate objects from
# peers:
#   - id: node2
#     host: 10.10.102.8
#     port: 9090

# Timing of the token passed between two stores. All values are in
# milliseconds and fields left out take their default value
endpoint:
    # How long a store holding the token with nothing to send waits before
    # passing it back
    respondNoMessage: 5000
    # How long a store holding the token waits for more messages to batch
    # once it has something to send
    respondWithMessage: 100
    # How long to wait for the token to come back before sending it again
    resend: 1000
    # How long to wait before assuming the token is lost and grabbing it
    recover: 15000
    # Every delay above is stretched by up to this fraction at random
    randomVariation: 0.1
    # The number of resends after which the endpoint gives up until a new
    # message is queued
    maxSendAttempts: 2

# How long in milliseconds a request for a lock or home replica held further
# down a chain of replicas is forwarded before it is rejected. Zero means the
# request is only bounded by its caller
forwardTimeout: 0

# The number of committed change sets kept in the journal of each store.
# Zero keeps the default
journalLimit: 0

# An optional YAML file listing the entity types, role types and properties
# that objects may use. Without it any type or property is accepted
# schema: schema.yaml

# Shadows mirror external sources into stores of their own. Durations are in
# milliseconds
probes:
    # Time between sweeps for shadows that no other store needs anymore. The
    # lowest it can be set to is one second
    gcInterval: 60000
    # How long a shadow that no other store replicates is kept around
    ttlIfUnneeded: 600000
    # Every scheduled run is delayed by up to this fraction of its delay
    randomVariation: 0.1
    # Delay before retrying a failed run that did not ask for a delay
    failureDelay: 30000
    # Upper bound on a single probe run. Zero means no bound
    runTimeout: 0
    # How often file:// sources are read again when the file does not say
    fileDelay: 30000
    # Sources to shadow as soon as the server starts
    # sources:
    #   - file:///etc/meshbase/devices.yaml

# The log level configures how detailed the output produced by meshbase is.
# It can be one of critical, error, warning, notice, info or debug
logLevel: info
`
