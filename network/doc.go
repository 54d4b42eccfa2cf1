// Package network provides ZeroMQ-based messaging between federation hosts.
// This package implements:
// - Transport: ROUTER/DEALER node carrying typed envelopes with replay protection
// - ConsensusBridge and CoordinatorBridge: binding the engine and coordinator to the wire
// - ModelAnnouncer: gossip propagation of new global model versions
package network
