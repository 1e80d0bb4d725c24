// Package mcp contains the wire-level types of the Model Context Protocol
// subset served by the gateway: initialization, ping, and the tools
// capability. The types mirror the protocol schema; they carry no behavior.
package mcp
