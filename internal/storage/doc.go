package storage

// Package storage provides a minimal persistence layer used by the agent.
//
// It currently supports:
//   - Session cache (token pair survives restarts)
//   - Seen payload IDs (duplicate suppression survives restarts)
//   - Delivery log appends (per-channel send outcomes)
