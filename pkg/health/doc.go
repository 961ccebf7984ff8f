// Package health provides pluggable dependency health checks — HTTP,
// TCP, and Exec — consulted by an agent shell's /health endpoint
// (pkg/agentshell): when a collaborator the agent depends on (a
// database, the MCP Bus, a model server) does not answer, the agent
// reports "degraded". Its /ready endpoint does not consult them.
//
// Each Checker is independent and side-effect free: Check only reports
// a result, it never takes corrective action itself.
package health
