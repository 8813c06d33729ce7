// Package controller composes the gatehouse subsystems into a single
// process: storage, route table, certificate providers, convergence
// engine, renewal scheduler, health monitor, and the proxy servers.
package controller
