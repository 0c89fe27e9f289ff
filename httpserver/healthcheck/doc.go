/*
Package healthcheck serves /live and /ready from the daemon's health checkers, alongside the Go
runtime's pprof handlers under /debug/pprof.
*/
package healthcheck
