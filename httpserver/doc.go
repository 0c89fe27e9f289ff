/*
Package httpserver runs the daemon's admin HTTP server.

The server is registered as a lifecycle service, so it stops once the daemon reaches a terminal
state. Connection counts are reported as gauges through the lifecycle metrics reporter.
*/
package httpserver
