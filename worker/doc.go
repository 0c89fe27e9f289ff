/*
Package worker runs a periodic loop with observability and back-off when there is no work.

The daemon uses it to publish gauges; WorkFunc returns ErrShouldBackoff to wait for the
next tick.
*/
package worker
