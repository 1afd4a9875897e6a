// Package tidelog is the root of the tidelog module, an offline-first trip
// logger for vessels with intermittent connectivity.
//
// The module ships one command, cmd/tidelog. Location capture, the durable
// submission queue and the flush trigger live under internal/ and are not a
// public Go API.
package tidelog
