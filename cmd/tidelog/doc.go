// Command tidelog captures vessel positions and submits trips to the trip
// backend, queueing them durably while the backend is unreachable.
//
// Install:
//
//	go install github.com/nuetzliches/tidelog/cmd/tidelog@latest
//
// Usage:
//
//	tidelog run --config ./tidelog.yaml
//	tidelog submit --file trip.json
//	tidelog queue list
package main
