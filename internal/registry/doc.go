// Package registry implements the file-backed service registry that every
// stagehand process shares. It is the single cross-process resource in the
// system: workers register themselves and refresh heartbeats, the supervisor
// reads it to judge health, and front-end clients read it to discover
// workers.
//
// # Storage model
//
// The registry is one JSON document keyed by worker name:
//
//	{
//	  "version": "1.0",
//	  "updated_at": 1733234567.89,
//	  "workers": {
//	    "audio_analyzer": {
//	      "pid": 12345,
//	      "status": "running",
//	      "command_addr": "unix:///run/stagehand/audio_analyzer.sock",
//	      "telemetry_addr": "unix:///run/stagehand/audio_analyzer.tele.sock",
//	      "registered_at": 1733234500.0,
//	      "heartbeat_at": 1733234567.89,
//	      "metadata": {...}
//	    }
//	  }
//	}
//
// Every mutation is a single read-modify-write cycle under an exclusive
// advisory file lock (a flock on a sidecar .lock file), so concurrent
// writers from different processes cannot lose updates. The lock is scoped:
// it is acquired immediately before the cycle and released on every exit
// path, and it is never held across a socket operation. Writes go through a
// temp file and atomic rename so a crashed writer can never leave a torn
// document behind.
//
// # Health
//
// A record is healthy iff its process is alive and its heartbeat is younger
// than HeartbeatTimeout. The timeout (15s) tolerates two missed beats at
// the 5s heartbeat interval before a worker is declared dead. Records whose
// process is gone are treated as absent by readers regardless of heartbeat
// age. Cleanup, called only by the supervisor, marks stale running records
// as crashed and removes records with dead processes.
package registry
