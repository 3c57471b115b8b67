// Package discovery maintains cluster membership: which nodes are
// alive, which agents each node hosts, and when a silent node should
// be declared dead.
//
// # Architecture
//
//	┌──────────┐  agentplane.heartbeat.<node-id>  ┌──────────┐
//	│  Beacon  │ ───────────────────────────────> │  Source  │──> Service
//	│ (node)   │                                  │ (control │
//	└──────────┘                                  │  plane)  │
//	                                              └──────────┘
//
// Service is the ground truth for "is this node/agent alive right
// now". Nodes register and then heartbeat; a background sweep walks
// the ladder Alive → Suspect → Dead on heartbeat age. Death cascades:
// every agent hosted on the dead node flips to offline in one atomic
// step and the node stops appearing in LiveNodes. Death is
// irreversible: a later heartbeat from the same id fails with
// NOT_FOUND, forcing the node to re-register as a fresh member.
//
// A simple timeout detector is sufficient here: the platform needs no
// membership consensus, and routing errors caused by a stale view are
// retried by the message router anyway.
//
// # Usage
//
//	svc := discovery.New(store, discovery.Config{
//	    HeartbeatInterval: 5 * time.Second,
//	    Timeout:           15 * time.Second,
//	    Grace:             10 * time.Second,
//	})
//	svc.OnDead(func(nodeID string) {
//	    log.Printf("node %s presumed dead", nodeID)
//	})
//	svc.Start(ctx)
//
// Nodes heartbeat either by calling Heartbeat directly (in-process) or
// by running a Beacon over the bus and letting a Source feed the
// service on the control-plane side.
package discovery
