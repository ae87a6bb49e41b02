// Package sase provides a local TLS-intercepting gateway that enforces a
// domain blocklist, keeps a durable audit trail, and streams decisions to
// live viewers.
//
// # Architecture
//
// Two listeners share one process-wide [State]:
//
//   - The data plane ([Proxy]) accepts explicit proxy traffic. CONNECT
//     tunnels are terminated with leaf certificates minted by a
//     [CertManager] whose root CA is generated at startup; every decrypted
//     request is handed to an [Interceptor].
//   - The control plane ([ControlAPI]) reads and replaces the policy,
//     reports status, and pushes audit records to browsers as server-sent
//     events.
//
// The [Engine] is the Interceptor used in production. For each request it
// classifies the host against the [PolicyStore], builds a [LogEntry],
// publishes it to the [Hub] and the durable [AuditSink], and returns the
// verdict. Blocked requests are answered with a fixed 403 and never reach
// the origin.
//
// # Basic Usage
//
//	cm, err := sase.NewEphemeralCertManager("SASE Root CA", sase.DefaultCertCacheSize)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = cm.WriteCACert("static/certs/ca.crt")
//
//	state := sase.NewState(sase.DefaultPolicy(), sase.DefaultHubCapacity)
//	engine := sase.NewEngine(state)
//
//	srv := &sase.Server{
//	    Proxy:       sase.NewProxy("0.0.0.0:8080", cm, engine),
//	    Control:     sase.NewControlAPI(state),
//	    ControlAddr: "127.0.0.1:0",
//	    State:       state,
//	}
//	if err := srv.Listen(); err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(srv.Run(ctx))
//
// # Policy Matching
//
// A host is blocked when any configured entry occurs in it as a substring.
// Matching is case-sensitive and the list is scanned in order. Requests
// whose host cannot be determined are classified as [UnknownHost].
//
// # Audit Trail
//
// [AuditWriter] appends one JSON object per request to a file named after
// the local date, for example logs/sase-2026-03-01.json. Within a day the
// file is rotated by size.
//
// # Configuration
//
// [LoadConfig] reads sase.yaml and SASE_* environment variables through
// viper. Sending SIGHUP restores the configured seed policy; see
// [WatchSIGHUP].
package sase
