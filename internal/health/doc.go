// Package health provides composable probes and the liveness and readiness
// handlers served on both listeners.
//
// [ShutdownGate] fails readiness as soon as shutdown begins so load balancers
// stop routing new export requests while in-flight downloads drain.
package health
