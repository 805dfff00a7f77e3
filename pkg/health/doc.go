/*
Package health provides a small set of interchangeable liveness probes:
process (pid-alive, the default for a forked sibling), exec (run a
command, non-zero exit is unhealthy), TCP (dial-only), and HTTP (status
code range). Status tracks consecutive failures/successes and applies
hysteresis (Retries failures before flipping unhealthy) so a single
transient miss doesn't trigger a restart.

pkg/supervisor drives one Checker per sibling; the optional TCP status
daemon (C8) can expose these results over HTTP for external monitoring.
*/
package health
